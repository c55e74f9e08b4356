package orchestrator

import (
	"log"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
)

// Notifier is the alerting boundary, called on terminal failure states only.
type Notifier interface {
	NotifyFailure(environment string, status models.DeploymentStatus, errMsg string)
}

// LogNotifier is the default transport when no alerting integration is
// configured.
type LogNotifier struct{}

func (LogNotifier) NotifyFailure(environment string, status models.DeploymentStatus, errMsg string) {
	log.Printf("ALERT environment=%s status=%s error=%q", environment, status, errMsg)
}
