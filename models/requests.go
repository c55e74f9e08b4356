package models

import "time"

type DeployRequest struct {
	SkipBuild   bool     `json:"skip_build"`
	SkipVerify  bool     `json:"skip_verify"`
	Force       bool     `json:"force"`
	Services    []string `json:"services"`
	Branch      string   `json:"branch"`
	TriggeredBy string   `json:"triggered_by"`
}

type RollbackRequest struct {
	TriggeredBy string `json:"triggered_by"`
}

type SyncRequest struct {
	TriggeredBy string `json:"triggered_by"`
}

type SnapshotRequest struct {
	ConfigType string `json:"config_type" binding:"required"`
	Content    string `json:"content" binding:"required"`
}

type DeploymentListResponse struct {
	Deployments []DeploymentRecord `json:"deployments"`
	Total       int                `json:"total"`
	Limit       int                `json:"limit"`
	Offset      int                `json:"offset"`
}

type HealthResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	DatabaseAccessible bool   `json:"database_accessible"`
	Environments       int    `json:"environments"`
}

type ErrorResponse struct {
	Error   string    `json:"error"`
	Details string    `json:"details,omitempty"`
	Time    time.Time `json:"time"`
}
