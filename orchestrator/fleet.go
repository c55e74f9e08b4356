package orchestrator

import (
	"context"
	"log"
	"sync"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
)

// DeployAll fans a deploy out to every registered environment with bounded
// parallelism. One environment's failure never stops the others; results
// arrive in completion order.
func (o *Orchestrator) DeployAll(ctx context.Context, opts models.DeployOptions) []models.DeployResult {
	targets := o.registry.All()
	results := make([]models.DeployResult, 0, len(targets))

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.opts.FleetParallelism)

	for _, target := range targets {
		wg.Add(1)
		go func(envID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res := models.DeployResult{Environment: envID}
			rec, err := o.Deploy(ctx, envID, opts)
			if err != nil {
				res.Error = err.Error()
				log.Printf("Fleet deploy to %s rejected: %v", envID, err)
			} else {
				res.DeploymentID = rec.ID
				res.Status = rec.Status
				if rec.Error != "" {
					res.Error = rec.Error
				}
			}

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(target.ID)
	}

	wg.Wait()
	return results
}

// VerifyAll runs verification against every registered environment in
// parallel.
func (o *Orchestrator) VerifyAll(ctx context.Context) map[string]*models.VerificationRecord {
	targets := o.registry.All()
	records := make(map[string]*models.VerificationRecord, len(targets))

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.opts.FleetParallelism)

	for _, target := range targets {
		wg.Add(1)
		go func(envID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			record, err := o.VerifyEnvironment(ctx, envID)
			if err != nil {
				log.Printf("Fleet verify of %s failed: %v", envID, err)
				return
			}

			mu.Lock()
			records[envID] = record
			mu.Unlock()
		}(target.ID)
	}

	wg.Wait()
	return records
}
