// Package orchestrator drives the deployment state machine: per-environment
// FIFO locking, sync, build, verify and automatic rollback, with every
// transition written to the history store.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/db"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/registry"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/remote"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/shellsafe"
)

const (
	stepSync   = "sync"
	stepBuild  = "build"
	stepVerify = "verify"
)

const defaultBuildCommand = "./deploy.sh"

// Verifier runs probes against an environment.
type Verifier interface {
	Verify(ctx context.Context, env *models.Environment, probes []models.ProbeSpec) *models.VerificationRecord
}

// BranchResolver maps a branch name to the commit it points at on the source
// repository, from the control node.
type BranchResolver interface {
	Enabled() bool
	ResolveBranch(branch string) (string, error)
}

// Options tune the orchestrator. Zero values fall back to documented
// defaults.
type Options struct {
	CommandTimeout   time.Duration
	FleetParallelism int
	StatusMaxAge     time.Duration
	DefaultBranch    string
}

type Orchestrator struct {
	store    *db.Store
	registry *registry.Registry
	channel  remote.Channel
	verifier Verifier
	resolver BranchResolver
	notifier Notifier
	opts     Options

	mu    sync.Mutex
	locks map[string]*fifoLock
}

func New(store *db.Store, reg *registry.Registry, channel remote.Channel, verifier Verifier, resolver BranchResolver, notifier Notifier, opts Options) *Orchestrator {
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 5 * time.Minute
	}
	if opts.FleetParallelism == 0 {
		opts.FleetParallelism = 3
	}
	if opts.StatusMaxAge == 0 {
		opts.StatusMaxAge = time.Minute
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Orchestrator{
		store:    store,
		registry: reg,
		channel:  channel,
		verifier: verifier,
		resolver: resolver,
		notifier: notifier,
		opts:     opts,
		locks:    make(map[string]*fifoLock),
	}
}

func (o *Orchestrator) lockFor(envID string) *fifoLock {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[envID]
	if !ok {
		l = &fifoLock{}
		o.locks[envID] = l
	}
	return l
}

// Recover finalizes records abandoned by a previous process: anything still
// running past the grace period is marked failed, never resumed.
func (o *Orchestrator) Recover(grace time.Duration) error {
	n, err := o.store.RecoverAbandoned(grace)
	if err != nil {
		return fmt.Errorf("failed to recover abandoned deployments: %w", err)
	}
	if n > 0 {
		log.Printf("Recovered %d abandoned deployment(s)", n)
	}
	return nil
}

// Deploy runs one full deployment against one environment. Pre-flight
// failures (unknown environment, rejected input) return an error before a
// record exists; everything after that is captured in the returned record,
// which is always terminal.
func (o *Orchestrator) Deploy(ctx context.Context, envID string, opts models.DeployOptions) (*models.DeploymentRecord, error) {
	target, err := o.preflight(envID, &opts)
	if err != nil {
		return nil, err
	}

	rec := o.newRecord(envID, models.KindDeploy, opts)
	if err := o.store.CreateDeployment(rec); err != nil {
		return nil, fmt.Errorf("failed to create deployment record: %w", err)
	}

	lock := o.lockFor(envID)
	if err := lock.Lock(ctx); err != nil {
		o.finalize(rec, models.StatusFailed, fmt.Errorf("cancelled while queued: %w", err))
		return rec, nil
	}
	defer lock.Unlock()

	o.run(ctx, target, rec, opts)
	return rec, nil
}

// SyncCode pulls the latest code without building or verifying.
func (o *Orchestrator) SyncCode(ctx context.Context, envID, triggeredBy string) (*models.DeploymentRecord, error) {
	return o.Deploy(ctx, envID, models.DeployOptions{
		SkipBuild:   true,
		SkipVerify:  true,
		TriggeredBy: triggeredBy,
	})
}

// preflight resolves and re-validates the target before any record exists.
func (o *Orchestrator) preflight(envID string, opts *models.DeployOptions) (*registry.Target, error) {
	target, err := o.registry.Resolve(envID)
	if err != nil {
		return nil, err
	}
	if err := shellsafe.ValidPath(target.DeployPath); err != nil {
		return nil, err
	}
	if opts.Branch == "" {
		opts.Branch = o.opts.DefaultBranch
	}
	if _, err := shellsafe.SanitizeArg(opts.Branch); err != nil {
		return nil, err
	}
	for _, svc := range opts.Services {
		if _, err := shellsafe.SanitizeArg(svc); err != nil {
			return nil, err
		}
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "user"
	}
	return target, nil
}

func (o *Orchestrator) newRecord(envID, kind string, opts models.DeployOptions) *models.DeploymentRecord {
	return &models.DeploymentRecord{
		ID:          uuid.New().String(),
		Environment: envID,
		Status:      models.StatusPending,
		Kind:        kind,
		GitBranch:   opts.Branch,
		StartedAt:   time.Now(),
		TriggeredBy: opts.TriggeredBy,
	}
}

// run drives a locked deployment from running to a terminal state. A failure
// in any step must never leave the lock held or the record non-terminal.
func (o *Orchestrator) run(ctx context.Context, target *registry.Target, rec *models.DeploymentRecord, opts models.DeployOptions) {
	rec.Status = models.StatusRunning
	rec.PreviousCommit = o.previousCommit(ctx, target)
	o.save(rec)

	stepErr := o.runStep(ctx, target, rec, stepSync, func(ctx context.Context) error {
		return o.syncToBranch(ctx, target, rec, opts.Branch)
	})

	if stepErr == nil && !opts.SkipBuild {
		stepErr = o.runStep(ctx, target, rec, stepBuild, func(ctx context.Context) error {
			return o.build(ctx, target, opts.Services)
		})
	}

	if stepErr == nil && !opts.SkipVerify {
		stepErr = o.runStep(ctx, target, rec, stepVerify, func(ctx context.Context) error {
			return o.verifyDeployment(ctx, target, rec)
		})
	}

	if stepErr == nil {
		o.finalize(rec, models.StatusSuccess, nil)
		o.projectStatus(target, rec, true)
		return
	}

	// Cancelled deployments end failed, never rolled back.
	if ctx.Err() != nil {
		o.finalize(rec, models.StatusFailed, fmt.Errorf("cancelled: %w", stepErr))
		return
	}

	o.finalize(rec, models.StatusFailed, stepErr)

	if opts.Force || rec.PreviousCommit == "" {
		if rec.PreviousCommit == "" {
			log.Printf("No previous commit for %s, skipping automatic rollback", target.ID)
		}
		return
	}

	o.rollbackTo(ctx, target, rec, opts)
}

// Rollback reverts an environment to the previous commit of its latest
// deployment record.
func (o *Orchestrator) Rollback(ctx context.Context, envID, triggeredBy string) (*models.DeploymentRecord, error) {
	target, err := o.registry.Resolve(envID)
	if err != nil {
		return nil, err
	}

	latest, err := o.store.LatestDeployment(envID)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.PreviousCommit == "" {
		return nil, fmt.Errorf("no previous commit recorded for %s", envID)
	}

	opts := models.DeployOptions{TriggeredBy: triggeredBy, Branch: latest.GitBranch}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "user"
	}

	rb := o.newRecord(envID, models.KindRollback, opts)
	rb.GitCommit = latest.PreviousCommit
	rb.PreviousCommit = latest.GitCommit
	if err := o.store.CreateDeployment(rb); err != nil {
		return nil, fmt.Errorf("failed to create rollback record: %w", err)
	}

	lock := o.lockFor(envID)
	if err := lock.Lock(ctx); err != nil {
		o.finalize(rb, models.StatusFailed, fmt.Errorf("cancelled while queued: %w", err))
		return rb, nil
	}
	defer lock.Unlock()

	o.runRevert(ctx, target, rb, latest.PreviousCommit, opts)
	return rb, nil
}

// rollbackTo runs the automatic revert after a failed deploy. One attempt
// only; if the revert itself fails the environment is flagged unhealthy for
// operator attention.
func (o *Orchestrator) rollbackTo(ctx context.Context, target *registry.Target, failed *models.DeploymentRecord, opts models.DeployOptions) {
	rb := o.newRecord(target.ID, models.KindRollback, opts)
	rb.GitCommit = failed.PreviousCommit
	rb.PreviousCommit = failed.GitCommit
	if err := o.store.CreateDeployment(rb); err != nil {
		log.Printf("Failed to create rollback record for %s: %v", target.ID, err)
		return
	}
	o.store.AddEvent(failed.ID, "rollback_started", rb.ID)

	o.runRevert(ctx, target, rb, failed.PreviousCommit, opts)
}

// runRevert checks out a specific commit and re-runs the deploy script.
// Verification is not re-run: the target commit was healthy when it was
// recorded.
func (o *Orchestrator) runRevert(ctx context.Context, target *registry.Target, rb *models.DeploymentRecord, commit string, opts models.DeployOptions) {
	rb.Status = models.StatusRunning
	o.save(rb)

	stepErr := o.runStep(ctx, target, rb, stepSync, func(ctx context.Context) error {
		if _, err := o.exec(ctx, target, "git", "fetch", "origin"); err != nil {
			return err
		}
		_, err := o.exec(ctx, target, "git", "checkout", commit)
		return err
	})

	if stepErr == nil && !opts.SkipBuild {
		stepErr = o.runStep(ctx, target, rb, stepBuild, func(ctx context.Context) error {
			return o.build(ctx, target, opts.Services)
		})
	}

	if stepErr != nil {
		o.finalize(rb, models.StatusFailed, fmt.Errorf("rollback failed: %w", stepErr))
		o.flagUnhealthy(target, rb)
		return
	}

	o.finalize(rb, models.StatusRolledBack, nil)
	o.projectStatus(target, rb, true)
}

// VerifyEnvironment runs a standalone verification and refreshes the status
// projection from its results.
func (o *Orchestrator) VerifyEnvironment(ctx context.Context, envID string) (*models.VerificationRecord, error) {
	target, err := o.registry.Resolve(envID)
	if err != nil {
		return nil, err
	}

	record := o.verifier.Verify(ctx, target.Environment, target.Probes)
	if err := o.store.SaveVerification(record); err != nil {
		log.Printf("Failed to save verification for %s: %v", envID, err)
	}

	o.refreshStatusFrom(target, record)
	return record, nil
}

// Status returns the cached environment status, recomputing it when the
// cache is older than the configured horizon. The projection is always safe
// to rebuild from the ledger plus a fresh verification.
func (o *Orchestrator) Status(ctx context.Context, envID string) (*models.EnvironmentStatus, error) {
	if _, err := o.registry.Resolve(envID); err != nil {
		return nil, err
	}

	st, err := o.store.GetEnvironmentStatus(envID)
	if err != nil {
		return nil, err
	}
	if st != nil && time.Since(st.LastChecked) < o.opts.StatusMaxAge {
		return st, nil
	}

	if _, err := o.VerifyEnvironment(ctx, envID); err != nil {
		return nil, err
	}
	return o.store.GetEnvironmentStatus(envID)
}

// --- steps ---

func (o *Orchestrator) runStep(ctx context.Context, target *registry.Target, rec *models.DeploymentRecord, name string, fn func(context.Context) error) error {
	rec.Steps = append(rec.Steps, models.DeploymentStep{
		Name:      name,
		Status:    models.StepRunning,
		StartedAt: time.Now(),
	})
	idx := len(rec.Steps) - 1
	rec.AppendLog(fmt.Sprintf("step %s started", name))
	o.save(rec)
	o.store.AddEvent(rec.ID, "step_started", name)

	err := fn(remote.WithLogSink(ctx, rec))

	now := time.Now()
	rec.Steps[idx].CompletedAt = &now
	if err != nil {
		rec.Steps[idx].Status = models.StepFailed
		rec.AppendLog(fmt.Sprintf("step %s failed: %v", name, err))
		o.store.AddEvent(rec.ID, "step_failed", fmt.Sprintf("%s: %v", name, err))
	} else {
		rec.Steps[idx].Status = models.StepSuccess
		rec.AppendLog(fmt.Sprintf("step %s completed", name))
		o.store.AddEvent(rec.ID, "step_completed", name)
	}
	o.save(rec)
	return err
}

func (o *Orchestrator) syncToBranch(ctx context.Context, target *registry.Target, rec *models.DeploymentRecord, branch string) error {
	if _, err := o.exec(ctx, target, "git", "fetch", "origin"); err != nil {
		return err
	}
	if _, err := o.exec(ctx, target, "git", "checkout", branch); err != nil {
		return err
	}
	if _, err := o.exec(ctx, target, "git", "pull", "origin", branch); err != nil {
		return err
	}

	res, err := o.exec(ctx, target, "git", "rev-parse", "HEAD")
	if err == nil {
		rec.GitCommit = strings.TrimSpace(res.Stdout)
		return nil
	}

	// The checkout itself succeeded; reading HEAD is bookkeeping. When the
	// host cannot report it, resolve the commit from the source repository
	// instead of failing the deploy.
	if o.resolver != nil && o.resolver.Enabled() {
		if commit, rerr := o.resolver.ResolveBranch(branch); rerr == nil {
			rec.GitCommit = commit
			rec.AppendLog(fmt.Sprintf("resolved %s to %s from source repository", branch, commit))
			return nil
		}
	}
	return err
}

func (o *Orchestrator) build(ctx context.Context, target *registry.Target, services []string) error {
	buildCmd := target.BuildCommand
	if buildCmd == "" {
		buildCmd = defaultBuildCommand
	}
	clean, err := shellsafe.SanitizeCommand(buildCmd)
	if err != nil {
		return err
	}

	argv := append(strings.Fields(clean), services...)
	_, err = o.exec(ctx, target, argv...)
	return err
}

func (o *Orchestrator) verifyDeployment(ctx context.Context, target *registry.Target, rec *models.DeploymentRecord) error {
	record := o.verifier.Verify(ctx, target.Environment, target.Probes)
	record.DeploymentID = rec.ID
	if err := o.store.SaveVerification(record); err != nil {
		log.Printf("Failed to save verification for %s: %v", target.ID, err)
	}
	for _, warning := range record.Warnings {
		rec.AppendLog("warning: " + warning)
	}
	if !record.Healthy {
		return &models.VerificationFailure{
			Environment: target.ID,
			Failed:      record.Failed,
			Total:       record.Total,
		}
	}
	return nil
}

// previousCommit reads the currently deployed ref from the status cache,
// falling back to asking the host directly when the cache is stale or
// absent.
func (o *Orchestrator) previousCommit(ctx context.Context, target *registry.Target) string {
	if st, err := o.store.GetEnvironmentStatus(target.ID); err == nil && st != nil &&
		st.GitCommit != "" && time.Since(st.LastChecked) < o.opts.StatusMaxAge {
		return st.GitCommit
	}

	res, err := o.exec(ctx, target, "git", "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

func (o *Orchestrator) exec(ctx context.Context, target *registry.Target, argv ...string) (*remote.Result, error) {
	res, err := o.channel.Execute(ctx, target.Environment, remote.Command{Dir: target.DeployPath, Argv: argv}, o.opts.CommandTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &models.RemoteExecutionError{
			Command:  strings.Join(argv, " "),
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	return res, nil
}

// --- bookkeeping ---

func (o *Orchestrator) save(rec *models.DeploymentRecord) {
	if err := o.store.UpdateDeployment(rec); err != nil {
		log.Printf("Failed to persist deployment %s: %v", rec.ID, err)
	}
}

func (o *Orchestrator) finalize(rec *models.DeploymentRecord, status models.DeploymentStatus, err error) {
	now := time.Now()
	rec.Status = status
	rec.CompletedAt = &now
	rec.DurationMs = now.Sub(rec.StartedAt).Milliseconds()
	if err != nil {
		rec.Error = err.Error()
	}
	o.save(rec)
	o.store.AddEvent(rec.ID, "finalized", string(status))

	if status == models.StatusFailed {
		o.notifier.NotifyFailure(rec.Environment, status, rec.Error)
	}
}

// projectStatus rebuilds the environment status cache after a successful
// deploy or rollback.
func (o *Orchestrator) projectStatus(target *registry.Target, rec *models.DeploymentRecord, online bool) {
	services := make(map[string]string, len(target.ServiceNames))
	for _, name := range target.ServiceNames {
		services[name] = "unknown"
	}

	st := &models.EnvironmentStatus{
		Environment:      target.ID,
		Online:           online,
		LastDeploymentID: rec.ID,
		GitCommit:        rec.GitCommit,
		GitBranch:        rec.GitBranch,
		Services:         services,
		Capabilities:     []string{string(target.Platform)},
		LastChecked:      time.Now(),
	}
	if err := o.store.UpsertEnvironmentStatus(st); err != nil {
		log.Printf("Failed to update status for %s: %v", target.ID, err)
	}
}

func (o *Orchestrator) refreshStatusFrom(target *registry.Target, record *models.VerificationRecord) {
	services := make(map[string]string, len(record.ProbeResults))
	for _, pr := range record.ProbeResults {
		if pr.Success {
			services[pr.Name] = "healthy"
		} else {
			services[pr.Name] = "unhealthy"
		}
	}

	st := &models.EnvironmentStatus{
		Environment:  target.ID,
		Online:       record.Healthy,
		Services:     services,
		Capabilities: []string{string(target.Platform)},
		LastChecked:  time.Now(),
	}
	if latest, err := o.store.LatestDeployment(target.ID); err == nil && latest != nil {
		st.LastDeploymentID = latest.ID
		st.GitCommit = latest.GitCommit
		st.GitBranch = latest.GitBranch
		if latest.Status == models.StatusFailed && latest.PreviousCommit != "" {
			// A failed record never represents what is running.
			st.GitCommit = latest.PreviousCommit
		}
	}
	if err := o.store.UpsertEnvironmentStatus(st); err != nil {
		log.Printf("Failed to update status for %s: %v", target.ID, err)
	}
}

// flagUnhealthy marks an environment for operator attention after a failed
// rollback.
func (o *Orchestrator) flagUnhealthy(target *registry.Target, rec *models.DeploymentRecord) {
	services := make(map[string]string, len(target.ServiceNames))
	for _, name := range target.ServiceNames {
		services[name] = "unhealthy"
	}
	st := &models.EnvironmentStatus{
		Environment:      target.ID,
		Online:           false,
		LastDeploymentID: rec.ID,
		GitCommit:        rec.PreviousCommit,
		GitBranch:        rec.GitBranch,
		Services:         services,
		Capabilities:     []string{string(target.Platform)},
		LastChecked:      time.Now(),
	}
	if err := o.store.UpsertEnvironmentStatus(st); err != nil {
		log.Printf("Failed to update status for %s: %v", target.ID, err)
	}
}
