package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
)

// Store is the append-only deployment ledger plus the derived environment
// status cache and config snapshots.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS remote_deployments (
		id TEXT PRIMARY KEY,
		environment TEXT NOT NULL,
		status TEXT NOT NULL,
		kind TEXT NOT NULL,
		git_commit TEXT,
		git_branch TEXT,
		previous_commit TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		triggered_by TEXT,
		steps TEXT NOT NULL DEFAULT '[]',
		logs TEXT NOT NULL DEFAULT '[]',
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_deployments_environment ON remote_deployments(environment);
	CREATE INDEX IF NOT EXISTS idx_deployments_started_at ON remote_deployments(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_deployments_status ON remote_deployments(status);

	CREATE TABLE IF NOT EXISTS deployment_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deployment_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		details TEXT,
		FOREIGN KEY (deployment_id) REFERENCES remote_deployments(id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_deployment_id ON deployment_events(deployment_id);

	CREATE TABLE IF NOT EXISTS deployment_verifications (
		id TEXT PRIMARY KEY,
		deployment_id TEXT,
		environment TEXT NOT NULL,
		probe_results TEXT NOT NULL DEFAULT '[]',
		passed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		total INTEGER NOT NULL,
		healthy INTEGER NOT NULL,
		warnings TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_verifications_environment ON deployment_verifications(environment);

	CREATE TABLE IF NOT EXISTS environment_status (
		environment TEXT PRIMARY KEY,
		online INTEGER NOT NULL,
		last_deployment_id TEXT,
		git_commit TEXT,
		git_branch TEXT,
		services TEXT NOT NULL DEFAULT '{}',
		capabilities TEXT NOT NULL DEFAULT '[]',
		open_ports TEXT NOT NULL DEFAULT '[]',
		containers TEXT NOT NULL DEFAULT '[]',
		last_checked TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS config_snapshots (
		id TEXT PRIMARY KEY,
		config_type TEXT NOT NULL,
		content BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_type ON config_snapshots(config_type);
	`

	_, err := s.db.Exec(schema)
	return err
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

// CreateDeployment appends a new record to the ledger.
func (s *Store) CreateDeployment(rec *models.DeploymentRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO remote_deployments (id, environment, status, kind, git_commit, git_branch, previous_commit,
			started_at, completed_at, duration_ms, triggered_by, steps, logs, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Environment, rec.Status, rec.Kind, rec.GitCommit, rec.GitBranch, rec.PreviousCommit,
		rec.StartedAt, rec.CompletedAt, rec.DurationMs, rec.TriggeredBy,
		marshalJSON(rec.Steps), marshalJSON(rec.Logs), rec.Error)

	return err
}

// UpdateDeployment patches a record that has not yet reached a terminal
// state. Finalized records are immutable; patching one is an error.
func (s *Store) UpdateDeployment(rec *models.DeploymentRecord) error {
	res, err := s.db.Exec(`
		UPDATE remote_deployments
		SET status = ?, git_commit = ?, git_branch = ?, previous_commit = ?,
			completed_at = ?, duration_ms = ?, steps = ?, logs = ?, error = ?
		WHERE id = ? AND status NOT IN ('success', 'failed', 'rolled_back')
	`, rec.Status, rec.GitCommit, rec.GitBranch, rec.PreviousCommit,
		rec.CompletedAt, rec.DurationMs, marshalJSON(rec.Steps), marshalJSON(rec.Logs), rec.Error,
		rec.ID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetDeployment(rec.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("deployment %s already finalized", rec.ID)
	}
	return nil
}

const deploymentColumns = `id, environment, status, kind, git_commit, git_branch, previous_commit,
	started_at, completed_at, duration_ms, triggered_by, steps, logs, error`

func scanDeployment(row interface{ Scan(...any) error }) (*models.DeploymentRecord, error) {
	var rec models.DeploymentRecord
	var gitCommit, gitBranch, prevCommit, triggeredBy, errMsg sql.NullString
	var completedAt sql.NullTime
	var steps, logs string

	err := row.Scan(&rec.ID, &rec.Environment, &rec.Status, &rec.Kind, &gitCommit, &gitBranch, &prevCommit,
		&rec.StartedAt, &completedAt, &rec.DurationMs, &triggeredBy, &steps, &logs, &errMsg)
	if err != nil {
		return nil, err
	}

	rec.GitCommit = gitCommit.String
	rec.GitBranch = gitBranch.String
	rec.PreviousCommit = prevCommit.String
	rec.TriggeredBy = triggeredBy.String
	rec.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
		return nil, fmt.Errorf("corrupt steps for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(logs), &rec.Logs); err != nil {
		return nil, fmt.Errorf("corrupt logs for %s: %w", rec.ID, err)
	}

	return &rec, nil
}

func (s *Store) GetDeployment(id string) (*models.DeploymentRecord, error) {
	rec, err := scanDeployment(s.db.QueryRow(
		`SELECT `+deploymentColumns+` FROM remote_deployments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("deployment %s: %w", id, models.ErrNotFound)
	}
	return rec, err
}

// QueryDeployments returns records newest first, optionally filtered by
// environment and status.
func (s *Store) QueryDeployments(environment, status string, limit, offset int) ([]models.DeploymentRecord, int, error) {
	where := "WHERE 1=1"
	var args []any
	if environment != "" {
		where += " AND environment = ?"
		args = append(args, environment)
	}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM remote_deployments `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT `+deploymentColumns+`
		FROM remote_deployments `+where+`
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var deployments []models.DeploymentRecord
	for rows.Next() {
		rec, err := scanDeployment(rows)
		if err != nil {
			return nil, 0, err
		}
		deployments = append(deployments, *rec)
	}

	return deployments, total, rows.Err()
}

// LatestDeployment returns the most recent record for an environment, or nil
// when the environment has never been deployed.
func (s *Store) LatestDeployment(environment string) (*models.DeploymentRecord, error) {
	rec, err := scanDeployment(s.db.QueryRow(`
		SELECT `+deploymentColumns+`
		FROM remote_deployments
		WHERE environment = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, environment))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// RecoverAbandoned finalizes records left running past the grace period,
// e.g. after a process crash. Their locks are presumed abandoned; they are
// never resumed silently.
func (s *Store) RecoverAbandoned(grace time.Duration) (int, error) {
	cutoff := time.Now().Add(-grace)
	res, err := s.db.Exec(`
		UPDATE remote_deployments
		SET status = 'failed', error = 'abandoned: still running past grace period after restart', completed_at = ?
		WHERE status IN ('pending', 'running') AND started_at < ?
	`, time.Now(), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) AddEvent(deploymentID, eventType, details string) error {
	_, err := s.db.Exec(`
		INSERT INTO deployment_events (deployment_id, event_type, details, timestamp)
		VALUES (?, ?, ?, ?)
	`, deploymentID, eventType, details, time.Now())
	return err
}

// SaveVerification stores one immutable verification record.
func (s *Store) SaveVerification(v *models.VerificationRecord) error {
	var deploymentID any
	if v.DeploymentID != "" {
		deploymentID = v.DeploymentID
	}
	_, err := s.db.Exec(`
		INSERT INTO deployment_verifications (id, deployment_id, environment, probe_results, passed, failed, total, healthy, warnings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, deploymentID, v.Environment, marshalJSON(v.ProbeResults), v.Passed, v.Failed, v.Total, v.Healthy, marshalJSON(v.Warnings), v.CreatedAt)
	return err
}

func (s *Store) GetVerifications(environment string, limit int) ([]models.VerificationRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, deployment_id, environment, probe_results, passed, failed, total, healthy, warnings, created_at
		FROM deployment_verifications
		WHERE environment = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, environment, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.VerificationRecord
	for rows.Next() {
		var v models.VerificationRecord
		var deploymentID sql.NullString
		var probeResults, warnings string
		if err := rows.Scan(&v.ID, &deploymentID, &v.Environment, &probeResults, &v.Passed, &v.Failed, &v.Total, &v.Healthy, &warnings, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.DeploymentID = deploymentID.String
		if err := json.Unmarshal([]byte(probeResults), &v.ProbeResults); err != nil {
			return nil, fmt.Errorf("corrupt probe results for %s: %w", v.ID, err)
		}
		if err := json.Unmarshal([]byte(warnings), &v.Warnings); err != nil {
			return nil, fmt.Errorf("corrupt warnings for %s: %w", v.ID, err)
		}
		records = append(records, v)
	}

	return records, rows.Err()
}

// UpsertEnvironmentStatus overwrites the derived status projection in place.
func (s *Store) UpsertEnvironmentStatus(st *models.EnvironmentStatus) error {
	_, err := s.db.Exec(`
		INSERT INTO environment_status (environment, online, last_deployment_id, git_commit, git_branch, services, capabilities, open_ports, containers, last_checked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(environment) DO UPDATE SET
			online = excluded.online,
			last_deployment_id = excluded.last_deployment_id,
			git_commit = excluded.git_commit,
			git_branch = excluded.git_branch,
			services = excluded.services,
			capabilities = excluded.capabilities,
			open_ports = excluded.open_ports,
			containers = excluded.containers,
			last_checked = excluded.last_checked
	`, st.Environment, st.Online, st.LastDeploymentID, st.GitCommit, st.GitBranch,
		marshalJSON(st.Services), marshalJSON(st.Capabilities), marshalJSON(st.OpenPorts), marshalJSON(st.Containers), st.LastChecked)
	return err
}

func scanStatus(row interface{ Scan(...any) error }) (*models.EnvironmentStatus, error) {
	var st models.EnvironmentStatus
	var lastDeploymentID, gitCommit, gitBranch sql.NullString
	var services, capabilities, openPorts, containers string

	err := row.Scan(&st.Environment, &st.Online, &lastDeploymentID, &gitCommit, &gitBranch,
		&services, &capabilities, &openPorts, &containers, &st.LastChecked)
	if err != nil {
		return nil, err
	}

	st.LastDeploymentID = lastDeploymentID.String
	st.GitCommit = gitCommit.String
	st.GitBranch = gitBranch.String
	if err := json.Unmarshal([]byte(services), &st.Services); err != nil {
		return nil, fmt.Errorf("corrupt services for %s: %w", st.Environment, err)
	}
	if err := json.Unmarshal([]byte(capabilities), &st.Capabilities); err != nil {
		return nil, fmt.Errorf("corrupt capabilities for %s: %w", st.Environment, err)
	}
	if err := json.Unmarshal([]byte(openPorts), &st.OpenPorts); err != nil {
		return nil, fmt.Errorf("corrupt open ports for %s: %w", st.Environment, err)
	}
	if err := json.Unmarshal([]byte(containers), &st.Containers); err != nil {
		return nil, fmt.Errorf("corrupt containers for %s: %w", st.Environment, err)
	}

	return &st, nil
}

const statusColumns = `environment, online, last_deployment_id, git_commit, git_branch, services, capabilities, open_ports, containers, last_checked`

func (s *Store) GetEnvironmentStatus(environment string) (*models.EnvironmentStatus, error) {
	st, err := scanStatus(s.db.QueryRow(
		`SELECT `+statusColumns+` FROM environment_status WHERE environment = ?`, environment))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

func (s *Store) AllEnvironmentStatuses() ([]models.EnvironmentStatus, error) {
	rows, err := s.db.Query(`SELECT ` + statusColumns + ` FROM environment_status ORDER BY environment`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []models.EnvironmentStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *st)
	}

	return statuses, rows.Err()
}

// SaveSnapshot appends an immutable config snapshot.
func (s *Store) SaveSnapshot(snap *models.ConfigSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO config_snapshots (id, config_type, content, created_at)
		VALUES (?, ?, ?, ?)
	`, snap.ID, snap.ConfigType, snap.Content, snap.CreatedAt)
	return err
}

func (s *Store) ListSnapshots(configType string, limit int) ([]models.ConfigSnapshot, error) {
	where := ""
	var args []any
	if configType != "" {
		where = "WHERE config_type = ?"
		args = append(args, configType)
	}

	rows, err := s.db.Query(`
		SELECT id, config_type, content, created_at
		FROM config_snapshots `+where+`
		ORDER BY created_at DESC
		LIMIT ?
	`, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []models.ConfigSnapshot
	for rows.Next() {
		var snap models.ConfigSnapshot
		if err := rows.Scan(&snap.ID, &snap.ConfigType, &snap.Content, &snap.CreatedAt); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}

	return snapshots, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping() error {
	return s.db.Ping()
}
