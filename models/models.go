package models

import "time"

type Platform string

const (
	PlatformPosix              Platform = "posix"
	PlatformWindowsRemoteShell Platform = "windows-remote-shell"
)

// Environment is one deploy target: a single remote host plus the metadata
// needed to push code to it and verify it afterwards. Entries are defined in
// the config file and are read-only to the orchestrator.
type Environment struct {
	ID            string      `json:"id" yaml:"id" validate:"required,env_slug"`
	DisplayName   string      `json:"display_name" yaml:"display_name"`
	Platform      Platform    `json:"platform" yaml:"platform" validate:"required,platform"`
	Host          string      `json:"host" yaml:"host" validate:"required,host_addr"`
	Port          int         `json:"port" yaml:"port" validate:"min=0,max=65535"`
	User          string      `json:"user" yaml:"user" validate:"required"`
	CredentialRef string      `json:"credential_ref" yaml:"credential_ref" validate:"required"`
	DeployPath    string      `json:"deploy_path" yaml:"deploy_path" validate:"required,deploy_path"`
	BuildCommand  string      `json:"build_command,omitempty" yaml:"build_command" validate:"omitempty,safe_command"`
	ServiceNames  []string    `json:"service_names" yaml:"service_names"`
	Probes        []ProbeSpec `json:"probes,omitempty" yaml:"probes"`
}

type DeploymentStatus string

const (
	StatusPending    DeploymentStatus = "pending"
	StatusRunning    DeploymentStatus = "running"
	StatusSuccess    DeploymentStatus = "success"
	StatusFailed     DeploymentStatus = "failed"
	StatusRolledBack DeploymentStatus = "rolled_back"
)

// Terminal reports whether no further automatic transition can occur.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusRolledBack
}

const (
	KindDeploy   = "deploy"
	KindRollback = "rollback"
)

type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

type DeploymentStep struct {
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DeploymentRecord is one entry in the append-only deployment ledger. The
// owning orchestrator instance mutates it until it reaches a terminal state;
// after that it is immutable.
type DeploymentRecord struct {
	ID             string           `json:"id"`
	Environment    string           `json:"environment"`
	Status         DeploymentStatus `json:"status"`
	Kind           string           `json:"kind"`
	GitCommit      string           `json:"git_commit,omitempty"`
	GitBranch      string           `json:"git_branch,omitempty"`
	PreviousCommit string           `json:"previous_commit,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	DurationMs     int64            `json:"duration_ms"`
	TriggeredBy    string           `json:"triggered_by"`
	Steps          []DeploymentStep `json:"steps"`
	Logs           []string         `json:"logs"`
	Error          string           `json:"error,omitempty"`
}

// AppendLog adds one timestamped line to the record's append-only log.
func (r *DeploymentRecord) AppendLog(line string) {
	r.Logs = append(r.Logs, time.Now().Format(time.RFC3339)+" "+line)
}

type ProbeKind string

const (
	ProbeHTTP      ProbeKind = "http"
	ProbeTCP       ProbeKind = "tcp"
	ProbeProcess   ProbeKind = "process"
	ProbeContainer ProbeKind = "container"
)

// ProbeSpec describes one health check. Optional probes surface as warnings
// only and never fail a verification.
type ProbeSpec struct {
	Name      string    `json:"name" yaml:"name"`
	Kind      ProbeKind `json:"kind" yaml:"kind"`
	URL       string    `json:"url,omitempty" yaml:"url"`
	Port      int       `json:"port,omitempty" yaml:"port"`
	Target    string    `json:"target,omitempty" yaml:"target"`
	TimeoutMs int64     `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
	Optional  bool      `json:"optional,omitempty" yaml:"optional"`
}

type ProbeResult struct {
	Name      string    `json:"name"`
	Kind      ProbeKind `json:"kind"`
	Success   bool      `json:"success"`
	Optional  bool      `json:"optional,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
}

// VerificationRecord aggregates one verification run. Invariant:
// Passed + Failed == Total. Healthy means every required probe passed.
type VerificationRecord struct {
	ID           string        `json:"id"`
	DeploymentID string        `json:"deployment_id,omitempty"`
	Environment  string        `json:"environment"`
	ProbeResults []ProbeResult `json:"probe_results"`
	Passed       int           `json:"passed"`
	Failed       int           `json:"failed"`
	Total        int           `json:"total"`
	Healthy      bool          `json:"healthy"`
	Warnings     []string      `json:"warnings,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// EnvironmentStatus is a derived projection over the latest deployment and
// verification for an environment. It is overwritten in place and is never
// the source of truth for rollback decisions.
type EnvironmentStatus struct {
	Environment      string            `json:"environment"`
	Online           bool              `json:"online"`
	LastDeploymentID string            `json:"last_deployment_id,omitempty"`
	GitCommit        string            `json:"git_commit,omitempty"`
	GitBranch        string            `json:"git_branch,omitempty"`
	Services         map[string]string `json:"services"`
	Capabilities     []string          `json:"capabilities,omitempty"`
	OpenPorts        []int             `json:"open_ports,omitempty"`
	Containers       []string          `json:"containers,omitempty"`
	LastChecked      time.Time         `json:"last_checked"`
}

type ConfigType string

const (
	SnapshotTopology  ConfigType = "topology"
	SnapshotServices  ConfigType = "services"
	SnapshotPipelines ConfigType = "pipelines"
)

// ConfigSnapshot is an immutable copy of a configuration artifact, kept so
// configuration can be restored independently of code rollback.
type ConfigSnapshot struct {
	ID         string     `json:"id"`
	ConfigType ConfigType `json:"config_type"`
	Content    []byte     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
}

// DeployOptions narrows or relaxes a single deploy request.
type DeployOptions struct {
	SkipBuild   bool     `json:"skip_build,omitempty"`
	SkipVerify  bool     `json:"skip_verify,omitempty"`
	Force       bool     `json:"force,omitempty"`
	Services    []string `json:"services,omitempty"`
	Branch      string   `json:"branch,omitempty"`
	TriggeredBy string   `json:"triggered_by,omitempty"`
}

// DeployResult is one environment's outcome of a fleet-wide request.
type DeployResult struct {
	Environment  string           `json:"environment"`
	DeploymentID string           `json:"deployment_id,omitempty"`
	Status       DeploymentStatus `json:"status,omitempty"`
	Error        string           `json:"error,omitempty"`
}
