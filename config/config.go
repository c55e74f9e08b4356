package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
)

type Config struct {
	Server       ServerConfig         `yaml:"server"`
	Database     DatabaseConfig       `yaml:"database"`
	Credentials  CredentialsConfig    `yaml:"credentials"`
	Git          GitConfig            `yaml:"git"`
	Orchestrator OrchestratorConfig   `yaml:"orchestrator"`
	Logging      LoggingConfig        `yaml:"logging"`
	Environments []models.Environment `yaml:"environments"`
}

type ServerConfig struct {
	Port    int      `yaml:"port"`
	APIKeys []APIKey `yaml:"api_keys"`
}

type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type CredentialsConfig struct {
	Path string `yaml:"path"`
}

// GitConfig points at the source repository deploys pull from, used to
// resolve branch names to commits from the control node.
type GitConfig struct {
	RepositoryURL string `yaml:"repository_url"`
	Username      string `yaml:"username"`
	Token         string `yaml:"token"`
	DefaultBranch string `yaml:"default_branch"`
}

// Duration parses yaml values like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type OrchestratorConfig struct {
	// FleetParallelism caps concurrent in-flight environment deployments.
	FleetParallelism int `yaml:"fleet_parallelism"`
	// CommandTimeout bounds a single remote command.
	CommandTimeout Duration `yaml:"command_timeout"`
	// ConnectTimeout bounds one connection attempt.
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ConnectRetries int      `yaml:"connect_retries"`
	// GracePeriod after which a still-running record from before a restart
	// is finalized as failed.
	GracePeriod Duration `yaml:"grace_period"`
	// StatusMaxAge bounds how stale the environment status cache may be
	// before a read triggers a fresh verification.
	StatusMaxAge Duration `yaml:"status_max_age"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	dataStr := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(dataStr), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/data/fleet-orchestrator.db"
	}
	if cfg.Credentials.Path == "" {
		cfg.Credentials.Path = "/etc/fleet-orchestrator/credentials.yaml"
	}
	if cfg.Git.DefaultBranch == "" {
		cfg.Git.DefaultBranch = "main"
	}
	if cfg.Orchestrator.FleetParallelism == 0 {
		cfg.Orchestrator.FleetParallelism = 3
	}
	if cfg.Orchestrator.CommandTimeout == 0 {
		cfg.Orchestrator.CommandTimeout = Duration(5 * time.Minute)
	}
	if cfg.Orchestrator.ConnectTimeout == 0 {
		cfg.Orchestrator.ConnectTimeout = Duration(10 * time.Second)
	}
	if cfg.Orchestrator.ConnectRetries == 0 {
		cfg.Orchestrator.ConnectRetries = 3
	}
	if cfg.Orchestrator.GracePeriod == 0 {
		cfg.Orchestrator.GracePeriod = Duration(10 * time.Minute)
	}
	if cfg.Orchestrator.StatusMaxAge == 0 {
		cfg.Orchestrator.StatusMaxAge = Duration(time.Minute)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Environments are validated here, at registration time, so an invalid
	// deploy path never reaches the orchestrator.
	for i := range cfg.Environments {
		if err := models.ValidateEnvironment(&cfg.Environments[i]); err != nil {
			return nil, fmt.Errorf("invalid environment %q: %w", cfg.Environments[i].ID, err)
		}
	}

	return &cfg, nil
}

func (c *Config) GetEnvironment(id string) *models.Environment {
	for i := range c.Environments {
		if c.Environments[i].ID == id {
			return &c.Environments[i]
		}
	}
	return nil
}

func (c *Config) ValidateAPIKey(key string) bool {
	for _, ak := range c.Server.APIKeys {
		if ak.Key == key {
			return true
		}
	}
	return false
}
