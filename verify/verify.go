// Package verify runs health probes against an environment and aggregates
// pass/fail. Probes are read-only: they never mutate remote state.
package verify

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/remote"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/shellsafe"
)

const defaultProbeTimeout = 5 * time.Second

type Engine struct {
	channel    remote.Channel
	httpClient *http.Client
}

func NewEngine(channel remote.Channel) *Engine {
	return &Engine{
		channel:    channel,
		httpClient: &http.Client{},
	}
}

// Verify runs the probe set against an environment. If probes is empty the
// environment's declared services become the default set, one presence probe
// per service. The returned record always satisfies Passed+Failed == Total.
func (e *Engine) Verify(ctx context.Context, env *models.Environment, probes []models.ProbeSpec) *models.VerificationRecord {
	if len(probes) == 0 {
		probes = defaultProbes(env)
	}

	record := &models.VerificationRecord{
		ID:          uuid.New().String(),
		Environment: env.ID,
		Healthy:     true,
		CreatedAt:   time.Now(),
	}

	for _, spec := range probes {
		result := e.runProbe(ctx, env, spec)
		record.ProbeResults = append(record.ProbeResults, result)
		record.Total++
		if result.Success {
			record.Passed++
			continue
		}
		record.Failed++
		if result.Optional {
			record.Warnings = append(record.Warnings,
				fmt.Sprintf("optional probe %q failed: %s", result.Name, result.Error))
		} else {
			record.Healthy = false
		}
	}

	return record
}

func defaultProbes(env *models.Environment) []models.ProbeSpec {
	probes := make([]models.ProbeSpec, 0, len(env.ServiceNames))
	for _, name := range env.ServiceNames {
		probes = append(probes, models.ProbeSpec{
			Name:   name,
			Kind:   models.ProbeProcess,
			Target: name,
		})
	}
	return probes
}

func (e *Engine) runProbe(ctx context.Context, env *models.Environment, spec models.ProbeSpec) models.ProbeResult {
	timeout := defaultProbeTimeout
	if spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}

	result := models.ProbeResult{
		Name:     spec.Name,
		Kind:     spec.Kind,
		Optional: spec.Optional,
	}

	start := time.Now()
	var err error
	switch spec.Kind {
	case models.ProbeHTTP:
		err = e.probeHTTP(ctx, spec.URL, timeout)
	case models.ProbeTCP:
		err = probeTCP(env.Host, spec.Port, timeout)
	case models.ProbeProcess, models.ProbeContainer:
		err = e.probePresence(ctx, env, spec, timeout)
	default:
		err = fmt.Errorf("unknown probe kind %q", spec.Kind)
	}
	result.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (e *Engine) probeHTTP(ctx context.Context, url string, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid probe url: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func probeTCP(host string, port int, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	return conn.Close()
}

// probePresence checks that a named process or container is reported running
// on the remote host, using a read-only listing command.
func (e *Engine) probePresence(ctx context.Context, env *models.Environment, spec models.ProbeSpec, timeout time.Duration) error {
	target, err := shellsafe.SanitizeArg(spec.Target)
	if err != nil {
		return err
	}

	cmd, match := presenceCommand(env.Platform, spec.Kind, target)
	result, err := e.channel.Execute(ctx, env, cmd, timeout)
	if err != nil {
		return err
	}

	if match {
		if !strings.Contains(result.Stdout, target) {
			return fmt.Errorf("%q not found in listing", target)
		}
		return nil
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("%q not running (exit %d)", target, result.ExitCode)
	}
	return nil
}

// presenceCommand returns the platform listing command and whether success is
// judged by matching stdout rather than by exit code.
func presenceCommand(platform models.Platform, kind models.ProbeKind, target string) (remote.Command, bool) {
	if platform == models.PlatformWindowsRemoteShell {
		// tasklist exits 0 even with no match, so match on output.
		return remote.Command{Argv: []string{"tasklist"}}, true
	}
	if kind == models.ProbeContainer {
		return remote.Command{Argv: []string{"docker", "ps", "--format", "{{.Names}}"}}, true
	}
	return remote.Command{Argv: []string{"pgrep", "-f", target}}, false
}
