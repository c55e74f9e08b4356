// Package remote runs single commands against remote hosts over
// authenticated sessions. Connection establishment is retried with bounded
// backoff; command execution never is, and every call is bounded by a hard
// wall-clock timeout.
package remote

import (
	"context"
	"strings"
	"time"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
)

// Command is an explicit argument list plus an optional working directory.
// Commands are never concatenated into a shell string by callers; framing
// happens inside the channel after validation.
type Command struct {
	Dir  string
	Argv []string
}

func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Result is the final outcome of one remote command. A non-zero exit code is
// a valid result, not an error.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
}

// Channel opens an authenticated session to one host and runs one command.
type Channel interface {
	Execute(ctx context.Context, env *models.Environment, cmd Command, timeout time.Duration) (*Result, error)
}

// LogSink receives one structured line per channel call, typically the
// in-flight deployment record.
type LogSink interface {
	AppendLog(line string)
}

type sinkKey struct{}

// WithLogSink attaches a log sink to the context for the duration of a
// deployment step.
func WithLogSink(ctx context.Context, sink LogSink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

func logTo(ctx context.Context, line string) {
	if sink, ok := ctx.Value(sinkKey{}).(LogSink); ok && sink != nil {
		sink.AppendLog(line)
	}
}

// runBounded executes fn under a hard wall-clock timeout. On timeout or
// cancellation teardown is invoked to force the session closed so the
// blocked call unwinds; the call itself never hangs.
func runBounded(ctx context.Context, op string, timeout time.Duration, fn func() error, teardown func()) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		teardown()
		<-done
		return &models.TimeoutError{Op: op, Timeout: timeout}
	case <-ctx.Done():
		teardown()
		<-done
		return ctx.Err()
	}
}
