package remote

import (
	"strings"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/shellsafe"
)

// Shell is the per-platform command framing capability. It is selected once
// when an environment is resolved, not re-branched at every call site.
type Shell interface {
	Platform() models.Platform
	Quote(arg string) string
	// Script frames an argv list (optionally run inside dir) as a single
	// platform shell invocation. Every element must pass the command
	// validator; framing is refused otherwise.
	Script(dir string, argv ...string) (string, error)
}

// ShellFor returns the framing capability for a platform.
func ShellFor(p models.Platform) Shell {
	if p == models.PlatformWindowsRemoteShell {
		return windowsShell{}
	}
	return posixShell{}
}

type posixShell struct{}

func (posixShell) Platform() models.Platform { return models.PlatformPosix }

func (posixShell) Quote(arg string) string { return shellsafe.QuoteArg(arg) }

func (s posixShell) Script(dir string, argv ...string) (string, error) {
	joined, err := sanitizeArgv(argv)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(joined))
	for _, a := range joined {
		parts = append(parts, s.Quote(a))
	}
	script := strings.Join(parts, " ")

	if dir != "" {
		if err := shellsafe.ValidPath(dir); err != nil {
			return "", err
		}
		script = "cd " + s.Quote(dir) + " && " + script
	}
	return script, nil
}

type windowsShell struct{}

func (windowsShell) Platform() models.Platform { return models.PlatformWindowsRemoteShell }

// Quote wraps a value in double quotes with embedded quotes doubled, the
// framing cmd.exe understands.
func (windowsShell) Quote(arg string) string {
	return `"` + strings.ReplaceAll(arg, `"`, `""`) + `"`
}

func (s windowsShell) Script(dir string, argv ...string) (string, error) {
	joined, err := sanitizeArgv(argv)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(joined))
	for _, a := range joined {
		if strings.ContainsAny(a, " \t\"") {
			parts = append(parts, s.Quote(a))
		} else {
			parts = append(parts, a)
		}
	}
	script := strings.Join(parts, " ")

	if dir != "" {
		if err := shellsafe.ValidPath(dir); err != nil {
			return "", err
		}
		script = "cd /d " + s.Quote(dir) + " && " + script
	}
	return script, nil
}

func sanitizeArgv(argv []string) ([]string, error) {
	if len(argv) == 0 {
		return nil, &models.CommandValidationError{Reason: "empty argv"}
	}
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		clean, err := shellsafe.SanitizeCommand(a)
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return out, nil
}
