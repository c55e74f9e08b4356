// Package shellsafe validates and quotes strings destined for a remote
// shell. It is stateless and side-effect free; every component that builds a
// command string goes through it before the string reaches a channel.
package shellsafe

import (
	"strings"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
)

// SanitizeCommand returns the trimmed command if it is safe to hand to a
// remote shell, or a CommandValidationError naming the offending token.
// The forbidden-token grammar lives in models alongside the deploy path
// grammar, so registration-time validation rejects the same inputs.
func SanitizeCommand(raw string) (string, error) {
	cmd := strings.TrimSpace(raw)
	if cmd == "" {
		return "", &models.CommandValidationError{Input: raw, Reason: "empty command"}
	}
	if reason := models.ForbiddenCommandToken(cmd); reason != "" {
		return "", &models.CommandValidationError{Input: raw, Reason: "contains " + reason}
	}
	return cmd, nil
}

// SanitizeArg validates a single interpolated value (path, service name,
// branch). Stricter than SanitizeCommand: no whitespace either.
func SanitizeArg(raw string) (string, error) {
	arg, err := SanitizeCommand(raw)
	if err != nil {
		return "", err
	}
	if strings.ContainsAny(arg, " \t") {
		return "", &models.CommandValidationError{Input: raw, Reason: "contains whitespace"}
	}
	return arg, nil
}

// QuoteArg produces a POSIX single-quoted literal. Embedded single quotes
// are escaped as '"'"' so the shell reproduces the value exactly.
func QuoteArg(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

// ValidPath reports whether a remote path matches the registry allow-list
// grammar. Same rule as environment registration, exposed for use-time
// checks on paths assembled after registration.
func ValidPath(path string) error {
	if !models.ValidDeployPath(path) {
		return &models.CommandValidationError{Input: path, Reason: "path outside allow-list grammar"}
	}
	return nil
}
