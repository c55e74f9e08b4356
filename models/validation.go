package models

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

func (ve ValidationError) Error() string {
	if ve.Value != "" {
		return fmt.Sprintf("%s: %s (value: %q)", ve.Field, ve.Message, ve.Value)
	}
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (ves ValidationErrors) Error() string {
	if len(ves) == 0 {
		return ""
	}
	if len(ves) == 1 {
		return ves[0].Error()
	}

	var messages []string
	for _, ve := range ves {
		messages = append(messages, ve.Error())
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

var (
	envSlugRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	hostRE    = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)

	// deployPathRE is the allow-list grammar for remote paths: alphanumerics
	// plus -_./: only. Shell metacharacters and whitespace never match.
	deployPathRE = regexp.MustCompile(`^[a-zA-Z0-9._/:-]+$`)
)

// Substrings that may never appear in a command destined for a remote
// shell. Escaping is never attempted: a command that needs any of these was
// built wrong.
var forbiddenCommandTokens = []struct {
	Token  string
	Reason string
}{
	{";", "command separator ';'"},
	{"&&", "command chaining '&&'"},
	{"||", "command chaining '||'"},
	{"|", "pipe '|'"},
	{"`", "backtick substitution"},
	{"$(", "command substitution '$('"},
	{"\n", "newline"},
	{"\r", "carriage return"},
	{"\x00", "NUL byte"},
}

// ForbiddenCommandToken returns the reason for the first forbidden shell
// token found in s, or "" if s contains none.
func ForbiddenCommandToken(s string) string {
	for _, f := range forbiddenCommandTokens {
		if strings.Contains(s, f.Token) {
			return f.Reason
		}
	}
	return ""
}

// NewValidator creates a new validator with the custom rules used for
// environment registration.
func NewValidator() *validator.Validate {
	v := validator.New()

	v.RegisterValidation("env_slug", validateEnvSlug)
	v.RegisterValidation("platform", validatePlatform)
	v.RegisterValidation("host_addr", validateHostAddr)
	v.RegisterValidation("deploy_path", validateDeployPath)
	v.RegisterValidation("safe_command", validateSafeCommand)

	return v
}

// ValidateEnvironment validates an environment entry at registration time.
// An environment whose deploy path could be abused for command injection is
// rejected outright.
func ValidateEnvironment(env *Environment) error {
	v := NewValidator()
	if err := v.Struct(env); err != nil {
		return convertValidatorErrors(err)
	}
	return nil
}

func validateEnvSlug(fl validator.FieldLevel) bool {
	return envSlugRE.MatchString(fl.Field().String())
}

func validatePlatform(fl validator.FieldLevel) bool {
	switch Platform(fl.Field().String()) {
	case PlatformPosix, PlatformWindowsRemoteShell:
		return true
	}
	return false
}

func validateHostAddr(fl validator.FieldLevel) bool {
	host := fl.Field().String()
	if net.ParseIP(host) != nil {
		return true
	}
	return hostRE.MatchString(host) && !strings.Contains(host, "..")
}

// ValidDeployPath reports whether a path matches the allow-list grammar and
// contains no parent-directory traversal.
func ValidDeployPath(path string) bool {
	return deployPathRE.MatchString(path) && !strings.Contains(path, "..")
}

func validateDeployPath(fl validator.FieldLevel) bool {
	return ValidDeployPath(fl.Field().String())
}

func validateSafeCommand(fl validator.FieldLevel) bool {
	return ForbiddenCommandToken(fl.Field().String()) == ""
}

// convertValidatorErrors converts go-playground validator errors to our custom format
func convertValidatorErrors(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errors ValidationErrors

		for _, ve := range validationErrors {
			errors = append(errors, ValidationError{
				Field:   ve.Field(),
				Message: getValidationMessage(ve),
				Value:   fmt.Sprintf("%v", ve.Value()),
			})
		}

		return errors
	}

	return err
}

// getValidationMessage returns a human-readable message for validation errors
func getValidationMessage(ve validator.FieldError) string {
	switch ve.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", ve.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", ve.Param())
	case "env_slug":
		return "must be a lowercase alphanumeric slug (hyphens allowed)"
	case "platform":
		return "must be one of: posix, windows-remote-shell"
	case "host_addr":
		return "must be a valid hostname or IP address"
	case "deploy_path":
		return "must contain only alphanumerics and -_./: with no '..' segments"
	case "safe_command":
		return "must not contain shell metacharacters"
	default:
		return ve.Error()
	}
}
