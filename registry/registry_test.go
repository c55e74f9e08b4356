package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
)

func validEnv(id string) models.Environment {
	return models.Environment{
		ID:            id,
		DisplayName:   "Test " + id,
		Platform:      models.PlatformPosix,
		Host:          "10.0.0.5",
		Port:          22,
		User:          "deploy",
		CredentialRef: id + "-key",
		DeployPath:    "/opt/deploy/" + id,
		ServiceNames:  []string{"web"},
	}
}

func TestNewAndResolve(t *testing.T) {
	r, err := New([]models.Environment{validEnv("vps"), validEnv("ubuntu-home")})
	require.NoError(t, err)

	target, err := r.Resolve("vps")
	require.NoError(t, err)
	assert.Equal(t, "vps", target.ID)
	assert.Equal(t, models.PlatformPosix, target.Shell.Platform())

	_, err = r.Resolve("nope")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestNewAttachesWindowsShell(t *testing.T) {
	env := validEnv("win-gpu")
	env.Platform = models.PlatformWindowsRemoteShell
	env.DeployPath = "C:/deploy/app"

	r, err := New([]models.Environment{env})
	require.NoError(t, err)

	target, err := r.Resolve("win-gpu")
	require.NoError(t, err)
	assert.Equal(t, models.PlatformWindowsRemoteShell, target.Shell.Platform())
}

func TestNewRejectsInjectablePath(t *testing.T) {
	env := validEnv("vps")
	env.DeployPath = "/opt/deploy; rm -rf /"

	_, err := New([]models.Environment{env})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DeployPath")
}

func TestNewRejectsInjectableBuildCommand(t *testing.T) {
	env := validEnv("vps")
	env.BuildCommand = "./deploy.sh && rm -rf /"

	_, err := New([]models.Environment{env})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BuildCommand")
}

func TestNewRejectsTraversal(t *testing.T) {
	env := validEnv("vps")
	env.DeployPath = "/opt/../etc"

	_, err := New([]models.Environment{env})
	assert.Error(t, err)
}

func TestNewRejectsBadPlatform(t *testing.T) {
	env := validEnv("vps")
	env.Platform = "mainframe"

	_, err := New([]models.Environment{env})
	assert.Error(t, err)
}

func TestNewRejectsBadHost(t *testing.T) {
	env := validEnv("vps")
	env.Host = "host name with spaces"

	_, err := New([]models.Environment{env})
	assert.Error(t, err)
}

func TestNewRejectsDuplicateID(t *testing.T) {
	_, err := New([]models.Environment{validEnv("vps"), validEnv("vps")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestAllPreservesOrder(t *testing.T) {
	r, err := New([]models.Environment{validEnv("vps"), validEnv("ubuntu-home"), validEnv("edge")})
	require.NoError(t, err)

	var ids []string
	for _, target := range r.All() {
		ids = append(ids, target.ID)
	}
	assert.Equal(t, []string{"vps", "ubuntu-home", "edge"}, ids)
}
