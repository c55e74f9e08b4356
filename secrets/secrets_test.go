package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCredFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLookupPassword(t *testing.T) {
	path := writeCredFile(t, `
win-gpu:
  password: hunter2
`)

	cred, err := NewFileProvider(path).Lookup("win-gpu")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cred.Password)
	assert.Empty(t, cred.PrivateKey)
}

func TestLookupKeyFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("FAKE-KEY-MATERIAL"), 0600))

	path := writeCredFile(t, `
ubuntu-home:
  key_file: `+keyPath+`
  passphrase: topsecret
`)

	cred, err := NewFileProvider(path).Lookup("ubuntu-home")
	require.NoError(t, err)
	assert.Equal(t, []byte("FAKE-KEY-MATERIAL"), cred.PrivateKey)
	assert.Equal(t, "topsecret", cred.Passphrase)
}

func TestLookupMissingRef(t *testing.T) {
	path := writeCredFile(t, `
other:
  password: x
`)

	_, err := NewFileProvider(path).Lookup("ubuntu-home")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLookupEmptyEntry(t *testing.T) {
	path := writeCredFile(t, `
ubuntu-home: {}
`)

	_, err := NewFileProvider(path).Lookup("ubuntu-home")
	assert.Error(t, err)
}

func TestLookupExpandsEnv(t *testing.T) {
	t.Setenv("TEST_REMOTE_PASSWORD", "from-env")
	path := writeCredFile(t, `
vps:
  password: ${TEST_REMOTE_PASSWORD}
`)

	cred, err := NewFileProvider(path).Lookup("vps")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cred.Password)
}
