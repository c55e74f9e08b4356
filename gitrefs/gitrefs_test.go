package gitrefs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a local repository with one commit on master and returns
// its path and the commit hash.
func initRepo(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0644))

	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add("README.md")
	require.NoError(t, err)

	hash, err := w.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)

	return dir, hash.String()
}

func TestResolveBranch(t *testing.T) {
	dir, hash := initRepo(t)

	resolver := NewResolver(dir, "", "")
	got, err := resolver.ResolveBranch("master")
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestResolveBranchNotFound(t *testing.T) {
	dir, _ := initRepo(t)

	resolver := NewResolver(dir, "", "")
	_, err := resolver.ResolveBranch("does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestResolveBranchBadRepo(t *testing.T) {
	resolver := NewResolver(filepath.Join(t.TempDir(), "missing"), "", "")
	_, err := resolver.ResolveBranch("main")
	assert.Error(t, err)
}

func TestEnabled(t *testing.T) {
	assert.False(t, NewResolver("", "", "").Enabled())
	assert.True(t, NewResolver("https://example.com/repo.git", "u", "t").Enabled())

	var nilResolver *Resolver
	assert.False(t, nilResolver.Enabled())
}
