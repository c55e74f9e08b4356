// Package gitrefs resolves branch names to commit hashes against the source
// repository, so deployment records carry the expected commit even before the
// remote host reports what it checked out.
package gitrefs

import (
	"fmt"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Resolver lists refs on the source repository without a local checkout.
type Resolver struct {
	repoURL  string
	username string
	token    string
}

func NewResolver(repoURL, username, token string) *Resolver {
	return &Resolver{repoURL: repoURL, username: username, token: token}
}

// Enabled reports whether a source repository is configured at all.
func (r *Resolver) Enabled() bool {
	return r != nil && r.repoURL != ""
}

func (r *Resolver) auth() transport.AuthMethod {
	if r.username == "" && r.token == "" {
		return nil
	}
	return &http.BasicAuth{Username: r.username, Password: r.token}
}

// ResolveBranch returns the commit hash the branch currently points at.
func (r *Resolver) ResolveBranch(branch string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{r.repoURL},
	})

	refs, err := remote.List(&git.ListOptions{Auth: r.auth()})
	if err != nil {
		return "", fmt.Errorf("failed to list refs for %s: %w", r.repoURL, err)
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}

	return "", fmt.Errorf("branch %q not found in %s", branch, r.repoURL)
}
