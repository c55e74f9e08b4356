// Package registry is the catalog of deploy targets. Entries are validated
// at registration time; the orchestrator never receives an environment whose
// deploy path could be used for command injection.
package registry

import (
	"fmt"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/remote"
)

// Target is a resolved environment with its platform shell capability
// attached once, so call sites never branch on platform again.
type Target struct {
	*models.Environment
	Shell remote.Shell
}

type Registry struct {
	targets map[string]*Target
	order   []string
}

// New validates every environment and rejects the whole set on the first
// invalid entry. Duplicate ids are a configuration error.
func New(envs []models.Environment) (*Registry, error) {
	r := &Registry{targets: make(map[string]*Target, len(envs))}

	for i := range envs {
		env := envs[i]
		if err := models.ValidateEnvironment(&env); err != nil {
			return nil, fmt.Errorf("environment %q: %w", env.ID, err)
		}
		if _, exists := r.targets[env.ID]; exists {
			return nil, fmt.Errorf("duplicate environment id %q", env.ID)
		}
		r.targets[env.ID] = &Target{
			Environment: &env,
			Shell:       remote.ShellFor(env.Platform),
		}
		r.order = append(r.order, env.ID)
	}

	return r, nil
}

// Resolve returns the target for an id.
func (r *Registry) Resolve(id string) (*Target, error) {
	t, ok := r.targets[id]
	if !ok {
		return nil, fmt.Errorf("environment %q: %w", id, models.ErrNotFound)
	}
	return t, nil
}

// All returns every registered target in registration order.
func (r *Registry) All() []*Target {
	out := make([]*Target, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.targets[id])
	}
	return out
}

// Validate re-runs registration-time validation for a single environment.
func (r *Registry) Validate(env *models.Environment) error {
	return models.ValidateEnvironment(env)
}
