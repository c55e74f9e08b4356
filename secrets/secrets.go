// Package secrets resolves opaque credential references to secret material.
// The store itself is an external concern; this boundary reads material on
// demand and never caches it beyond a single channel session.
package secrets

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credential is the material for one remote session. Either PrivateKey or
// Password is set.
type Credential struct {
	PrivateKey []byte
	Passphrase string
	Password   string
}

// Provider resolves a credential reference for a single session.
type Provider interface {
	Lookup(ref string) (*Credential, error)
}

type fileEntry struct {
	KeyFile    string `yaml:"key_file"`
	Passphrase string `yaml:"passphrase"`
	Password   string `yaml:"password"`
}

// FileProvider reads credentials from a YAML file mapping reference name to
// key file or password. The file is re-read on every lookup so rotated
// credentials take effect without a restart.
type FileProvider struct {
	path string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Lookup(ref string) (*Credential, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	entries := map[string]fileEntry{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	entry, ok := entries[ref]
	if !ok {
		return nil, fmt.Errorf("credential %q not found", ref)
	}

	cred := &Credential{
		Passphrase: entry.Passphrase,
		Password:   entry.Password,
	}
	if entry.KeyFile != "" {
		key, err := os.ReadFile(entry.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file for %q: %w", ref, err)
		}
		cred.PrivateKey = key
	}

	if len(cred.PrivateKey) == 0 && cred.Password == "" {
		return nil, fmt.Errorf("credential %q has neither key_file nor password", ref)
	}

	return cred, nil
}
