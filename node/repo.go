package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftfs/driftfs/migrations"
)

// RepoVersion is the repository layout this build reads and writes.
const RepoVersion = 3

var (
	ErrRepoExists      = errors.New("node: repository already initialized")
	ErrNoRepo          = errors.New("node: no repository at path (run init)")
	ErrVersionMismatch = errors.New("node: repository version mismatch (run migrate)")
)

// Repo is the on-disk repository: config, version file, block files
// and pin records under one root.
type Repo struct {
	root string
	cfg  *Config
}

func (r *Repo) Root() string       { return r.root }
func (r *Repo) Config() *Config    { return r.cfg }
func (r *Repo) BlocksPath() string { return filepath.Join(r.root, "blocks") }
func (r *Repo) PinsPath() string   { return filepath.Join(r.root, "pins") }
func (r *Repo) KeystorePath() string {
	return filepath.Join(r.root, "keystore")
}
func (r *Repo) ConfigPath() string { return filepath.Join(r.root, "config") }

// Init creates a fresh repository with a new identity.
func Init(root string) (*Repo, error) {
	cfgPath := filepath.Join(root, "config")
	if _, err := os.Stat(cfgPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRepoExists, root)
	}
	for _, dir := range []string{root, filepath.Join(root, "blocks"), filepath.Join(root, "pins"), filepath.Join(root, "keystore")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	cfg, err := NewConfig()
	if err != nil {
		return nil, err
	}
	if err := SaveConfig(cfgPath, cfg); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(root, "version"), []byte(fmt.Sprintf("%d\n", RepoVersion)), 0644); err != nil {
		return nil, err
	}
	return &Repo{root: root, cfg: cfg}, nil
}

// Open loads an existing repository, refusing versions this build does
// not speak.
func Open(root string) (*Repo, error) {
	cfgPath := filepath.Join(root, "config")
	if _, err := os.Stat(cfgPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRepo, root)
	}
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	runner := migrations.NewRunner(root, migrations.All())
	version, err := runner.CurrentVersion()
	if err != nil {
		return nil, err
	}
	if version != RepoVersion {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrVersionMismatch, version, RepoVersion)
	}
	return &Repo{root: root, cfg: cfg}, nil
}

// Migrate moves the repository to this build's version.
func Migrate(root string) error {
	runner := migrations.NewRunner(root, migrations.All())
	return runner.MigrateTo(RepoVersion)
}
