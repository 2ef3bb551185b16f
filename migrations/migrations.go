// Package migrations applies ordered upgrades and downgrades to the
// on-disk repository, one version step at a time.
package migrations

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/facebookgo/atomicfile"
	"github.com/hashicorp/go-multierror"
	golog "github.com/ipfs/go-log"
)

var log = golog.Logger("migrations")

var (
	ErrUnknownTarget = errors.New("migrations: no migration path to target version")
	ErrBadVersion    = errors.New("migrations: unreadable repository version")
)

// Migration moves a repository between version N-1 and N. Each one
// must be idempotent, and best-effort on corrupt entries: skip and log
// rather than abort.
type Migration interface {
	Version() int
	CanUpgrade() bool
	CanDowngrade() bool
	Upgrade(repoRoot string) error
	Downgrade(repoRoot string) error
}

// Runner owns the ordered migration list for a repository root.
type Runner struct {
	root       string
	migrations []Migration
}

func NewRunner(root string, migrations []Migration) *Runner {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version() < sorted[j].Version() })
	return &Runner{root: root, migrations: sorted}
}

func (r *Runner) versionFile() string {
	return filepath.Join(r.root, "version")
}

// CurrentVersion reads the single-line version file; a missing file is
// version 1.
func (r *Runner) CurrentVersion() (int, error) {
	raw, err := os.ReadFile(r.versionFile())
	if os.IsNotExist(err) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadVersion, strings.TrimSpace(string(raw)))
	}
	return v, nil
}

func (r *Runner) writeVersion(v int) error {
	f, err := atomicfile.New(r.versionFile(), 0644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", v); err != nil {
		f.Abort()
		return err
	}
	return f.Close()
}

func (r *Runner) byVersion(v int) Migration {
	for _, m := range r.migrations {
		if m.Version() == v {
			return m
		}
	}
	return nil
}

// MigrateTo walks the repository from its current version to target,
// one step at a time, persisting the version after every successful
// step. An unreachable target is rejected before anything runs.
func (r *Runner) MigrateTo(target int) error {
	current, err := r.CurrentVersion()
	if err != nil {
		return err
	}
	if target == current {
		return nil
	}

	// Check the whole path first so a half-known target fails cleanly.
	step := 1
	if target < current {
		step = -1
	}
	for v := current; v != target; v += step {
		var m Migration
		if step > 0 {
			m = r.byVersion(v + 1)
		} else {
			m = r.byVersion(v)
		}
		if m == nil || (step > 0 && !m.CanUpgrade()) || (step < 0 && !m.CanDowngrade()) {
			return fmt.Errorf("%w: %d (stuck at %d)", ErrUnknownTarget, target, v)
		}
	}

	for current != target {
		if step > 0 {
			m := r.byVersion(current + 1)
			log.Infof("upgrading repository %d -> %d", current, current+1)
			if err := m.Upgrade(r.root); err != nil {
				return fmt.Errorf("migrations: upgrade to %d: %w", current+1, err)
			}
			current++
		} else {
			m := r.byVersion(current)
			log.Infof("downgrading repository %d -> %d", current, current-1)
			if err := m.Downgrade(r.root); err != nil {
				return fmt.Errorf("migrations: downgrade to %d: %w", current-1, err)
			}
			current--
		}
		if err := r.writeVersion(current); err != nil {
			return err
		}
	}
	return nil
}

// All returns the migrations shipped with this node, oldest first.
func All() []Migration {
	return []Migration{
		&flatToMultihashKeys{},
		&pinListToRecords{},
	}
}

// sweepFiles applies fn to every regular file in dir, collecting
// failures instead of stopping; corrupt entries are the norm during a
// migration, not the exception.
func sweepFiles(dir string, fn func(path string) error) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if err := fn(filepath.Join(dir, ent.Name())); err != nil {
			log.Warnf("skipping %s: %v", ent.Name(), err)
			errs = multierror.Append(errs, err)
		}
	}
	// Collected errors are reported for logging but do not fail the
	// migration; each entry was handled best-effort.
	if errs.ErrorOrNil() != nil {
		log.Warnf("migration sweep of %s finished with %d skipped entries", dir, errs.Len())
	}
	return nil
}
