package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pbs-plus/pbx-backup/internal/backend/hooks"
	"github.com/pbs-plus/pbx-backup/internal/backend/registry"
	"github.com/pbs-plus/pbx-backup/internal/store/types"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

var (
	ErrOneInstance       = errors.New("a job is still running for this subject; only one instance allowed")
	ErrJobLock           = errors.New("failed to acquire job lock")
	ErrDefinitionLoad    = errors.New("failed to load backup definition")
	ErrExport            = errors.New("failed to export modules")
	ErrImport            = errors.New("failed to import modules")
	ErrLegacyUnsupported = errors.New("legacy archives cannot be restored")
)

// Definitions is the slice of the store a job process needs.
type Definitions interface {
	GetBackup(ctx context.Context, id string) (types.BackupDefinition, error)
	SetBackupRunStatus(ctx context.Context, id, transaction, status string) error
}

// Runner executes a single backup or restore inside a job process. Progress
// is logged under the transaction id, which the caller binds to stdout.
type Runner struct {
	Definitions Definitions
	Registry    *registry.Registry
	Hooks       hooks.Source
	BackupDir   string
	LockDir     string
	Framework   string

	now func() time.Time
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// lock takes the per-subject file lock. Launches from the server are already
// serialized in-process; this also covers cron invocations.
func (r *Runner) lock(name string) (*flock.Flock, error) {
	if err := os.MkdirAll(r.LockDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJobLock, err)
	}

	fl := flock.New(filepath.Join(r.LockDir, name+".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJobLock, err)
	}
	if !locked {
		return nil, ErrOneInstance
	}
	return fl, nil
}

func (r *Runner) runHooks(ctx context.Context, phase hooks.Phase, tx, subject string) error {
	if r.Hooks == nil {
		return nil
	}
	return hooks.CollectAndRun(ctx, r.Hooks, hooks.Env{
		Phase:       phase,
		Transaction: tx,
		Subject:     subject,
	})
}

func logStep(tx, msg string) {
	syslog.L.Info().WithMessage(msg).WithJob(tx).Write()
}
