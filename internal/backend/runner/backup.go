package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pbs-plus/pbx-backup/internal/backend/archive"
	"github.com/pbs-plus/pbx-backup/internal/backend/hooks"
	"github.com/pbs-plus/pbx-backup/internal/backend/job"
	"github.com/pbs-plus/pbx-backup/internal/backend/registry"
	"github.com/pbs-plus/pbx-backup/internal/store/types"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

const archiveSuffix = ".tar.gz"

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// BackupOptions carries the job entry point flags of a backup run.
type BackupOptions struct {
	BackupID    string
	Transaction string
	WarmSpare   bool
}

// ArchiveDir is where archives of a definition named name are kept.
func ArchiveDir(backupDir, name string) string {
	dir := unsafeNameChars.ReplaceAllString(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"), "_")
	if dir == "" || dir == "." || dir == ".." {
		dir = "unnamed"
	}
	return filepath.Join(backupDir, dir)
}

// Backup runs a definition end to end and returns the written archive path.
func (r *Runner) Backup(ctx context.Context, opts BackupOptions) (archivePath string, err error) {
	tx := opts.Transaction
	if !job.ValidSubjectID(opts.BackupID) {
		return "", fmt.Errorf("%w: invalid id %q", ErrDefinitionLoad, opts.BackupID)
	}

	fl, err := r.lock("backup-" + opts.BackupID)
	if err != nil {
		return "", err
	}
	defer fl.Unlock()

	def, err := r.Definitions.GetBackup(ctx, opts.BackupID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDefinitionLoad, err)
	}

	if err := r.Definitions.SetBackupRunStatus(ctx, def.ID, tx, types.RunStatusRunning); err != nil {
		syslog.L.Warn().WithMessage("failed to record run start").WithField("error", err.Error()).WithJob(tx).Write()
	}
	defer func() {
		status := types.RunStatusSuccess
		if err != nil {
			status = types.RunStatusFailed
		}
		// The job context may be gone by now; the status still has to land.
		if statusErr := r.Definitions.SetBackupRunStatus(context.Background(), def.ID, tx, status); statusErr != nil {
			syslog.L.Warn().WithMessage("failed to record run status").WithField("error", statusErr.Error()).WithJob(tx).Write()
		}
	}()

	logStep(tx, fmt.Sprintf("starting backup %q", def.Name))

	if err := r.runHooks(ctx, hooks.PreBackup, tx, def.ID); err != nil {
		return "", err
	}

	archivePath, err = r.export(ctx, def, opts)
	if err != nil {
		return "", err
	}
	logStep(tx, "archive written to "+archivePath)

	if removed, err := r.prune(def, archivePath); err != nil {
		syslog.L.Warn().WithMessage("failed to prune old archives").WithField("error", err.Error()).WithJob(tx).Write()
	} else if len(removed) > 0 {
		logStep(tx, fmt.Sprintf("pruned %d old archive(s)", len(removed)))
	}

	if err := r.runHooks(ctx, hooks.PostBackup, tx, def.ID); err != nil {
		return archivePath, err
	}

	logStep(tx, "backup finished")
	return archivePath, nil
}

func (r *Runner) export(ctx context.Context, def types.BackupDefinition, opts BackupOptions) (string, error) {
	now := r.clock()
	path := filepath.Join(ArchiveDir(r.BackupDir, def.Name),
		fmt.Sprintf("%s-%s%s", now.Format("20060102-150405"), opts.Transaction, archiveSuffix))

	w, err := archive.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExport, err)
	}

	manifest := archive.Manifest{
		Date:        now.Unix(),
		Name:        def.Name,
		Description: def.Description,
		BackupID:    def.ID,
		Transaction: opts.Transaction,
		Framework:   r.Framework,
		Modules:     []archive.ModuleEntry{},
	}
	if opts.WarmSpare {
		manifest.Meta = map[string]any{"warmspare": true}
	}

	for _, module := range def.Items {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return "", err
		}

		handler, err := r.Registry.Get(module)
		if err != nil {
			w.Abort()
			return "", fmt.Errorf("%w: %v", ErrExport, err)
		}
		exporter, ok := handler.(registry.Exporter)
		if !ok {
			syslog.L.Warn().WithMessage("module has nothing to export, skipping").WithField("module", module).WithJob(opts.Transaction).Write()
			continue
		}

		logStep(opts.Transaction, "exporting "+module)
		if err := exporter.Export(ctx, def.ID, w); err != nil {
			w.Abort()
			return "", fmt.Errorf("%w: %s: %v", ErrExport, module, err)
		}
		manifest.Modules = append(manifest.Modules, archive.ModuleEntry{
			Module:  module,
			Version: r.Registry.Version(module),
		})
	}

	if err := w.Close(manifest); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExport, err)
	}
	return path, nil
}

// prune applies the retention of def to its archive directory. keep is never
// removed.
func (r *Runner) prune(def types.BackupDefinition, keep string) ([]string, error) {
	if def.MaintRuns <= 0 && def.MaintAge <= 0 {
		return nil, nil
	}

	dir := filepath.Dir(keep)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var archives []candidate
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), archiveSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		archives = append(archives, candidate{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	// Names start with the run timestamp, so they order like run times.
	sort.Slice(archives, func(i, j int) bool {
		return filepath.Base(archives[i].path) > filepath.Base(archives[j].path)
	})

	cutoff := r.clock().Add(-time.Duration(def.MaintAge) * 24 * time.Hour)

	var removed []string
	var errs []error
	for i, a := range archives {
		if a.path == keep {
			continue
		}
		tooMany := def.MaintRuns > 0 && i >= def.MaintRuns
		tooOld := def.MaintAge > 0 && a.modTime.Before(cutoff)
		if !tooMany && !tooOld {
			continue
		}
		if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, a.path)
	}
	return removed, errors.Join(errs...)
}
