package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pbs-plus/pbx-backup/internal/backend/archive"
	"github.com/pbs-plus/pbx-backup/internal/backend/hooks"
	"github.com/pbs-plus/pbx-backup/internal/backend/registry"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

// RestoreOptions carries the job entry point flags of a restore run.
type RestoreOptions struct {
	ArchivePath string
	Transaction string
}

// Restore imports every module of a current-format archive that has a
// handler registered here.
func (r *Runner) Restore(ctx context.Context, opts RestoreOptions) error {
	tx := opts.Transaction

	fl, err := r.lock("restore")
	if err != nil {
		return err
	}
	defer fl.Unlock()

	logStep(tx, "starting restore of "+opts.ArchivePath)

	if err := r.runHooks(ctx, hooks.PreRestore, tx, opts.ArchivePath); err != nil {
		return err
	}

	kind, err := archive.Classify(opts.ArchivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImport, err)
	}

	var manifest *archive.Manifest
	if kind == archive.KindCurrent {
		manifest, err = archive.ExtractManifest(opts.ArchivePath)
		if err != nil {
			syslog.L.Warn().WithMessage("manifest unreadable, treating archive as legacy").WithField("error", err.Error()).WithJob(tx).Write()
			kind = archive.KindLegacy
		}
	}
	if kind == archive.KindLegacy {
		syslog.L.Error(ErrLegacyUnsupported).WithMessage("restore aborted").WithJob(tx).Write()
		return ErrLegacyUnsupported
	}

	if err := r.importModules(ctx, opts, manifest); err != nil {
		return err
	}

	if err := r.runHooks(ctx, hooks.PostRestore, tx, opts.ArchivePath); err != nil {
		return err
	}

	logStep(tx, "restore finished")
	return nil
}

func (r *Runner) importModules(ctx context.Context, opts RestoreOptions, manifest *archive.Manifest) error {
	tx := opts.Transaction

	workDir, err := os.MkdirTemp("", "pbx-restore-")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImport, err)
	}
	defer os.RemoveAll(workDir)

	if err := archive.ExtractModules(opts.ArchivePath, workDir); err != nil {
		return fmt.Errorf("%w: %v", ErrImport, err)
	}

	for _, entry := range manifest.Modules {
		if err := ctx.Err(); err != nil {
			return err
		}

		handler, err := r.Registry.Get(entry.Module)
		if err != nil {
			syslog.L.Warn().WithMessage("module not available here, skipping").WithField("module", entry.Module).WithJob(tx).Write()
			continue
		}
		importer, ok := handler.(registry.Importer)
		if !ok {
			syslog.L.Warn().WithMessage("module cannot be restored, skipping").WithField("module", entry.Module).WithJob(tx).Write()
			continue
		}

		dir := filepath.Join(workDir, entry.Module)
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			logStep(tx, "no payload for "+entry.Module)
			continue
		}

		logStep(tx, "restoring "+entry.Module)
		if err := importer.Import(ctx, dir); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrImport, entry.Module, err)
		}
	}
	return nil
}
