//go:build unix

package main

import (
	"context"
	"io"
	"path/filepath"

	"github.com/pbs-plus/pbx-backup/internal/backend/hooks"
	"github.com/pbs-plus/pbx-backup/internal/backend/registry"
	"github.com/pbs-plus/pbx-backup/internal/backend/schedule"
	"github.com/pbs-plus/pbx-backup/internal/config"
	"github.com/pbs-plus/pbx-backup/internal/store"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

// loadConfig reads the configuration and points the global logger at out.
// A nil out keeps the default destination.
func loadConfig(out io.Writer) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	syslog.L.Configure(syslog.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: out,
	})
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	return store.Initialize(ctx, map[string]string{
		"sqlite": cfg.Paths.DbPath,
		"locker": cfg.Paths.LockSocket,
	})
}

func newRegistry(cfg *config.Config, settings registry.SettingsStore) *registry.Registry {
	reg := registry.New()
	reg.Register(registry.FilesModule, registry.NewFilesHandler(cfg.Modules.Files.Paths, settings))
	return reg
}

func newHookCollector(cfg *config.Config) *hooks.Collector {
	return hooks.NewCollector(cfg.Hooks.Dir, map[hooks.Phase][]string{
		hooks.PreBackup:   cfg.Hooks.PreBackup,
		hooks.PostBackup:  cfg.Hooks.PostBackup,
		hooks.PreRestore:  cfg.Hooks.PreRestore,
		hooks.PostRestore: cfg.Hooks.PostRestore,
	})
}

func keyDir(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.HomeDir, ".ssh")
}

func syncSchedules(ctx context.Context, cfg *config.Config, s *store.Store) error {
	defs, err := s.Database.GetAllBackups(ctx)
	if err != nil {
		return err
	}
	return schedule.NewSynchronizer(s.Cron, cfg.Job.Binary).WithConfig(cfg.Source).Sync(ctx, defs)
}
