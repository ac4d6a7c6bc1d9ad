//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pbs-plus/pbx-backup/internal/backend/hooks"
	"github.com/pbs-plus/pbx-backup/internal/backend/job"
	"github.com/pbs-plus/pbx-backup/internal/backend/restore"
	"github.com/pbs-plus/pbx-backup/internal/backend/schedule"
	"github.com/pbs-plus/pbx-backup/internal/backend/status"
	"github.com/pbs-plus/pbx-backup/internal/backend/upload"
	"github.com/pbs-plus/pbx-backup/internal/config"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers"
	locker "github.com/pbs-plus/pbx-backup/internal/proxy/locker"
	"github.com/pbs-plus/pbx-backup/internal/proxy/middlewares"
	"github.com/pbs-plus/pbx-backup/internal/proxy/server"
	"github.com/pbs-plus/pbx-backup/internal/store/sqlite"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with its lock server and hook watcher",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	server.Version = Version

	sup := suture.New("pbx-backup", suture.Spec{
		EventHook: func(ev suture.Event) {
			syslog.L.Warn().
				WithMessage("supervisor event").
				WithField("event", ev.String()).
				Write()
		},
		Timeout: cfg.Server.ShutdownTimeout,
	})
	supErr := sup.ServeBackground(ctx)

	// The database write lock is served over RPC so that the jobs spawned by
	// this process share it; it must accept connections before the store opens.
	sup.Add(&locker.Server{SocketPath: cfg.Paths.LockSocket})
	if err := waitForSocket(ctx, cfg.Paths.LockSocket, 5*time.Second); err != nil {
		return err
	}

	storeInstance, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer storeInstance.Close()

	backend, watcher, err := newBackend(cfg, storeInstance.Database, storeInstance.Cron)
	if err != nil {
		return err
	}
	if watcher != nil {
		sup.Add(watcher)
	}

	if err := syncSchedules(ctx, cfg, storeInstance); err != nil {
		syslog.L.Error(err).WithMessage("initial schedule sync failed").Write()
	}

	uploadLimiter := middlewares.NewRateLimiter(cfg.Server.UploadRate, cfg.Server.UploadBurst)
	sup.Add(server.NewMaintenanceService(uploadLimiter, backend.Uploads))
	sup.Add(server.NewHTTPService(server.NewRouter(backend, cfg.Server, uploadLimiter), cfg.Server))

	syslog.L.Info().
		WithMessage("pbx-backup started").
		WithFields(map[string]interface{}{"listen": cfg.Server.Listen, "version": Version}).
		Write()

	err = <-supErr
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newBackend(cfg *config.Config, db *sqlite.Database, cron schedule.CronStore) (*controllers.Backend, *hooks.WatchedCollector, error) {
	reg := newRegistry(cfg, db)

	index, err := restore.NewIndex(db, []string{cfg.Paths.BackupDir, cfg.Paths.UploadDir}, cfg.Restore.LocalPatterns, reg)
	if err != nil {
		return nil, nil, err
	}

	var (
		src     hooks.Source = newHookCollector(cfg)
		watcher *hooks.WatchedCollector
	)
	if cfg.Hooks.Watch {
		watcher = hooks.NewWatchedCollector(newHookCollector(cfg))
		src = watcher
	}

	return &controllers.Backend{
		Database:      db,
		Registry:      reg,
		Schedule:      schedule.NewSynchronizer(cron, cfg.Job.Binary).WithConfig(cfg.Source),
		Launcher:      job.NewLauncher(cfg.Job.Binary, cfg.Paths.LogDir).WithConfig(cfg.Source),
		Streamer:      status.NewStreamer(cfg.Paths.LogDir, cfg.Job.PollInterval),
		Uploads:       upload.NewReassembler(cfg.Paths.UploadDir, index.OnUpload),
		Files:         index,
		Hooks:         src,
		KeyDir:        keyDir(cfg),
		MaxChunkBytes: cfg.Server.MaxChunkBytes,
	}, watcher, nil
}

func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock server did not come up on %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
