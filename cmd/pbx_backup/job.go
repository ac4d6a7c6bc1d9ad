//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pbs-plus/pbx-backup/internal/backend/job"
	"github.com/pbs-plus/pbx-backup/internal/backend/runner"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
	"github.com/spf13/cobra"
)

var (
	jobBackupID    string
	jobRestorePath string
	jobTransaction string
	jobWarmSpare   bool
)

// backupCmd is the job entry point spawned by the launcher and by cron.
// Progress goes to stdout; a failure is reported on stderr with exit code 1.
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run a single backup or restore job",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runJob(cmd.Context()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func init() {
	backupCmd.Flags().StringVar(&jobBackupID, "backup", "", "backup definition id to run")
	backupCmd.Flags().StringVar(&jobRestorePath, "restore", "", "archive path to restore")
	backupCmd.Flags().StringVar(&jobTransaction, "transaction", "", "transaction id assigned by the launcher")
	backupCmd.Flags().BoolVar(&jobWarmSpare, "warmspare", false, "mark the archive for warm spare transfer")
	backupCmd.MarkFlagsMutuallyExclusive("backup", "restore")
	backupCmd.MarkFlagsOneRequired("backup", "restore")
	rootCmd.AddCommand(backupCmd)
}

func runJob(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(syslog.JobOutput())
	if err != nil {
		return err
	}

	// Cron invocations carry no transaction id.
	tx := jobTransaction
	if tx == "" {
		tx = job.NewTransactionID()
	} else if !job.ValidTransactionID(tx) {
		return errors.New("invalid transaction id")
	}

	jobLogger := syslog.AttachJobLogger(tx, os.Stdout)
	defer jobLogger.Close()

	storeInstance, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer storeInstance.Close()

	r := &runner.Runner{
		Definitions: storeInstance.Database,
		Registry:    newRegistry(cfg, storeInstance.Database),
		Hooks:       newHookCollector(cfg),
		BackupDir:   cfg.Paths.BackupDir,
		LockDir:     cfg.Job.LockDir,
		Framework:   Version,
	}

	if jobRestorePath != "" {
		err = r.Restore(ctx, runner.RestoreOptions{ArchivePath: jobRestorePath, Transaction: tx})
	} else {
		_, err = r.Backup(ctx, runner.BackupOptions{BackupID: jobBackupID, Transaction: tx, WarmSpare: jobWarmSpare})
	}
	if err != nil {
		syslog.L.Error(err).WithMessage("job failed").WithJob(tx).Write()
	}
	return err
}
