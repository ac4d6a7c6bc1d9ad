//go:build unix

package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/pbs-plus/pbx-backup/internal/backend/archive"
	"github.com/pbs-plus/pbx-backup/internal/backend/hooks"
	"github.com/pbs-plus/pbx-backup/internal/backend/keys"
	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage the cron entries of scheduled backups",
}

var scheduleSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Rewrite the owned crontab lines from the stored definitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		storeInstance, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer storeInstance.Close()

		return syncSchedules(cmd.Context(), cfg, storeInstance)
	},
}

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Inspect lifecycle hooks",
}

var hooksListCmd = &cobra.Command{
	Use:   "list [phase]",
	Short: "Print the hooks that would run, per phase",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}

		phases := hooks.Phases
		if len(args) == 1 {
			phase, err := hooks.ParsePhase(args[0])
			if err != nil {
				return err
			}
			phases = []hooks.Phase{phase}
		}

		collector := newHookCollector(cfg)
		out := cmd.OutOrStdout()
		for _, phase := range phases {
			queue, err := collector.Collect(phase)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s:\n", phase)
			for _, hook := range queue {
				fmt.Fprintf(out, "  %s\n", hook)
			}
		}
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>",
	Short: "Describe an archive and the modules it contains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}

		info, err := archive.Inspect(args[0], newRegistry(cfg, nil))
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the service SSH key pair",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create the SSH key pair if missing and print the public key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}

		pair, err := keys.Generate(keyDir(cfg))
		if err != nil {
			return err
		}
		if pair.Created {
			fmt.Fprintln(os.Stderr, "generated new key pair", pair.PrivateKey)
		}

		public, err := os.ReadFile(pair.PublicKey)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(public)
		return err
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleSyncCmd)
	hooksCmd.AddCommand(hooksListCmd)
	keysCmd.AddCommand(keysGenerateCmd)

	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(hooksCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(keysCmd)
}
