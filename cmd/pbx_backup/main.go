//go:build unix

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Sets GOMEMLIMIT from the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"
)

var Version = "v0.0.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "pbx-backup",
	Short:         "Backup and restore orchestration for the telephony platform",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration (default: $PBX_BACKUP_CONFIG or /etc/pbx-backup/config.yaml)")
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
