//go:build unix

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
	"github.com/spf13/cobra"
)

// program adapts serve to the service manager's Start/Stop contract.
type program struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := serve(ctx); err != nil {
			syslog.L.Error(err).WithMessage("service stopped with error").Write()
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return nil
}

func newService() (service.Service, error) {
	args := []string{"service", "run"}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, err
		}
		args = append([]string{"--config", abs}, args...)
	}

	svcConfig := &service.Config{
		Name:        "pbx-backup",
		DisplayName: "PBX Backup",
		Description: "Backup and restore orchestration for the telephony platform",
		Arguments:   args,
	}

	return service.New(&program{}, svcConfig)
}

var serviceCmd = &cobra.Command{
	Use:       "service <install|uninstall|start|stop|restart|run>",
	Short:     "Manage the system service",
	Args:      cobra.ExactArgs(1),
	ValidArgs: append(append([]string{}, service.ControlAction[:]...), "run"),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}

		if args[0] == "run" {
			return svc.Run()
		}
		if err := service.Control(svc, args[0]); err != nil {
			return fmt.Errorf("service %s: %w", args[0], err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serviceCmd)
}
