package hooks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pbs-plus/pbx-backup/internal/metrics"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
	"github.com/pbs-plus/pbx-backup/internal/utils"
)

var ErrHookFailure = errors.New("hook failed")

// HookError names the hook that stopped a phase.
type HookError struct {
	Phase    Phase
	Hook     string
	ExitCode int
	Err      error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook %s exited with code %d", e.Phase, e.Hook, e.ExitCode)
}

func (e *HookError) Unwrap() []error {
	return []error{ErrHookFailure, e.Err}
}

// Env is exported to every hook of a run.
type Env struct {
	Phase       Phase  `env:"PHASE"`
	Transaction string `env:"TRANSACTION"`
	Subject     string `env:"SUBJECT"`
}

const envPrefix = "PBX_BACKUP_"

// Run executes queue in order. The first failing hook aborts the remaining
// ones; hooks that already ran are not undone.
func Run(ctx context.Context, env Env, queue []string) error {
	envVars, err := utils.StructToEnvVars(envPrefix, env)
	if err != nil {
		return err
	}

	for _, hook := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}

		syslog.L.Info().
			WithMessage("running "+string(env.Phase)+" hook "+hook).
			WithJob(env.Transaction).
			Write()

		output, err := utils.RunScript(ctx, hook, envVars)
		if output = strings.TrimRight(output, "\n"); output != "" {
			syslog.L.Info().
				WithMessage(output).
				WithField("hook", hook).
				WithJob(env.Transaction).
				Write()
		}

		if err != nil {
			metrics.HookRunsTotal.WithLabelValues(string(env.Phase), "failed").Inc()
			return &HookError{
				Phase:    env.Phase,
				Hook:     hook,
				ExitCode: exitCode(err),
				Err:      err,
			}
		}
		metrics.HookRunsTotal.WithLabelValues(string(env.Phase), "ok").Inc()
	}

	return nil
}

// CollectAndRun is the usual entry point for job processes.
func CollectAndRun(ctx context.Context, src Source, env Env) error {
	queue, err := src.Collect(env.Phase)
	if err != nil {
		return err
	}
	return Run(ctx, env, queue)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
