package schedule

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pbs-plus/pbx-backup/internal/backend/job"
	"github.com/pbs-plus/pbx-backup/internal/metrics"
	"github.com/pbs-plus/pbx-backup/internal/store/constants"
	"github.com/pbs-plus/pbx-backup/internal/store/types"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
	"github.com/robfig/cron/v3"
)

var ErrInvalidSchedule = errors.New("invalid cron schedule")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronStore is the system table of recurring commands, one line per entry.
type CronStore interface {
	Read(ctx context.Context) ([]string, error)
	Write(ctx context.Context, lines []string) error
}

type Synchronizer struct {
	store      CronStore
	binary     string
	configPath string
}

func NewSynchronizer(store CronStore, binary string) *Synchronizer {
	return &Synchronizer{store: store, binary: binary}
}

// WithConfig makes scheduled jobs load the configuration file at path.
func (s *Synchronizer) WithConfig(path string) *Synchronizer {
	s.configPath = path
	return s
}

func Validate(expr string) error {
	if _, err := parser.Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return nil
}

func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched.Next(from), nil
}

// Command is the crontab line that starts a scheduled backup.
func (s *Synchronizer) Command(def types.BackupDefinition) string {
	cmd := fmt.Sprintf("%s %s --backup=%s", s.binary, constants.JobSubcommand, def.ID)
	if def.WarmSpareEnabled {
		cmd += " --warmspare"
	}
	if s.configPath != "" {
		cmd += " --config=" + cronQuote(s.configPath)
	}
	return fmt.Sprintf("%s %s > /dev/null 2>&1", strings.TrimSpace(def.Schedule), cmd)
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9/._+:@=-]+$`)

// cronQuote single-quotes value for the shell cron runs and escapes %, which
// cron turns into a newline.
func cronQuote(value string) string {
	if !shellSafe.MatchString(value) {
		value = "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
	}
	return strings.ReplaceAll(value, "%", `\%`)
}

func (s *Synchronizer) owned(line string) bool {
	return strings.Contains(line, constants.CronSignature) ||
		strings.Contains(line, s.binary+" "+constants.JobSubcommand+" ")
}

// Sync rewrites the cron store so that it holds exactly one entry per enabled
// definition and nothing else of ours. Foreign lines are kept in place.
func (s *Synchronizer) Sync(ctx context.Context, defs []types.BackupDefinition) error {
	lines, err := s.store.Read(ctx)
	if err != nil {
		metrics.ScheduleSyncsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to read cron entries: %w", err)
	}

	desired := make([]string, 0, len(lines)+len(defs))
	for _, line := range lines {
		if !s.owned(line) {
			desired = append(desired, line)
		}
	}

	scheduled := 0
	for _, def := range defs {
		if !def.ScheduleEnabled {
			continue
		}

		if !job.ValidSubjectID(def.ID) {
			syslog.L.Warn().
				WithMessage("skipping schedule for backup with unsafe id").
				WithField("id", def.ID).
				Write()
			continue
		}

		if err := Validate(def.Schedule); err != nil {
			syslog.L.Warn().
				WithMessage("skipping invalid schedule").
				WithFields(map[string]interface{}{"id": def.ID, "schedule": def.Schedule, "error": err.Error()}).
				Write()
			continue
		}

		desired = append(desired, s.Command(def))
		scheduled++
	}

	if err := s.store.Write(ctx, desired); err != nil {
		metrics.ScheduleSyncsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to write cron entries: %w", err)
	}

	metrics.ScheduleSyncsTotal.WithLabelValues("ok").Inc()
	metrics.ScheduledEntries.Set(float64(scheduled))

	syslog.L.Info().
		WithMessage("backup schedules synchronized").
		WithField("entries", scheduled).
		Write()

	return nil
}
