//go:build unix

package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/pbs-plus/pbx-backup/internal/metrics"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrLaunchFailure  = errors.New("failed to launch job")
	ErrOneInstance    = errors.New("a job is still running for this subject; only one instance allowed")
	ErrInvalidKind    = errors.New("invalid job kind")
	ErrInvalidSubject = errors.New("invalid job subject")
)

// Launcher spawns job processes detached from the caller. Output of each
// process goes to the transaction's log files; the launcher never removes
// them once the process started.
type Launcher struct {
	binary     string
	logDir     string
	configPath string

	locks    *xsync.MapOf[string, *sync.Mutex]
	inflight *xsync.MapOf[string, int]
}

func NewLauncher(binary string, logDir string) *Launcher {
	return &Launcher{
		binary:   binary,
		logDir:   logDir,
		locks:    xsync.NewMapOf[string, *sync.Mutex](),
		inflight: xsync.NewMapOf[string, int](),
	}
}

// WithConfig makes every launched job load the configuration file at path.
func (l *Launcher) WithConfig(path string) *Launcher {
	l.configPath = path
	return l
}

// Launch starts the job entry point for subject and returns as soon as the
// child is running. Restore subjects are archive paths, which are passed
// through untouched; backup subjects must be plain ids.
func (l *Launcher) Launch(ctx context.Context, kind Kind, subjectID string, extraFlags []string) (*Transaction, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if subjectID == "" || (kind == KindBackup && !ValidSubjectID(subjectID)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSubject, subjectID)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	key := string(kind) + ":" + subjectID
	lock, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	lock.Lock()
	defer lock.Unlock()

	if pid, ok := l.inflight.Load(key); ok && IsRunning(pid) {
		metrics.JobLaunchesTotal.WithLabelValues(string(kind), "busy").Inc()
		return nil, ErrOneInstance
	}

	tx := &Transaction{
		ID:        NewTransactionID(),
		Kind:      kind,
		SubjectID: subjectID,
	}
	tx.OutLog, tx.ErrLog = LogPaths(l.logDir, kind, tx.ID)

	if err := l.start(tx, extraFlags); err != nil {
		metrics.JobLaunchesTotal.WithLabelValues(string(kind), "failed").Inc()
		syslog.L.Error(err).
			WithMessage("job launch failed").
			WithFields(map[string]interface{}{"kind": kind, "subject": subjectID}).
			Write()
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}
	metrics.JobLaunchesTotal.WithLabelValues(string(kind), "started").Inc()

	if initial, err := os.ReadFile(tx.OutLog); err == nil {
		tx.InitialLog = string(initial)
	}

	syslog.L.Info().
		WithMessage("job launched").
		WithFields(map[string]interface{}{
			"kind":        kind,
			"subject":     subjectID,
			"transaction": tx.ID,
			"pid":         tx.PID,
		}).
		Write()

	return tx, nil
}

func (l *Launcher) start(tx *Transaction, extraFlags []string) (err error) {
	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	outFile, err := os.OpenFile(tx.OutLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create stdout log: %w", err)
	}
	defer outFile.Close()

	errFile, err := os.OpenFile(tx.ErrLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		_ = os.Remove(tx.OutLog)
		return fmt.Errorf("failed to create stderr log: %w", err)
	}
	defer errFile.Close()

	defer func() {
		if err != nil {
			_ = os.Remove(tx.OutLog)
			_ = os.Remove(tx.ErrLog)
		}
	}()

	// Not bound to any request context: the job outlives the caller.
	args := Args(tx.Kind, tx.SubjectID, tx.ID, extraFlags)
	if l.configPath != "" {
		args = append(args, "--config="+l.configPath)
	}
	cmd := exec.Command(l.binary, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = outFile
	cmd.Stderr = errFile
	setProcAttributes(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}
	tx.PID = cmd.Process.Pid
	l.inflight.Store(inflightKey(tx), tx.PID)

	go l.monitorDetachedProcess(cmd, tx)

	return nil
}

// monitorDetachedProcess reaps the child so that liveness checks never see a
// zombie, and frees the subject for the next launch.
func (l *Launcher) monitorDetachedProcess(cmd *exec.Cmd, tx *Transaction) {
	waitErr := cmd.Wait()

	l.inflight.Compute(inflightKey(tx), func(old int, loaded bool) (int, bool) {
		return old, !loaded || old == tx.PID
	})

	entry := syslog.L.Info()
	if waitErr != nil {
		entry = syslog.L.Warn().WithField("error", waitErr.Error())
	}
	entry.WithMessage("job process exited").
		WithFields(map[string]interface{}{
			"kind":        tx.Kind,
			"transaction": tx.ID,
			"pid":         tx.PID,
			"exitCode":    cmd.ProcessState.ExitCode(),
		}).
		Write()
}

func inflightKey(tx *Transaction) string {
	return string(tx.Kind) + ":" + tx.SubjectID
}
