//go:build unix

package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pbs-plus/pbx-backup/internal/backend/job"
	"github.com/pbs-plus/pbx-backup/internal/metrics"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

var ErrMissingStreamParameters = errors.New("missing id or transaction or pid")

type State string

const (
	Running State = "running"
	Errored State = "errored"
	Stopped State = "stopped"
)

// Event is one status push. Log is the whole stdout log so far unless the
// session is incremental, in which case running events carry only the bytes
// starting at Offset.
type Event struct {
	Status State  `json:"status"`
	Log    string `json:"log"`
	Offset *int64 `json:"offset,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Status != Running
}

type Request struct {
	Kind          job.Kind
	SubjectID     string
	TransactionID string
	PID           int
	Incremental   bool
}

// ParseRequest validates the raw parameters of a status session. The
// transaction id ends up in a file path, so anything but a canonical UUID is
// rejected along with absent values.
func ParseRequest(kind, subjectID, transactionID, pid string, incremental bool) (Request, error) {
	k, err := job.ParseKind(kind)
	if err != nil || subjectID == "" || !job.ValidTransactionID(transactionID) {
		return Request{}, ErrMissingStreamParameters
	}

	p, err := strconv.Atoi(pid)
	if err != nil || p <= 0 {
		return Request{}, ErrMissingStreamParameters
	}

	return Request{
		Kind:          k,
		SubjectID:     subjectID,
		TransactionID: transactionID,
		PID:           p,
		Incremental:   incremental,
	}, nil
}

// Emitter delivers events to a single subscriber. An error means the
// subscriber is gone and ends the session.
type Emitter interface {
	Emit(Event) error
}

type EmitterFunc func(Event) error

func (f EmitterFunc) Emit(ev Event) error {
	return f(ev)
}

type Streamer struct {
	logDir    string
	interval  time.Duration
	isRunning func(pid int) bool
}

func NewStreamer(logDir string, interval time.Duration) *Streamer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Streamer{
		logDir:    logDir,
		interval:  interval,
		isRunning: job.IsRunning,
	}
}

// MissingParameters is the single terminal event answering a malformed
// request.
func MissingParameters() Event {
	return Event{Status: Stopped, Error: ErrMissingStreamParameters.Error()}
}

// Stream polls the transaction until it reaches a terminal state, pushing one
// event per tick. It returns when the terminal event was delivered, when the
// emitter fails, or when ctx is cancelled by the client going away.
func (s *Streamer) Stream(ctx context.Context, req Request, emitter Emitter) error {
	if _, err := job.ParseKind(string(req.Kind)); err != nil || !job.ValidTransactionID(req.TransactionID) || req.PID <= 0 || req.SubjectID == "" {
		_ = emitter.Emit(MissingParameters())
		return ErrMissingStreamParameters
	}

	metrics.StatusSessionsActive.WithLabelValues(string(req.Kind)).Inc()
	defer metrics.StatusSessionsActive.WithLabelValues(string(req.Kind)).Dec()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, done := s.poll(req, &offset)
		if err := emitter.Emit(ev); err != nil {
			return fmt.Errorf("status subscriber gone: %w", err)
		}
		if done {
			metrics.StatusTerminalEventsTotal.WithLabelValues(string(req.Kind), string(ev.Status)).Inc()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Streamer) poll(req Request, offset *int64) (Event, bool) {
	outPath, errPath := job.LogPaths(s.logDir, req.Kind, req.TransactionID)

	if s.isRunning(req.PID) {
		if !req.Incremental {
			return Event{Status: Running, Log: readLog(outPath)}, false
		}

		from := *offset
		chunk, next := readLogFrom(outPath, from)
		*offset = next
		return Event{Status: Running, Log: chunk, Offset: &from}, false
	}

	out := readLog(outPath)
	errOut := readLog(errPath)

	ev := Event{Status: Stopped, Log: out}
	if errOut != "" {
		ev = Event{Status: Errored, Log: out + errOut}
	}

	for _, path := range []string{outPath, errPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			syslog.L.Warn().
				WithMessage("failed to remove transaction log").
				WithField("path", path).
				WithField("error", err.Error()).
				Write()
		}
	}

	return ev, true
}

// readLog returns the file content, or "" when it is missing. Another
// session may already have removed the files.
func readLog(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(content)
}

func readLogFrom(path string, offset int64) (string, int64) {
	file, err := os.Open(path)
	if err != nil {
		return "", offset
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.Size() < offset {
		return "", offset
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return "", offset
	}
	content, err := io.ReadAll(file)
	if err != nil {
		return "", offset
	}
	return string(content), offset + int64(len(content))
}
