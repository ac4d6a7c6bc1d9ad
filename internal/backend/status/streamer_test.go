//go:build unix

package status

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pbs-plus/pbx-backup/internal/backend/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	onEmit func(n int)
}

func (r *recorder) Emit(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	n := len(r.events)
	r.mu.Unlock()

	if r.onEmit != nil {
		r.onEmit(n)
	}
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type fixture struct {
	logDir  string
	req     Request
	outPath string
	errPath string
	alive   atomic.Bool
	s       *Streamer
}

func newFixture(t *testing.T, kind job.Kind) *fixture {
	t.Helper()

	f := &fixture{logDir: t.TempDir()}
	f.req = Request{
		Kind:          kind,
		SubjectID:     "S1",
		TransactionID: job.NewTransactionID(),
		PID:           4242,
	}
	f.outPath, f.errPath = job.LogPaths(f.logDir, kind, f.req.TransactionID)
	require.NoError(t, os.WriteFile(f.outPath, nil, 0o640))
	require.NoError(t, os.WriteFile(f.errPath, nil, 0o640))

	f.s = NewStreamer(f.logDir, 10*time.Millisecond)
	f.s.isRunning = func(int) bool { return f.alive.Load() }
	return f
}

func appendTo(t *testing.T, path, text string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = file.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, file.Close())
}

func TestParseRequest(t *testing.T) {
	tx := job.NewTransactionID()

	req, err := ParseRequest("backup", "S1", tx, "123", true)
	require.NoError(t, err)
	assert.Equal(t, Request{Kind: job.KindBackup, SubjectID: "S1", TransactionID: tx, PID: 123, Incremental: true}, req)

	cases := map[string][4]string{
		"missing id":          {"backup", "", tx, "1"},
		"missing transaction": {"backup", "S1", "", "1"},
		"path in transaction": {"backup", "S1", "../../etc/passwd", "1"},
		"missing pid":         {"backup", "S1", tx, ""},
		"bad pid":             {"backup", "S1", tx, "abc"},
		"bad kind":            {"purge", "S1", tx, "1"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRequest(c[0], c[1], c[2], c[3], false)
			assert.ErrorIs(t, err, ErrMissingStreamParameters)
		})
	}
}

func TestStreamMissingParameters(t *testing.T) {
	s := NewStreamer(t.TempDir(), 10*time.Millisecond)
	polled := false
	s.isRunning = func(int) bool { polled = true; return true }

	rec := &recorder{}
	err := s.Stream(context.Background(), Request{Kind: job.KindBackup}, rec)
	assert.ErrorIs(t, err, ErrMissingStreamParameters)
	assert.False(t, polled)

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, Stopped, events[0].Status)
	assert.Equal(t, "missing id or transaction or pid", events[0].Error)
}

func TestStreamRejectsUnparsedRequest(t *testing.T) {
	s := NewStreamer(t.TempDir(), 10*time.Millisecond)
	s.isRunning = func(int) bool { return true }

	cases := map[string]Request{
		"unknown kind":        {Kind: job.Kind("purge"), SubjectID: "S1", TransactionID: job.NewTransactionID(), PID: 1},
		"path as transaction": {Kind: job.KindBackup, SubjectID: "S1", TransactionID: "../../etc/passwd", PID: 1},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			err := s.Stream(context.Background(), req, rec)
			assert.ErrorIs(t, err, ErrMissingStreamParameters)
			assert.Equal(t, []Event{MissingParameters()}, rec.snapshot())
		})
	}
}

func TestStreamStopped(t *testing.T) {
	f := newFixture(t, job.KindBackup)
	f.alive.Store(true)
	appendTo(t, f.outPath, "exporting core\n")

	rec := &recorder{onEmit: func(n int) {
		if n == 2 {
			appendTo(t, f.outPath, "done\n")
			f.alive.Store(false)
		}
	}}
	require.NoError(t, f.s.Stream(context.Background(), f.req, rec))

	events := rec.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, Event{Status: Running, Log: "exporting core\n"}, events[0])
	assert.Equal(t, Running, events[1].Status)
	assert.Equal(t, Event{Status: Stopped, Log: "exporting core\ndone\n"}, events[2])

	assert.NoFileExists(t, f.outPath)
	assert.NoFileExists(t, f.errPath)
}

func TestStreamErrored(t *testing.T) {
	f := newFixture(t, job.KindRestore)
	appendTo(t, f.outPath, "restoring\n")
	appendTo(t, f.errPath, "partial failure")

	rec := &recorder{}
	require.NoError(t, f.s.Stream(context.Background(), f.req, rec))

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, Event{Status: Errored, Log: "restoring\npartial failure"}, events[0])
	assert.True(t, events[0].Terminal())
	assert.NoFileExists(t, f.outPath)
	assert.NoFileExists(t, f.errPath)
}

func TestStreamVanishedLogs(t *testing.T) {
	f := newFixture(t, job.KindBackup)
	require.NoError(t, os.Remove(f.outPath))
	require.NoError(t, os.Remove(f.errPath))

	rec := &recorder{}
	require.NoError(t, f.s.Stream(context.Background(), f.req, rec))

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, Event{Status: Stopped, Log: ""}, events[0])
}

func TestStreamClientDisconnect(t *testing.T) {
	f := newFixture(t, job.KindBackup)
	f.alive.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{onEmit: func(n int) {
		if n == 3 {
			cancel()
		}
	}}

	err := f.s.Stream(ctx, f.req, rec)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, rec.snapshot(), 3)

	// Nothing terminal was observed, so the logs stay for the next subscriber.
	assert.FileExists(t, f.outPath)
	assert.FileExists(t, f.errPath)
}

func TestStreamEmitterFailure(t *testing.T) {
	f := newFixture(t, job.KindBackup)
	f.alive.Store(true)

	calls := 0
	err := f.s.Stream(context.Background(), f.req, EmitterFunc(func(Event) error {
		calls++
		return errors.New("broken pipe")
	}))
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestStreamIncremental(t *testing.T) {
	f := newFixture(t, job.KindBackup)
	f.req.Incremental = true
	f.alive.Store(true)
	appendTo(t, f.outPath, "one\n")

	rec := &recorder{onEmit: func(n int) {
		switch n {
		case 1:
			appendTo(t, f.outPath, "two\n")
		case 3:
			f.alive.Store(false)
		}
	}}
	require.NoError(t, f.s.Stream(context.Background(), f.req, rec))

	events := rec.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, "one\n", events[0].Log)
	assert.Equal(t, int64(0), *events[0].Offset)
	assert.Equal(t, "two\n", events[1].Log)
	assert.Equal(t, int64(4), *events[1].Offset)
	assert.Equal(t, "", events[2].Log)
	assert.Equal(t, int64(8), *events[2].Offset)

	// Terminal events always carry the full log.
	assert.Equal(t, Event{Status: Stopped, Log: "one\ntwo\n"}, events[3])
}

func TestStreamLaunchedJob(t *testing.T) {
	binDir := t.TempDir()
	logDir := t.TempDir()
	binary := filepath.Join(binDir, "job")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\necho working\nsleep 0.3\necho finished\n"), 0o755))

	tx, err := job.NewLauncher(binary, logDir).Launch(context.Background(), job.KindBackup, "S1", nil)
	require.NoError(t, err)

	s := NewStreamer(logDir, 50*time.Millisecond)
	rec := &recorder{}
	require.NoError(t, s.Stream(context.Background(), Request{
		Kind:          job.KindBackup,
		SubjectID:     "S1",
		TransactionID: tx.ID,
		PID:           tx.PID,
	}, rec))

	events := rec.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, Running, events[0].Status)

	last := events[len(events)-1]
	assert.Equal(t, Event{Status: Stopped, Log: "working\nfinished\n"}, last)
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, Running, ev.Status)
	}

	assert.NoFileExists(t, tx.OutLog)
	assert.NoFileExists(t, tx.ErrLog)
}
