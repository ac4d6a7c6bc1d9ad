package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pbs-plus/pbx-backup/internal/syslog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHook(t *testing.T, dir, name, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), mode))
	return path
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("postRestore")
	require.NoError(t, err)
	assert.Equal(t, PostRestore, p)
	assert.Equal(t, "RESTOREPOSTHOOKS", p.EnvName())

	_, err = ParsePhase("during")
	assert.ErrorIs(t, err, ErrInvalidPhase)
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()

	pre := writeHook(t, dir, "10-pre", "#!/bin/sh\n# pre:backup\necho pre\n", 0o755)
	writeHook(t, dir, "20-post", "#!/bin/sh\n# post:backup\n", 0o755)
	// Only the first tag counts.
	both := writeHook(t, dir, "30-both", "#!/bin/sh\n# pre:restore\n# pre:backup\n", 0o755)
	writeHook(t, dir, "40-untagged", "#!/bin/sh\necho nothing\n", 0o755)
	writeHook(t, dir, "50-not-exec", "#!/bin/sh\n# pre:backup\n", 0o644)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "60-dir"), 0o755))

	c := NewCollector(dir, map[Phase][]string{
		PreBackup: {"/opt/first.sh", " ", "", "/opt/second.sh"},
	})

	queue, err := c.Collect(PreBackup)
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/first.sh", "/opt/second.sh", pre}, queue)

	queue, err = c.Collect(PreRestore)
	require.NoError(t, err)
	assert.Equal(t, []string{both}, queue)

	queue, err = c.Collect(PostRestore)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestCollectPhasesAreDisjoint(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "a", "#!/bin/sh\n# post:restore pre:backup\n", 0o755)
	writeHook(t, dir, "b", "#!/bin/sh\n# pre:restore\n", 0o755)
	writeHook(t, dir, "c", "#!/bin/sh\n# post:backup\n", 0o755)

	c := NewCollector(dir, nil)
	seen := map[string]Phase{}
	for _, phase := range Phases {
		queue, err := c.Collect(phase)
		require.NoError(t, err)
		for _, hook := range queue {
			prev, dup := seen[hook]
			assert.False(t, dup, "%s in %s and %s", hook, prev, phase)
			seen[hook] = phase
		}
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, PostRestore, seen[filepath.Join(dir, "a")])
}

func TestCollectMissingDir(t *testing.T) {
	c := NewCollector(filepath.Join(t.TempDir(), "absent"), map[Phase][]string{
		PostBackup: {"/opt/notify.sh"},
	})
	queue, err := c.Collect(PostBackup)
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/notify.sh"}, queue)
}

func TestRun(t *testing.T) {
	syslog.L.Configure(syslog.Config{Level: "debug", Output: os.Stderr})

	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")

	ok := writeHook(t, dir, "ok", "#!/bin/sh\necho \"$PBX_BACKUP_PHASE $PBX_BACKUP_SUBJECT $PBX_BACKUP_TRANSACTION\" >> "+marker+"\n", 0o755)
	fail := writeHook(t, dir, "fail", "#!/bin/sh\necho boom\nexit 3\n", 0o755)
	never := writeHook(t, dir, "never", "#!/bin/sh\ntouch "+marker+".never\n", 0o755)
	// No execute bit: run through the shebang interpreter.
	plain := writeHook(t, dir, "plain", "#!/bin/sh\necho plain >> "+marker+"\n", 0o644)

	env := Env{Phase: PreBackup, Transaction: "tx-1", Subject: "S1"}

	require.NoError(t, Run(context.Background(), env, []string{ok, plain}))
	content, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "preBackup S1 tx-1\nplain\n", string(content))

	err = Run(context.Background(), env, []string{ok, fail, never})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHookFailure))

	var hookErr *HookError
	require.True(t, errors.As(err, &hookErr))
	assert.Equal(t, fail, hookErr.Hook)
	assert.Equal(t, 3, hookErr.ExitCode)
	assert.Equal(t, PreBackup, hookErr.Phase)

	assert.NoFileExists(t, marker+".never")
	content, err = os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(content), "preBackup"))
}

func TestRunMirrorsOutputToJobLog(t *testing.T) {
	syslog.L.Configure(syslog.Config{Level: "info", Output: os.Stderr})

	var out strings.Builder
	jobLogger := syslog.AttachJobLogger("tx-2", &out)
	defer jobLogger.Close()

	hook := writeHook(t, t.TempDir(), "say", "#!/bin/sh\necho exporting settings\n", 0o755)
	require.NoError(t, Run(context.Background(), Env{Phase: PostBackup, Transaction: "tx-2"}, []string{hook}))

	assert.Contains(t, out.String(), "running postBackup hook "+hook)
	assert.Contains(t, out.String(), "exporting settings")
}

func TestCollectAndRunMissingHook(t *testing.T) {
	c := NewCollector(t.TempDir(), map[Phase][]string{PreRestore: {"/nonexistent/hook.sh"}})
	err := CollectAndRun(context.Background(), c, Env{Phase: PreRestore, Transaction: "tx-3"})
	assert.ErrorIs(t, err, ErrHookFailure)
}

func TestWatchedCollector(t *testing.T) {
	dir := t.TempDir()
	first := writeHook(t, dir, "a", "#!/bin/sh\n# pre:backup\n", 0o755)

	w := NewWatchedCollector(NewCollector(dir, map[Phase][]string{PreBackup: {"/opt/env.sh"}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.watching
	}, 5*time.Second, 10*time.Millisecond)

	queue, err := w.Collect(PreBackup)
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/env.sh", first}, queue)

	second := writeHook(t, dir, "b", "#!/bin/sh\n# pre:backup\n", 0o755)
	require.Eventually(t, func() bool {
		queue, err := w.Collect(PreBackup)
		return err == nil && len(queue) == 3 && queue[2] == second
	}, 5*time.Second, 20*time.Millisecond)

	// Configured lists are never cached.
	w.Env[PreBackup] = nil
	queue, err = w.Collect(PreBackup)
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, queue)
}
