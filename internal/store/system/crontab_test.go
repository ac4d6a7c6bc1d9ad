//go:build unix

package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCrontab puts a crontab stand-in first on PATH that keeps its table in
// a file.
func fakeCrontab(t *testing.T, initial string, exists bool) string {
	t.Helper()

	dir := t.TempDir()
	table := filepath.Join(dir, "table")
	if exists {
		require.NoError(t, os.WriteFile(table, []byte(initial), 0o644))
	}

	script := `#!/bin/sh
table="` + table + `"
case "$1" in
-l)
	if [ ! -f "$table" ]; then echo "no crontab for tester" >&2; exit 1; fi
	cat "$table"
	;;
-)
	cat > "$table"
	;;
*)
	echo "unexpected args: $*" >&2; exit 2
	;;
esac
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crontab"), []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return table
}

func TestCrontabNoTable(t *testing.T) {
	fakeCrontab(t, "", false)

	lines, err := (&Crontab{}).Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestCrontabRoundTrip(t *testing.T) {
	table := fakeCrontab(t, "MAILTO=root\r\n0 1 * * * /bin/true\n", true)
	c := &Crontab{}

	lines, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"MAILTO=root", "0 1 * * * /bin/true"}, lines)

	require.NoError(t, c.Write(context.Background(), append(lines, "0 2 * * * /usr/sbin/pbx-backup backup --backup=a > /dev/null 2>&1")))

	content, err := os.ReadFile(table)
	require.NoError(t, err)
	assert.Equal(t, "MAILTO=root\n0 1 * * * /bin/true\n0 2 * * * /usr/sbin/pbx-backup backup --backup=a > /dev/null 2>&1\n", string(content))

	require.NoError(t, c.Write(context.Background(), nil))
	content, err = os.ReadFile(table)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestCrontabFailure(t *testing.T) {
	fakeCrontab(t, "", true)

	_, err := (&Crontab{User: "asterisk"}).Read(context.Background())
	assert.ErrorContains(t, err, "unexpected args: -u asterisk -l")
}
