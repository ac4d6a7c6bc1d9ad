//go:build unix

package syslog

import (
	"io"
	"log/syslog"
	"os"
)

// LogWriter forwards formatted zerolog output to the system logger.
type LogWriter struct {
	logger *syslog.Writer
}

func (w *LogWriter) Write(p []byte) (int, error) {
	if err := w.logger.Info(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

var defaultOutput io.Writer = os.Stderr

func init() {
	if sysWriter, err := syslog.New(syslog.LOG_INFO|syslog.LOG_LOCAL7, "pbx-backup"); err == nil {
		defaultOutput = &LogWriter{logger: sysWriter}
	}

	logger := newZerolog("console", defaultOutput)
	L = &Logger{zlog: &logger}
}

// JobOutput is where a job process sends its own log entries. Its stderr is
// reserved for the fatal error, so without syslog the entries are dropped;
// the job logger still copies them to stdout.
func JobOutput() io.Writer {
	if f, ok := defaultOutput.(*os.File); ok && f == os.Stderr {
		return io.Discard
	}
	return defaultOutput
}
