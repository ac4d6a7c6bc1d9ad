package syslog

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog logger behind a small fluent entry builder so call
// sites look the same whether they run in the server or inside a job process.
type Logger struct {
	mu   sync.RWMutex
	zlog *zerolog.Logger
}

// LogEntry accumulates a single log line until Write is called.
type LogEntry struct {
	Level   string
	Message string
	Err     error
	Fields  map[string]interface{}
	JobID   string

	logger *Logger
}

// Config controls where and how the global logger writes.
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

var L *Logger

func newZerolog(format string, out io.Writer) zerolog.Logger {
	if format == "json" {
		return zerolog.New(out).With().Timestamp().CallerWithSkipFrameCount(3).Logger()
	}
	return zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = out
		w.NoColor = true
	})).With().Timestamp().CallerWithSkipFrameCount(3).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Configure swaps the underlying zerolog logger. A nil Output keeps the
// current destination (syslog when it was reachable at startup).
func (l *Logger) Configure(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := cfg.Output
	if out == nil {
		out = defaultOutput
	}

	logger := newZerolog(cfg.Format, out).Level(parseLevel(cfg.Level))
	l.zlog = &logger
}

func (l *Logger) newEntry(level string, err error) *LogEntry {
	return &LogEntry{
		Level:  level,
		Err:    err,
		Fields: make(map[string]interface{}),
		logger: l,
	}
}

func (l *Logger) Error(err error) *LogEntry {
	return l.newEntry("error", err)
}

func (l *Logger) Warn() *LogEntry {
	return l.newEntry("warn", nil)
}

func (l *Logger) Info() *LogEntry {
	return l.newEntry("info", nil)
}

func (l *Logger) Debug() *LogEntry {
	return l.newEntry("debug", nil)
}

func (e *LogEntry) WithMessage(msg string) *LogEntry {
	e.Message = msg
	return e
}

func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.Fields[key] = value
	return e
}

func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithJob tags the entry with a transaction id. When a job logger is attached
// for that id the entry is mirrored into it.
func (e *LogEntry) WithJob(jobID string) *LogEntry {
	e.JobID = jobID
	return e
}

// Write finalizes the LogEntry and hands it to zerolog, copying a plain text
// rendition into the transaction's job logger first.
func (e *LogEntry) Write() {
	e.logger.mu.RLock()
	defer e.logger.mu.RUnlock()

	if e.JobID != "" {
		if jobLogger := GetExistingJobLogger(e.JobID); jobLogger != nil {
			jobLogger.Write(e.plain())
		}
		e.Fields["jobId"] = e.JobID
	}

	switch e.Level {
	case "debug":
		e.logger.zlog.Debug().Fields(e.Fields).Msg(e.Message)
	case "warn":
		e.logger.zlog.Warn().Fields(e.Fields).Msg(e.Message)
	case "error":
		e.logger.zlog.Error().Err(e.Err).Fields(e.Fields).Msg(e.Message)
	default:
		e.logger.zlog.Info().Fields(e.Fields).Msg(e.Message)
	}
}

func (e *LogEntry) plain() string {
	var sb strings.Builder

	sb.WriteString("[" + e.Level + "]")
	if e.Err != nil {
		sb.WriteString(" " + e.Err.Error())
		if e.Message != "" {
			sb.WriteString(":")
		}
	}
	if e.Message != "" {
		sb.WriteString(" " + e.Message)
	}
	if len(e.Fields) > 0 {
		sb.WriteString(fmt.Sprintf(" %v", e.Fields))
	}

	return sb.String()
}
