package syslog

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// JobLogger receives the human readable copy of every entry tagged with its
// transaction id. Inside a job process it is bound to stdout, which the
// launcher redirected into the transaction's _out.log.
type JobLogger struct {
	out   io.Writer
	jobID string

	sync.Mutex
}

var jobLoggers = xsync.NewMapOf[string, *JobLogger]()

// AttachJobLogger binds w to jobID, replacing any earlier binding.
func AttachJobLogger(jobID string, w io.Writer) *JobLogger {
	logger, _ := jobLoggers.Compute(jobID, func(_ *JobLogger, _ bool) (*JobLogger, bool) {
		return &JobLogger{out: w, jobID: jobID}, false
	})
	return logger
}

func GetExistingJobLogger(jobID string) *JobLogger {
	logger, _ := jobLoggers.Load(jobID)
	return logger
}

func (j *JobLogger) Write(message string) {
	j.Lock()
	defer j.Unlock()

	timestamp := time.Now().Format(time.RFC3339)
	_, _ = fmt.Fprintf(j.out, "%s: %s\n", timestamp, message)
}

// Close detaches the logger. The underlying writer is left open.
func (j *JobLogger) Close() {
	j.Lock()
	defer j.Unlock()

	jobLoggers.Delete(j.jobID)
}
