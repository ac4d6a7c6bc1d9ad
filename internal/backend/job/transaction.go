package job

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
	"github.com/pbs-plus/pbx-backup/internal/store/constants"
)

type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBackup, KindRestore:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Transaction identifies one launched backup or restore attempt. It lives
// only as long as the two log files it names.
type Transaction struct {
	ID         string `json:"transaction"`
	Kind       Kind   `json:"kind"`
	SubjectID  string `json:"subject"`
	PID        int    `json:"pid"`
	OutLog     string `json:"-"`
	ErrLog     string `json:"-"`
	InitialLog string `json:"log"`
}

// LogPaths returns <logDir>/<kind>_<tx>_out.log and <logDir>/<kind>_<tx>_err.log.
func LogPaths(logDir string, kind Kind, transactionID string) (string, string) {
	prefix := fmt.Sprintf("%s_%s", kind, transactionID)
	return filepath.Join(logDir, prefix+"_out.log"), filepath.Join(logDir, prefix+"_err.log")
}

func NewTransactionID() string {
	return uuid.New().String()
}

// ValidTransactionID guards log path construction against caller input.
func ValidTransactionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}

var subjectPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidSubjectID reports whether id is safe to place on a command line and in
// a lock file name.
func ValidSubjectID(id string) bool {
	return subjectPattern.MatchString(id) && id != "." && id != ".."
}

// Args builds the job entry point arguments. An empty transaction id is
// omitted, which is how scheduled invocations are written.
func Args(kind Kind, subject, transactionID string, extraFlags []string) []string {
	args := []string{constants.JobSubcommand, fmt.Sprintf("--%s=%s", kind, subject)}
	if transactionID != "" {
		args = append(args, "--transaction="+transactionID)
	}
	return append(args, extraFlags...)
}
