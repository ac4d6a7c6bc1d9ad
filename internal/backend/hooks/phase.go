package hooks

import (
	"errors"
	"fmt"
)

type Phase string

const (
	PreBackup   Phase = "preBackup"
	PostBackup  Phase = "postBackup"
	PreRestore  Phase = "preRestore"
	PostRestore Phase = "postRestore"
)

var Phases = []Phase{PreBackup, PostBackup, PreRestore, PostRestore}

var ErrInvalidPhase = errors.New("invalid hook phase")

func ParsePhase(s string) (Phase, error) {
	for _, p := range Phases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPhase, s)
}

// EnvName is the legacy environment variable listing extra hooks for the
// phase.
func (p Phase) EnvName() string {
	switch p {
	case PreBackup:
		return "BACKUPPREHOOKS"
	case PostBackup:
		return "BACKUPPOSTHOOKS"
	case PreRestore:
		return "RESTOREPREHOOKS"
	case PostRestore:
		return "RESTOREPOSTHOOKS"
	}
	return ""
}

func phaseFromTag(when, what string) Phase {
	switch when + ":" + what {
	case "pre:backup":
		return PreBackup
	case "post:backup":
		return PostBackup
	case "pre:restore":
		return PreRestore
	case "post:restore":
		return PostRestore
	}
	return ""
}
