package upload

import (
	"errors"
	"fmt"
)

var (
	ErrReassembly   = errors.New("upload reassembly failed")
	ErrInvalidChunk = errors.New("invalid upload chunk")
)

type Reason string

const (
	MissingChunk Reason = "missingChunk"
	WriteFailure Reason = "writeFailure"
)

// ReassemblyError reports why an upload could not be finished. Chunk files
// that were not yet appended are left on disk.
type ReassemblyError struct {
	UploadID string
	Reason   Reason
	Index    int
	Err      error
}

func (e *ReassemblyError) Error() string {
	switch e.Reason {
	case MissingChunk:
		return fmt.Sprintf("upload %s: chunk %d is missing", e.UploadID, e.Index)
	default:
		if e.Err != nil {
			return fmt.Sprintf("upload %s: failed to write chunk %d: %v", e.UploadID, e.Index, e.Err)
		}
		return fmt.Sprintf("upload %s: failed to write chunk %d", e.UploadID, e.Index)
	}
}

func (e *ReassemblyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrReassembly}
	}
	return []error{ErrReassembly, e.Err}
}
