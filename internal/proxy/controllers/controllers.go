//go:build unix

package controllers

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/pbs-plus/pbx-backup/internal/backend/hooks"
	"github.com/pbs-plus/pbx-backup/internal/backend/job"
	"github.com/pbs-plus/pbx-backup/internal/backend/registry"
	"github.com/pbs-plus/pbx-backup/internal/backend/restore"
	"github.com/pbs-plus/pbx-backup/internal/backend/schedule"
	"github.com/pbs-plus/pbx-backup/internal/backend/status"
	"github.com/pbs-plus/pbx-backup/internal/backend/upload"
	"github.com/pbs-plus/pbx-backup/internal/store/sqlite"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

// Backend is everything the HTTP handlers call into. It is assembled once by
// the serve command.
type Backend struct {
	Database      *sqlite.Database
	Registry      *registry.Registry
	Schedule      *schedule.Synchronizer
	Launcher      *job.Launcher
	Streamer      *status.Streamer
	Uploads       *upload.Reassembler
	Files         *restore.Index
	Hooks         hooks.Source
	KeyDir        string
	MaxChunkBytes int64
}

type Response struct {
	Status  int    `json:"status"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// StatusResponse is the boolean-status shape used by job launches and
// uploads.
type StatusResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message,omitempty"`
}

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		syslog.L.Error(err).WithMessage("failed to write response body").Write()
	}
}

func WriteData(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{Status: http.StatusOK, Success: true, Data: data})
}

// ErrorCode maps known failures to an HTTP status.
func ErrorCode(err error) int {
	switch {
	case sqlite.IsNotFound(err), errors.Is(err, restore.ErrUnknownFile):
		return http.StatusNotFound
	case errors.Is(err, sqlite.ErrInvalidBackup),
		errors.Is(err, job.ErrInvalidSubject),
		errors.Is(err, job.ErrInvalidKind),
		errors.Is(err, hooks.ErrInvalidPhase),
		errors.Is(err, upload.ErrInvalidChunk):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrOneInstance), errors.Is(err, upload.ErrReassembly):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func WriteErrorResponse(w http.ResponseWriter, err error) {
	code := ErrorCode(err)
	if code == http.StatusInternalServerError {
		syslog.L.Error(err).WithMessage("request failed").Write()
	}
	WriteJSON(w, code, Response{Status: code, Success: false, Message: err.Error()})
}

// WriteStatusError answers in the boolean-status shape.
func WriteStatusError(w http.ResponseWriter, err error) {
	WriteJSON(w, ErrorCode(err), StatusResponse{Status: false, Message: err.Error()})
}

// DecodeJSON reads a request body into v, capped at 1 MiB.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
