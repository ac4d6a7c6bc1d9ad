//go:build unix

package restores

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/pbs-plus/pbx-backup/internal/backend/job"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers"
)

type RunResponse struct {
	Status      bool   `json:"status"`
	Message     string `json:"message"`
	Transaction string `json:"transaction"`
	RestoreID   string `json:"restoreid"`
	PID         int    `json:"pid"`
	Log         string `json:"log"`
}

// LocalHandler rescans the backup and upload directories.
func LocalHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := b.Files.LocalFiles(r.Context())
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteData(w, files)
	}
}

func InspectHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := b.Files.Inspect(r.Context(), chi.URLParam(r, "fileid"))
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteData(w, info)
	}
}

func RunHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID := chi.URLParam(r, "fileid")
		path, err := b.Files.PathFromID(r.Context(), fileID)
		if err != nil {
			controllers.WriteStatusError(w, err)
			return
		}

		tx, err := b.Launcher.Launch(r.Context(), job.KindRestore, path, nil)
		if err != nil {
			controllers.WriteStatusError(w, err)
			return
		}

		controllers.WriteJSON(w, http.StatusOK, RunResponse{
			Status:      true,
			Message:     "Restore started",
			Transaction: tx.ID,
			RestoreID:   fileID,
			PID:         tx.PID,
			Log:         tx.InitialLog,
		})
	}
}

// DeleteHandler removes an indexed archive from disk.
func DeleteHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := b.Files.Delete(r.Context(), chi.URLParam(r, "fileid")); err != nil {
			controllers.WriteStatusError(w, err)
			return
		}
		controllers.WriteJSON(w, http.StatusOK, controllers.StatusResponse{Status: true, Message: "File deleted"})
	}
}

// DownloadHandler streams an indexed archive as an attachment.
func DownloadHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := b.Files.PathFromID(r.Context(), chi.URLParam(r, "fileid"))
		if err != nil {
			controllers.WriteStatusError(w, err)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			controllers.WriteStatusError(w, fmt.Errorf("failed to open backup file: %w", err))
			return
		}
		defer f.Close()

		stat, err := f.Stat()
		if err != nil {
			controllers.WriteStatusError(w, fmt.Errorf("failed to stat backup file: %w", err))
			return
		}

		name := filepath.Base(path)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		http.ServeContent(w, r, name, stat.ModTime(), f)
	}
}
