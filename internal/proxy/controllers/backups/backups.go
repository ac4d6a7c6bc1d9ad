//go:build unix

package backups

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pbs-plus/pbx-backup/internal/backend/job"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers"
	"github.com/pbs-plus/pbx-backup/internal/store/sqlite"
	"github.com/pbs-plus/pbx-backup/internal/store/types"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

type RunResponse struct {
	Status      bool   `json:"status"`
	Message     string `json:"message"`
	Transaction string `json:"transaction"`
	BackupID    string `json:"backupid"`
	PID         int    `json:"pid"`
	Log         string `json:"log"`
}

func ListHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := b.Database.GetAllBackups(r.Context())
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteData(w, all)
	}
}

func GetHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		def, err := b.Database.GetBackup(r.Context(), id)
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}

		settings, err := b.Registry.ListBackupSettings(r.Context(), id)
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		def.ItemsSettings = settings

		controllers.WriteData(w, def)
	}
}

// SaveHandler creates the definition when its id is empty or unknown and
// updates it otherwise.
func SaveHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def types.BackupDefinition
		if err := controllers.DecodeJSON(w, r, &def); err != nil {
			controllers.WriteErrorResponse(w, fmt.Errorf("%w: %v", sqlite.ErrInvalidBackup, err))
			return
		}

		ctx := r.Context()
		exists := false
		if def.ID != "" {
			_, err := b.Database.GetBackup(ctx, def.ID)
			switch {
			case err == nil:
				exists = true
			case !sqlite.IsNotFound(err):
				controllers.WriteErrorResponse(w, err)
				return
			}
		}

		var err error
		code := http.StatusOK
		if exists {
			err = b.Database.UpdateBackup(ctx, def)
		} else {
			def, err = b.Database.CreateBackup(ctx, def)
			code = http.StatusCreated
		}
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}

		if len(def.ItemsSettings) > 0 {
			if err := b.Registry.ProcessBackupSettings(ctx, def.ID, def.ItemsSettings); err != nil {
				controllers.WriteErrorResponse(w, err)
				return
			}
		}

		if err := syncSchedule(ctx, b); err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}

		saved, err := b.Database.GetBackup(ctx, def.ID)
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSON(w, code, controllers.Response{Status: code, Success: true, Data: saved})
	}
}

func DeleteHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := b.Database.DeleteBackup(r.Context(), chi.URLParam(r, "id")); err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		if err := syncSchedule(r.Context(), b); err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSON(w, http.StatusOK, controllers.Response{Status: http.StatusOK, Success: true})
	}
}

// RunHandler launches a backup job and answers as soon as the process runs.
func RunHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		def, err := b.Database.GetBackup(r.Context(), id)
		if err != nil {
			controllers.WriteStatusError(w, err)
			return
		}

		var flags []string
		if def.WarmSpareEnabled || r.URL.Query().Get("warmspare") == "true" {
			flags = append(flags, "--warmspare")
		}

		tx, err := b.Launcher.Launch(r.Context(), job.KindBackup, def.ID, flags)
		if err != nil {
			controllers.WriteStatusError(w, err)
			return
		}

		controllers.WriteJSON(w, http.StatusOK, RunResponse{
			Status:      true,
			Message:     "Backup started",
			Transaction: tx.ID,
			BackupID:    def.ID,
			PID:         tx.PID,
			Log:         tx.InitialLog,
		})
	}
}

func syncSchedule(ctx context.Context, b *controllers.Backend) error {
	all, err := b.Database.GetAllBackups(ctx)
	if err != nil {
		return err
	}
	if err := b.Schedule.Sync(ctx, all); err != nil {
		syslog.L.Error(err).WithMessage("failed to sync backup schedules").Write()
		return err
	}
	return nil
}
