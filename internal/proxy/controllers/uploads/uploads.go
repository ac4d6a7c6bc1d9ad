//go:build unix

package uploads

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/pbs-plus/pbx-backup/internal/backend/upload"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers"
)

type CompleteResponse struct {
	Status   bool   `json:"status"`
	Checksum string `json:"checksum"`
	ID       string `json:"id"`
	Path     string `json:"path"`
}

// memoryLimit is how much of a multipart body is kept in memory before
// spilling to temp files.
const memoryLimit = 8 << 20

// ChunkHandler accepts one chunk of a resumable upload.
func ChunkHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.MaxChunkBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, b.MaxChunkBytes+memoryLimit)
		}
		if err := r.ParseMultipartForm(memoryLimit); err != nil {
			controllers.WriteStatusError(w, fmt.Errorf("%w: %v", upload.ErrInvalidChunk, err))
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			controllers.WriteStatusError(w, fmt.Errorf("%w: missing file: %v", upload.ErrInvalidChunk, err))
			return
		}
		defer file.Close()

		index, err := strconv.Atoi(r.FormValue("dzchunkindex"))
		if err != nil {
			controllers.WriteStatusError(w, fmt.Errorf("%w: bad dzchunkindex", upload.ErrInvalidChunk))
			return
		}
		total, err := strconv.Atoi(r.FormValue("dztotalchunkcount"))
		if err != nil {
			controllers.WriteStatusError(w, fmt.Errorf("%w: bad dztotalchunkcount", upload.ErrInvalidChunk))
			return
		}

		filename := r.FormValue("filename")
		if filename == "" {
			filename = header.Filename
		}

		res, err := b.Uploads.Receive(r.Context(), upload.Chunk{
			UploadID: r.FormValue("dzuuid"),
			Index:    index,
			Total:    total,
			Filename: filename,
			Data:     file,
		})
		if err != nil {
			controllers.WriteStatusError(w, err)
			return
		}

		if res.Status != upload.Complete {
			controllers.WriteJSON(w, http.StatusCreated, controllers.StatusResponse{Status: true})
			return
		}
		controllers.WriteJSON(w, http.StatusOK, CompleteResponse{
			Status:   true,
			Checksum: res.Checksum,
			ID:       res.ID,
			Path:     res.Path,
		})
	}
}
