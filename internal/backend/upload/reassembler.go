package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pbs-plus/pbx-backup/internal/metrics"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
	"github.com/pbs-plus/pbx-backup/internal/utils/securejoin"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/zeebo/xxh3"
)

type Status string

const (
	Accepted Status = "accepted"
	Complete Status = "complete"
)

type Chunk struct {
	UploadID string
	Index    int
	Total    int
	Filename string
	Data     io.Reader
}

type Result struct {
	Status   Status `json:"-"`
	Path     string `json:"path,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	ID       string `json:"id,omitempty"`
}

// CompleteFunc is called once per finished upload, outside the upload lock.
type CompleteFunc func(ctx context.Context, res Result) error

const (
	sessionsDir    = ".sessions"
	completeMarker = "complete.json"

	maxNameAttempts = 1000
)

// Reassembler stores upload chunks as separate files and concatenates them
// once the final chunk is signalled and every chunk is on disk. Chunks of an
// upload live in <dir>/.sessions/<upload id>; once reassembled, only a
// completion record stays there so a repeated final signal, even after a
// restart, returns the original result.
type Reassembler struct {
	dir        string
	onComplete CompleteFunc

	locks *xsync.MapOf[string, *sync.Mutex]
	now   func() time.Time
}

func NewReassembler(dir string, onComplete CompleteFunc) *Reassembler {
	return &Reassembler{
		dir:        dir,
		onComplete: onComplete,
		locks:      xsync.NewMapOf[string, *sync.Mutex](),
		now:        time.Now,
	}
}

// FileID is the local file index id of path.
func FileID(path string) string {
	return strconv.FormatUint(xxh3.HashString(path), 16)
}

func (r *Reassembler) Receive(ctx context.Context, c Chunk) (Result, error) {
	if err := validate(c); err != nil {
		metrics.UploadChunksTotal.WithLabelValues("invalid").Inc()
		return Result{}, err
	}

	sessionDir, err := securejoin.SecureJoin(filepath.Join(r.dir, sessionsDir), c.UploadID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
	}

	if res, ok := loadCompleted(sessionDir); ok {
		if c.Index+1 == c.Total {
			return res, nil
		}
		return Result{Status: Accepted}, nil
	}

	if err := writeChunk(sessionDir, c); err != nil {
		metrics.UploadChunksTotal.WithLabelValues("failed").Inc()
		return Result{}, &ReassemblyError{UploadID: c.UploadID, Reason: WriteFailure, Index: c.Index, Err: err}
	}
	metrics.UploadChunksTotal.WithLabelValues("stored").Inc()

	if c.Index+1 != c.Total {
		return Result{Status: Accepted}, nil
	}

	res, fresh, err := r.finish(sessionDir, c)
	if err != nil {
		return Result{}, err
	}

	if fresh && r.onComplete != nil {
		if err := r.onComplete(ctx, res); err != nil {
			syslog.L.Error(err).
				WithMessage("failed to register uploaded file").
				WithField("path", res.Path).
				Write()
		}
	}

	return res, nil
}

// PruneSessions removes session directories, finished or not, that were last
// touched before maxAge ago.
func (r *Reassembler) PruneSessions(maxAge time.Duration) error {
	root := filepath.Join(r.dir, sessionsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	threshold := r.now().Add(-maxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !entry.IsDir() || !info.ModTime().Before(threshold) {
			continue
		}

		lock, _ := r.locks.LoadOrStore(entry.Name(), &sync.Mutex{})
		lock.Lock()
		err = os.RemoveAll(filepath.Join(root, entry.Name()))
		lock.Unlock()
		r.locks.Delete(entry.Name())

		if err != nil {
			syslog.L.Warn().
				WithMessage("failed to prune upload session").
				WithField("upload", entry.Name()).
				WithField("error", err.Error()).
				Write()
		}
	}
	return nil
}

func validate(c Chunk) error {
	if !securejoin.IsSingleElement(c.UploadID) {
		return fmt.Errorf("%w: bad upload id %q", ErrInvalidChunk, c.UploadID)
	}
	// Hidden names are reserved for sessions and partial files.
	if !securejoin.IsSingleElement(c.Filename) || strings.HasPrefix(c.Filename, ".") {
		return fmt.Errorf("%w: bad filename %q", ErrInvalidChunk, c.Filename)
	}
	if c.Total <= 0 || c.Index < 0 || c.Index >= c.Total {
		return fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, c.Index, c.Total)
	}
	if c.Data == nil {
		return fmt.Errorf("%w: no data", ErrInvalidChunk)
	}
	return nil
}

func chunkPath(sessionDir, filename string, index int) string {
	return filepath.Join(sessionDir, filename+strconv.Itoa(index))
}

// writeChunk stages the data next to its final name so a concurrent
// reassembly never reads a half written chunk.
func writeChunk(sessionDir string, c Chunk) error {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(sessionDir, ".chunk-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, c.Data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), chunkPath(sessionDir, c.Filename, c.Index))
}

func loadCompleted(sessionDir string) (Result, bool) {
	data, err := os.ReadFile(filepath.Join(sessionDir, completeMarker))
	if err != nil {
		return Result{}, false
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil || res.Path == "" {
		return Result{}, false
	}
	res.Status = Complete
	return res, true
}

func storeCompleted(sessionDir string, res Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(sessionDir, ".complete-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(sessionDir, completeMarker))
}

func (r *Reassembler) finish(sessionDir string, c Chunk) (Result, bool, error) {
	lock, _ := r.locks.LoadOrStore(c.UploadID, &sync.Mutex{})
	lock.Lock()
	defer lock.Unlock()

	if res, ok := loadCompleted(sessionDir); ok {
		return res, false, nil
	}

	start := time.Now()
	res, err := r.concatenate(sessionDir, c)
	if err != nil {
		metrics.ReassemblyDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		syslog.L.Error(err).
			WithMessage("upload reassembly failed").
			WithFields(map[string]interface{}{"upload": c.UploadID, "filename": c.Filename}).
			Write()
		return Result{}, false, err
	}
	metrics.ReassemblyDuration.WithLabelValues("complete").Observe(time.Since(start).Seconds())

	if err := storeCompleted(sessionDir, res); err != nil {
		syslog.L.Warn().
			WithMessage("failed to record upload completion").
			WithFields(map[string]interface{}{"upload": c.UploadID, "error": err.Error()}).
			Write()
	}

	syslog.L.Info().
		WithMessage("upload reassembled").
		WithFields(map[string]interface{}{"upload": c.UploadID, "path": res.Path, "chunks": c.Total}).
		Write()

	return res, true, nil
}

func (r *Reassembler) concatenate(sessionDir string, c Chunk) (Result, error) {
	for i := 0; i < c.Total; i++ {
		if _, err := os.Stat(chunkPath(sessionDir, c.Filename, i)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Result{}, &ReassemblyError{UploadID: c.UploadID, Reason: MissingChunk, Index: i}
			}
			return Result{}, &ReassemblyError{UploadID: c.UploadID, Reason: WriteFailure, Index: i, Err: err}
		}
	}

	// Each upload assembles into its own temporary file; only the final link
	// claims a name in the upload directory.
	out, err := os.CreateTemp(r.dir, ".partial-*")
	if err != nil {
		return Result{}, &ReassemblyError{UploadID: c.UploadID, Reason: WriteFailure, Index: 0, Err: err}
	}
	partial := out.Name()
	defer os.Remove(partial)

	fail := func(index int, err error) (Result, error) {
		out.Close()
		return Result{}, &ReassemblyError{UploadID: c.UploadID, Reason: WriteFailure, Index: index, Err: err}
	}

	hash := sha256.New()
	w := io.MultiWriter(out, hash)

	for i := 0; i < c.Total; i++ {
		if err := appendFile(w, chunkPath(sessionDir, c.Filename, i)); err != nil {
			return fail(i, err)
		}
	}

	if err := out.Chmod(0o640); err != nil {
		return fail(c.Total-1, err)
	}
	if err := out.Sync(); err != nil {
		return fail(c.Total-1, err)
	}
	if err := out.Close(); err != nil {
		return Result{}, &ReassemblyError{UploadID: c.UploadID, Reason: WriteFailure, Index: c.Total - 1, Err: err}
	}

	dest, err := claimName(partial, r.dir, c.Filename)
	if err != nil {
		return Result{}, &ReassemblyError{UploadID: c.UploadID, Reason: WriteFailure, Index: c.Total - 1, Err: err}
	}

	for i := 0; i < c.Total; i++ {
		_ = os.Remove(chunkPath(sessionDir, c.Filename, i))
	}

	return Result{
		Status:   Complete,
		Path:     dest,
		Checksum: hex.EncodeToString(hash.Sum(nil)),
		ID:       FileID(dest),
	}, nil
}

// claimName hard links src into dir under filename, or under name-N.ext when
// that is taken. An existing file is never replaced.
func claimName(src, dir, filename string) (string, error) {
	base, ext := filename, ""
	if i := strings.Index(filename, "."); i > 0 {
		base, ext = filename[:i], filename[i:]
	}

	for n := 0; n < maxNameAttempts; n++ {
		name := filename
		if n > 0 {
			name = fmt.Sprintf("%s-%d%s", base, n, ext)
		}

		dest := filepath.Join(dir, name)
		err := os.Link(src, dest)
		if err == nil {
			return dest, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %s in %s", filename, dir)
}

func appendFile(w io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	_, err = io.Copy(w, in)
	return err
}
