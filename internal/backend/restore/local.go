package restore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/goccy/go-json"
	"github.com/pbs-plus/pbx-backup/internal/backend/archive"
	"github.com/pbs-plus/pbx-backup/internal/backend/upload"
	"github.com/pbs-plus/pbx-backup/internal/store/types"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

var ErrUnknownFile = errors.New("unknown backup file")

// FileStore persists the local file index.
type FileStore interface {
	UpsertLocalFile(ctx context.Context, f types.LocalFile) error
	ReplaceLocalFiles(ctx context.Context, files []types.LocalFile) error
	GetLocalFile(ctx context.Context, id string) (types.LocalFile, error)
	DeleteLocalFile(ctx context.Context, id string) error
}

// File is one restorable archive as listed to callers.
type File struct {
	ID        string                 `json:"id"`
	Path      string                 `json:"path"`
	Name      string                 `json:"name"`
	Kind      archive.Kind           `json:"kind"`
	Timestamp int64                  `json:"timestamp"`
	Modules   []archive.ModuleStatus `json:"modules"`
}

// Index discovers archives on disk and keeps their ids resolvable.
type Index struct {
	store    FileStore
	dirs     []string
	patterns []glob.Glob
	modules  archive.ModuleChecker
}

func NewIndex(store FileStore, dirs []string, patterns []string, modules archive.ModuleChecker) (*Index, error) {
	idx := &Index{store: store, dirs: dirs, modules: modules}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid local file pattern %q: %w", p, err)
		}
		idx.patterns = append(idx.patterns, g)
	}
	return idx, nil
}

func (idx *Index) matches(name string) bool {
	for _, g := range idx.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// LocalFiles rescans every directory, rebuilds the index from scratch and
// returns what it found, newest first. Files that are not readable archives
// are skipped.
func (idx *Index) LocalFiles(ctx context.Context) ([]File, error) {
	seen := map[string]bool{}
	var found []File
	var records []types.LocalFile

	for _, dir := range idx.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// Hidden directories hold upload sessions, not archives.
			if d.IsDir() && path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if !d.Type().IsRegular() || seen[path] || !idx.matches(d.Name()) {
				return nil
			}
			seen[path] = true

			file, record, err := idx.describe(path)
			if err != nil {
				syslog.L.Debug().
					WithMessage("skipping unreadable backup file").
					WithFields(map[string]interface{}{"path": path, "error": err.Error()}).
					Write()
				return nil
			}
			found = append(found, file)
			records = append(records, record)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
	}

	if err := idx.store.ReplaceLocalFiles(ctx, records); err != nil {
		return nil, err
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Timestamp > found[j].Timestamp
	})
	if found == nil {
		found = []File{}
	}
	return found, nil
}

// Register indexes a single archive, typically one that just finished
// uploading.
func (idx *Index) Register(ctx context.Context, path string) (File, error) {
	file, record, err := idx.describe(path)
	if err != nil {
		return File{}, err
	}
	if err := idx.store.UpsertLocalFile(ctx, record); err != nil {
		return File{}, err
	}
	return file, nil
}

// OnUpload adapts Register to the upload completion callback.
func (idx *Index) OnUpload(ctx context.Context, res upload.Result) error {
	_, err := idx.Register(ctx, res.Path)
	return err
}

// PathFromID resolves a file id to a path that still exists.
func (idx *Index) PathFromID(ctx context.Context, id string) (string, error) {
	record, err := idx.store.GetLocalFile(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownFile, id)
	}
	if _, err := os.Stat(record.Path); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnknownFile, id, err)
	}
	return record.Path, nil
}

// Delete removes an indexed archive from disk and drops it from the index.
// A record whose file has already vanished is dropped as well.
func (idx *Index) Delete(ctx context.Context, id string) error {
	path, err := idx.PathFromID(ctx, id)
	if err != nil {
		if _, getErr := idx.store.GetLocalFile(ctx, id); getErr == nil {
			if delErr := idx.store.DeleteLocalFile(ctx, id); delErr != nil {
				return delErr
			}
		}
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	if err := idx.store.DeleteLocalFile(ctx, id); err != nil {
		return err
	}

	syslog.L.Info().
		WithMessage("deleted backup file").
		WithFields(map[string]interface{}{"id": id, "path": path}).
		Write()
	return nil
}

// Inspect returns restore planning data for an indexed file.
func (idx *Index) Inspect(ctx context.Context, id string) (*archive.Info, error) {
	path, err := idx.PathFromID(ctx, id)
	if err != nil {
		return nil, err
	}
	return archive.Inspect(path, idx.modules)
}

func (idx *Index) describe(path string) (File, types.LocalFile, error) {
	info, err := archive.Inspect(path, idx.modules)
	if err != nil {
		return File{}, types.LocalFile{}, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return File{}, types.LocalFile{}, err
	}

	file := File{
		ID:        upload.FileID(path),
		Path:      path,
		Name:      strings.ReplaceAll(filepath.Base(filepath.Dir(path)), "_", " "),
		Kind:      info.Kind,
		Timestamp: stat.ModTime().Unix(),
		Modules:   info.Modules,
	}

	record := types.LocalFile{
		ID:   file.ID,
		Path: path,
		Kind: string(info.Kind),
	}

	if info.Manifest != nil {
		if info.Manifest.Date != 0 {
			file.Timestamp = info.Manifest.Date
		}
		if info.Manifest.Name != "" {
			file.Name = info.Manifest.Name
		}
		if data, err := json.Marshal(info.Manifest); err == nil {
			record.Manifest = string(data)
		}
	}
	record.Name = file.Name
	record.Timestamp = file.Timestamp

	return file, record, nil
}
