package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pbs-plus/pbx-backup/internal/utils/securejoin"
)

const FilesModule = "files"

// SettingsStore persists per backup module settings.
type SettingsStore interface {
	GetModuleSettings(ctx context.Context, backupID, module string) (map[string]string, error)
	SetModuleSettings(ctx context.Context, backupID, module string, settings map[string]string) error
}

// FilesHandler backs up plain directories: the configured ones plus any a
// backup lists under its "paths" setting.
type FilesHandler struct {
	Paths    []string
	Root     string
	Settings SettingsStore
}

func NewFilesHandler(paths []string, settings SettingsStore) *FilesHandler {
	return &FilesHandler{Paths: paths, Root: "/", Settings: settings}
}

func (f *FilesHandler) Version() string { return "1.0.0" }

func (f *FilesHandler) ListBackupSettings(ctx context.Context, backupID string) (map[string]string, error) {
	settings := map[string]string{}
	if f.Settings != nil {
		stored, err := f.Settings.GetModuleSettings(ctx, backupID, FilesModule)
		if err != nil {
			return nil, err
		}
		for k, v := range stored {
			settings[k] = v
		}
	}
	settings["default_paths"] = strings.Join(f.Paths, ",")
	return settings, nil
}

func (f *FilesHandler) ProcessBackupSettings(ctx context.Context, backupID string, settings map[string]string) error {
	for _, p := range splitPaths(settings["paths"]) {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("path %q must be absolute", p)
		}
	}
	if f.Settings == nil {
		return nil
	}
	return f.Settings.SetModuleSettings(ctx, backupID, FilesModule, map[string]string{"paths": settings["paths"]})
}

func splitPaths(s string) []string {
	var paths []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, filepath.Clean(p))
		}
	}
	return paths
}

func (f *FilesHandler) paths(ctx context.Context, backupID string) ([]string, error) {
	paths := append([]string(nil), f.Paths...)
	if f.Settings != nil {
		stored, err := f.Settings.GetModuleSettings(ctx, backupID, FilesModule)
		if err != nil {
			return nil, err
		}
		paths = append(paths, splitPaths(stored["paths"])...)
	}
	return paths, nil
}

// Export stores every regular file below the selected paths under its
// absolute path, minus the leading slash.
func (f *FilesHandler) Export(ctx context.Context, backupID string, w ModuleWriter) error {
	paths, err := f.paths(ctx, backupID)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == root {
					return fs.SkipDir
				}
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !d.Type().IsRegular() || seen[path] {
				return nil
			}
			seen[path] = true
			return w.AddFile(FilesModule, strings.TrimPrefix(path, "/"), path)
		})
		if err != nil {
			return fmt.Errorf("failed to export %s: %w", root, err)
		}
	}
	return nil
}

// Import copies the extracted tree back below Root.
func (f *FilesHandler) Import(ctx context.Context, dir string) error {
	root := f.Root
	if root == "" {
		root = "/"
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		dest, err := securejoin.SecureJoin(root, rel)
		if err != nil {
			return err
		}
		return copyFile(path, dest)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
