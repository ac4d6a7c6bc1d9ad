package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// Writer produces a gzip compressed current-format archive. The manifest is
// written last by Close, after all module payloads.
type Writer struct {
	path    string
	partial string

	file *os.File
	gz   *gzip.Writer
	tw   *tar.Writer

	now  time.Time
	dirs map[string]bool
}

// Create starts an archive at filePath. Nothing appears at filePath until
// Close succeeds.
func Create(filePath string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	partial := filePath + ".partial"
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}

	gz := gzip.NewWriter(file)
	w := &Writer{
		path:    filePath,
		partial: partial,
		file:    file,
		gz:      gz,
		tw:      tar.NewWriter(gz),
		now:     time.Now(),
		dirs:    make(map[string]bool),
	}

	if err := w.mkdir(ManifestDir); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

func (w *Writer) mkdir(name string) error {
	if name == "." || name == "" || w.dirs[name] {
		return nil
	}
	if parent := path.Dir(name); parent != "." {
		if err := w.mkdir(parent); err != nil {
			return err
		}
	}

	if err := w.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     0o755,
		ModTime:  w.now,
	}); err != nil {
		return fmt.Errorf("failed to write directory header %s: %w", name, err)
	}
	w.dirs[name] = true
	return nil
}

// AddBytes stores data as modules/<module>/<name>.
func (w *Writer) AddBytes(module, name string, data []byte) error {
	entry := path.Join(ModulesDir, module, name)
	if err := w.mkdir(path.Dir(entry)); err != nil {
		return err
	}

	if err := w.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     entry,
		Size:     int64(len(data)),
		Mode:     0o640,
		ModTime:  w.now,
	}); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", entry, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", entry, err)
	}
	return nil
}

// AddFile copies the regular file at src to modules/<module>/<name>.
func (w *Writer) AddFile(module, name, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	return w.addReader(module, name, info, file)
}

func (w *Writer) addReader(module, name string, info fs.FileInfo, r io.Reader) error {
	entry := path.Join(ModulesDir, module, name)
	if err := w.mkdir(path.Dir(entry)); err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", entry, err)
	}
	header.Name = entry

	if err := w.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", entry, err)
	}
	if _, err := io.Copy(w.tw, r); err != nil {
		return fmt.Errorf("failed to copy %s to archive: %w", entry, err)
	}
	return nil
}

// Close writes the manifest and moves the archive into place.
func (w *Writer) Close(manifest Manifest) error {
	manifest.Kind = KindCurrent
	if manifest.Date == 0 {
		manifest.Date = w.now.Unix()
	}
	if manifest.Modules == nil {
		manifest.Modules = []ModuleEntry{}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		w.Abort()
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := w.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     ManifestPath,
		Size:     int64(len(data)),
		Mode:     0o640,
		ModTime:  w.now,
	}); err != nil {
		w.Abort()
		return fmt.Errorf("failed to write manifest header: %w", err)
	}
	if _, err := w.tw.Write(data); err != nil {
		w.Abort()
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	for _, c := range []io.Closer{w.tw, w.gz, w.file} {
		if err := c.Close(); err != nil {
			w.Abort()
			return fmt.Errorf("failed to finish archive: %w", err)
		}
	}

	if err := os.Rename(w.partial, w.path); err != nil {
		_ = os.Remove(w.partial)
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

// Abort discards the partially written archive.
func (w *Writer) Abort() {
	_ = w.file.Close()
	_ = os.Remove(w.partial)
}
