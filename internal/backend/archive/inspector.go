package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pbs-plus/pbx-backup/internal/utils/securejoin"
)

var (
	ErrManifestUnavailable = errors.New("archive has no readable manifest")
	ErrNotArchive          = errors.New("not a tar archive")
)

var gzipMagic = []byte{0x1f, 0x8b}

// maxManifestSize bounds how much of a manifest entry is read into memory.
const maxManifestSize = 16 << 20

// openArchive returns a tar reader over path, transparently unwrapping gzip
// based on the leading magic bytes rather than the file name.
func openArchive(filePath string) (*tar.Reader, func(), error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open archive: %w", err)
	}

	buffered := bufio.NewReader(file)
	closers := []io.Closer{file}
	var reader io.Reader = buffered

	head, _ := buffered.Peek(len(gzipMagic))
	if bytes.Equal(head, gzipMagic) {
		gzReader, err := gzip.NewReader(buffered)
		if err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		closers = append(closers, gzReader)
		reader = gzReader
	}

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}
	return tar.NewReader(reader), closeAll, nil
}

func entryName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

// Classify reports whether path is a current-format archive, which is
// recognised by a top level modulejson directory entry.
func Classify(filePath string) (Kind, error) {
	tr, closeAll, err := openArchive(filePath)
	if err != nil {
		return "", err
	}
	defer closeAll()

	sawEntry := false
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !sawEntry {
				return "", fmt.Errorf("%w: %v", ErrNotArchive, err)
			}
			return "", fmt.Errorf("failed to read tar entry: %w", err)
		}
		sawEntry = true

		if header.Typeflag == tar.TypeDir && entryName(header.Name) == ManifestDir {
			return KindCurrent, nil
		}
	}

	if !sawEntry {
		return "", ErrNotArchive
	}
	return KindLegacy, nil
}

// ExtractManifest decodes modulejson/manifest.json. Every failure, including a
// legacy layout or a manifest missing its required fields, is reported as
// ErrManifestUnavailable.
func ExtractManifest(filePath string) (*Manifest, error) {
	kind, err := Classify(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}
	if kind != KindCurrent {
		return nil, fmt.Errorf("%w: legacy layout", ErrManifestUnavailable)
	}

	tr, closeAll, err := openArchive(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}
	defer closeAll()

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
		}

		if header.Typeflag != tar.TypeReg || entryName(header.Name) != ManifestPath {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(tr, maxManifestSize))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
		}

		var manifest Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
		}
		if err := manifest.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
		}
		manifest.Kind = KindCurrent
		return &manifest, nil
	}

	return nil, ErrManifestUnavailable
}

// Info is the restore planning view of an archive.
type Info struct {
	Kind     Kind           `json:"kind"`
	Manifest *Manifest      `json:"manifest,omitempty"`
	Modules  []ModuleStatus `json:"modules"`
}

// Inspect classifies filePath and, for current archives, attaches the
// manifest. A current archive with an unreadable manifest is reported as
// legacy.
func Inspect(filePath string, checker ModuleChecker) (*Info, error) {
	kind, err := Classify(filePath)
	if err != nil {
		return nil, err
	}

	info := &Info{Kind: kind, Modules: []ModuleStatus{}}
	if kind != KindCurrent {
		return info, nil
	}

	manifest, err := ExtractManifest(filePath)
	if err != nil {
		if errors.Is(err, ErrManifestUnavailable) {
			info.Kind = KindLegacy
			return info, nil
		}
		return nil, err
	}

	info.Manifest = manifest
	info.Modules = ModulesFromManifest(manifest, checker)
	return info, nil
}

// ExtractModules unpacks every modules/<name>/... entry into destDir/<name>.
// Entry names are joined with securejoin so none can escape destDir.
func ExtractModules(filePath, destDir string) error {
	tr, closeAll, err := openArchive(filePath)
	if err != nil {
		return err
	}
	defer closeAll()

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		rel, ok := strings.CutPrefix(entryName(header.Name), ModulesDir+"/")
		if !ok || rel == "" {
			continue
		}

		dest, err := securejoin.SecureJoin(destDir, rel)
		if err != nil {
			return fmt.Errorf("invalid file path in archive: %s: %w", header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o750); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, dest, header); err != nil {
				return fmt.Errorf("failed to extract %s: %w", header.Name, err)
			}
		}
	}
}

func extractFile(r io.Reader, dest string, header *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode).Perm()|0o600)
	if err != nil {
		return err
	}

	if _, err := io.CopyN(out, r, header.Size); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
