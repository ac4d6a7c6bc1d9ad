package securejoin

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotAllowed  = errors.New("path component not allowed")
	ErrSymlinkLoop = errors.New("symbolic link loop detected")
)

// SecureJoin joins an untrusted relative path onto baseDir. Parent
// references are refused outright and symlinks are resolved component by
// component so the result can never leave baseDir.
func SecureJoin(baseDir, unsafePath string) (string, error) {
	if !filepath.IsAbs(baseDir) {
		return "", errors.New("base directory must be absolute")
	}
	baseDir = filepath.Clean(baseDir)

	// Resolve the base itself so a symlinked base dir still compares equal.
	if resolved, err := filepath.EvalSymlinks(baseDir); err == nil {
		baseDir = resolved
	}

	unsafePath = strings.ReplaceAll(unsafePath, "\\", "/")
	parts := strings.Split(strings.TrimLeft(unsafePath, "/"), "/")

	result := baseDir
	visited := make(map[string]bool)

	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		if part == ".." {
			return "", ErrNotAllowed
		}

		nextPath := filepath.Join(result, part)

		evalPath, err := filepath.EvalSymlinks(nextPath)
		if err != nil {
			if os.IsNotExist(err) {
				result = nextPath
				continue
			}
			return "", err
		}

		if visited[evalPath] {
			return "", ErrSymlinkLoop
		}
		visited[evalPath] = true

		if !within(baseDir, evalPath) {
			return "", ErrNotAllowed
		}

		result = evalPath
	}

	return result, nil
}

// IsSingleElement reports whether name can be used as one file name inside a
// directory without escaping it.
func IsSingleElement(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, "/\\\x00") && !strings.Contains(name, "..")
}

func within(base, path string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(base, "/")+"/")
}
