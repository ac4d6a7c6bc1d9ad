package hooks

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

var hookTag = regexp.MustCompile(`(pre|post):(backup|restore)`)

// Source yields the ordered hook queue for a phase.
type Source interface {
	Collect(phase Phase) ([]string, error)
}

// Collector discovers hooks from the configured lists and a hook directory.
type Collector struct {
	Dir string
	Env map[Phase][]string
}

func NewCollector(dir string, env map[Phase][]string) *Collector {
	return &Collector{Dir: dir, Env: env}
}

// Collect returns the configured entries for phase followed by the tagged
// files in the hook directory, in name order.
func (c *Collector) Collect(phase Phase) ([]string, error) {
	queue := c.envEntries(phase)

	tagged, err := scanDir(c.Dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range tagged {
		if entry.phase == phase {
			queue = append(queue, entry.path)
		}
	}

	return queue, nil
}

func (c *Collector) envEntries(phase Phase) []string {
	queue := []string{}
	for _, item := range c.Env[phase] {
		if item = strings.TrimSpace(item); item != "" {
			queue = append(queue, item)
		}
	}
	return queue
}

type taggedHook struct {
	path  string
	phase Phase
}

func scanDir(dir string) ([]taggedHook, error) {
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read hook directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var tagged []taggedHook
	for _, name := range names {
		path := filepath.Join(dir, name)

		// Stat follows symlinks, ReadDir's type bits do not.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if unix.Access(path, unix.R_OK|unix.X_OK) != nil {
			continue
		}

		if phase := detectPhase(path); phase != "" {
			tagged = append(tagged, taggedHook{path: path, phase: phase})
		}
	}

	return tagged, nil
}

// detectPhase returns the phase of the first tag found in the file, or "".
func detectPhase(path string) Phase {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if m := hookTag.FindStringSubmatch(scanner.Text()); m != nil {
			return phaseFromTag(m[1], m[2])
		}
	}
	return ""
}
