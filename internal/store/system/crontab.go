//go:build unix

package system

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Crontab reads and replaces the cron table of the current user, or of User
// when set.
type Crontab struct {
	User string
}

func (c *Crontab) args(extra ...string) []string {
	if c.User == "" {
		return extra
	}
	return append([]string{"-u", c.User}, extra...)
}

func (c *Crontab) Read(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "crontab", c.args("-l")...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(strings.ToLower(string(output)), "no crontab for") {
			return []string{}, nil
		}
		return nil, fmt.Errorf("crontab -l failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	normalized := strings.ReplaceAll(string(output), "\r\n", "\n")
	if strings.TrimSpace(normalized) == "" {
		return []string{}, nil
	}
	return strings.Split(strings.TrimRight(normalized, "\n"), "\n"), nil
}

func (c *Crontab) Write(ctx context.Context, lines []string) error {
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}

	cmd := exec.CommandContext(ctx, "crontab", c.args("-")...)
	cmd.Stdin = strings.NewReader(content)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("crontab update failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
