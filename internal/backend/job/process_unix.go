//go:build unix

package job

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// IsRunning reports whether pid refers to a live, non-zombie process. A
// process we may not signal still counts as alive.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	if _, err := unix.Getpgid(pid); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}

	return !isZombie(pid)
}

// isZombie reads the state field of /proc/<pid>/stat. Without procfs a
// process is assumed not to be a zombie.
func isZombie(pid int) bool {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}

	// The command name is parenthesised and may contain spaces.
	end := bytes.LastIndexByte(stat, ')')
	if end < 0 || end+2 >= len(stat) {
		return false
	}
	return stat[end+2] == 'Z'
}
