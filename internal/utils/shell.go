package utils

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// RunScript executes scriptPath with envVars appended to the current
// environment and returns its combined stdout and stderr. Files without the
// execute bit are handed to the interpreter named in their shebang, or sh.
func RunScript(ctx context.Context, scriptPath string, envVars []string) (string, error) {
	name, args := scriptPath, []string{}
	if unix.Access(scriptPath, unix.X_OK) != nil {
		interpreter, err := getInterpreterFromShebang(scriptPath)
		if err != nil {
			interpreter = []string{"sh"}
		}
		name, args = interpreter[0], append(interpreter[1:], scriptPath)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), envVars...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("failed to run script %s: %w", scriptPath, err)
	}

	return out.String(), nil
}

func getInterpreterFromShebang(scriptPath string) ([]string, error) {
	file, err := os.Open(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open script file: %w", err)
	}
	defer file.Close()

	firstLine, err := bufio.NewReader(file).ReadString('\n')
	if err != nil && firstLine == "" {
		return nil, fmt.Errorf("failed to read script file header: %w", err)
	}

	if !strings.HasPrefix(firstLine, "#!") {
		return nil, fmt.Errorf("no valid shebang found in %s", scriptPath)
	}

	parts := strings.Fields(strings.TrimPrefix(firstLine, "#!"))
	if len(parts) == 0 {
		return nil, fmt.Errorf("no valid shebang found in %s", scriptPath)
	}
	return parts, nil
}

func IsValidShellScriptWithShebang(scriptContent string) bool {
	firstLine, _, _ := strings.Cut(scriptContent, "\n")
	return strings.HasPrefix(firstLine, "#!") && len(strings.TrimSpace(firstLine)) > 2
}
