// Package pidfile tracks the running daemon through ~/.claude-code-mux/ccm.pid.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ccmux/ccm/internal/config"
)

// Path returns the PID file location.
func Path() (string, error) {
	dir, err := config.AppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ccm.pid"), nil
}

// Write records the current process id.
func Write() error {
	path, err := Path()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Read returns the recorded pid.
func Read() (int, error) {
	path, err := Path()
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: invalid contents: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file if present.
func Remove() error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Running reports whether the recorded process is alive. A stale file
// (dead pid) reports false.
func Running() (int, bool) {
	pid, err := Read()
	if err != nil {
		return 0, false
	}
	return pid, IsProcessRunning(pid)
}

// IsProcessRunning probes a pid with signal 0.
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
