package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/ccmux/ccm/internal/config"
)

// defaultMaxBytes caps a single log file at 50 MiB before same-day rollover.
const defaultMaxBytes = 50 << 20

// Setup points the standard logger at stderr plus, when configured, a
// rotating file under log_file. CCM_LOG overrides the configured level.
func Setup(cfg config.ServerConfig) error {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	level := cfg.LogLevel
	if env := os.Getenv("CCM_LOG"); env != "" {
		level = env
	}
	if strings.EqualFold(level, "debug") {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	if strings.TrimSpace(cfg.LogFile) == "" {
		log.SetOutput(os.Stderr)
		return nil
	}

	path := cfg.LogFile
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("logging: resolve home: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}
	writer, err := NewRotatingWriter(path, defaultMaxBytes)
	if err != nil {
		return fmt.Errorf("logging: open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, writer))
	return nil
}
