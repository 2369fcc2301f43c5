// Package statusline maintains the last_routing.json snapshot consumed by
// the Claude Code statusline script, and installs the script itself.
package statusline

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ccmux/ccm/internal/config"
)

//go:embed statusline.sh
var script []byte

const recentWindow = 20

type snapshot struct {
	Model     string   `json:"model"`
	Provider  string   `json:"provider"`
	RouteType string   `json:"route_type"`
	Timestamp string   `json:"timestamp"`
	Recent    []string `json:"recent"`
}

// WriteRoutingInfo records one successful dispatch. The recent history is
// read back from the existing file so it survives restarts; failures are
// logged and swallowed, the snapshot is best-effort.
func WriteRoutingInfo(model, providerName, routeType string) {
	dir, err := config.AppDir()
	if err != nil {
		log.Printf("[ccm/statusline] resolve app dir: %v", err)
		return
	}
	path := filepath.Join(dir, "last_routing.json")

	var recent []string
	if existing, err := os.ReadFile(path); err == nil {
		var prev snapshot
		if json.Unmarshal(existing, &prev) == nil {
			recent = prev.Recent
		}
	}
	recent = append([]string{fmt.Sprintf("%s@%s", model, providerName)}, recent...)
	if len(recent) > recentWindow {
		recent = recent[:recentWindow]
	}

	data, err := json.Marshal(snapshot{
		Model:     model,
		Provider:  providerName,
		RouteType: routeType,
		Timestamp: time.Now().Format("15:04:05"),
		Recent:    recent,
	})
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("[ccm/statusline] write routing info: %v", err)
	}
}

// Install writes the statusline script into the app directory and returns
// its path for the user to reference from Claude Code settings.
func Install() (string, error) {
	dir, err := config.AppDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "statusline.sh")
	if err := os.WriteFile(path, script, 0o755); err != nil {
		return "", fmt.Errorf("statusline: write script: %w", err)
	}
	return path, nil
}
