package httpserver

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ccmux/ccm/internal/auth"
	"github.com/ccmux/ccm/internal/config"
	"github.com/ccmux/ccm/internal/provider/registry"
	"github.com/ccmux/ccm/internal/router"
)

// ReloadableState is the per-request snapshot of everything hot reload can
// replace. In-flight requests keep the snapshot they started with.
type ReloadableState struct {
	Config   config.AppConfig
	Router   *router.Router
	Registry *registry.Registry
}

// StateHolder swaps ReloadableState atomically. The token store, config
// path and tracer live outside it and survive reloads.
type StateHolder struct {
	configPath string
	manager    *auth.Manager

	mu    sync.RWMutex
	state *ReloadableState
}

// NewStateHolder builds the initial state from an already-loaded config.
func NewStateHolder(configPath string, cfg config.AppConfig, manager *auth.Manager) (*StateHolder, error) {
	state, err := buildState(cfg, manager)
	if err != nil {
		return nil, err
	}
	return &StateHolder{configPath: configPath, manager: manager, state: state}, nil
}

// Snapshot returns the current state. One atomic read per request.
func (h *StateHolder) Snapshot() *ReloadableState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// ConfigPath returns the process-start-time config path.
func (h *StateHolder) ConfigPath() string { return h.configPath }

// Reload re-reads the config file and swaps in a fresh router and
// registry. The write lock is held only for the pointer swap.
func (h *StateHolder) Reload() error {
	cfg, err := config.Load(h.configPath)
	if err != nil {
		return err
	}
	state, err := buildState(cfg, h.manager)
	if err != nil {
		return fmt.Errorf("httpserver: rebuild state: %w", err)
	}
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
	log.Printf("[ccm/server] configuration reloaded from %s (%d providers, %d models)",
		h.configPath, len(cfg.Providers), len(cfg.Models))
	return nil
}

func buildState(cfg config.AppConfig, manager *auth.Manager) (*ReloadableState, error) {
	reg, err := registry.New(cfg, manager)
	if err != nil {
		return nil, err
	}
	return &ReloadableState{
		Config:   cfg,
		Router:   router.New(cfg),
		Registry: reg,
	}, nil
}

// watchDebounce coalesces the burst of fsnotify events most editors emit
// per save into one reload.
const watchDebounce = 200 * time.Millisecond

// Watch reloads on config file writes until stop is closed. Editors often
// replace files via rename, so the path is re-added after such events.
func (h *StateHolder) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("httpserver: create config watcher: %w", err)
	}
	if err := watcher.Add(h.configPath); err != nil {
		watcher.Close()
		return fmt.Errorf("httpserver: watch %s: %w", h.configPath, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if event.Op&fsnotify.Rename != 0 {
					_ = watcher.Add(h.configPath)
				}
				timer := time.NewTimer(watchDebounce)
			drain:
				for {
					select {
					case <-stop:
						timer.Stop()
						return
					case ev, ok := <-watcher.Events:
						if !ok {
							timer.Stop()
							return
						}
						if ev.Op&fsnotify.Rename != 0 {
							_ = watcher.Add(h.configPath)
						}
						if !timer.Stop() {
							<-timer.C
						}
						timer.Reset(watchDebounce)
					case <-timer.C:
						break drain
					}
				}
				if err := h.Reload(); err != nil {
					log.Printf("[ccm/server] config watch reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[ccm/server] config watcher: %v", err)
			}
		}
	}()
	return nil
}
