package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ccmux/ccm/internal/config"
	"github.com/ccmux/ccm/internal/trace"
)

func writeGatewayConfig(t *testing.T, path, upstreamURL, actualModel string) {
	t.Helper()
	data := fmt.Sprintf(`
[router]
default = "main"

[[providers]]
name = "p1"
provider_type = "openai"
api_key = "k"
base_url = %q

[[models]]
name = "main"
[[models.mappings]]
priority = 1
provider = "p1"
actual_model = %q
`, upstreamURL, actualModel)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func fileBackedServer(t *testing.T, path string) (*Server, *StateHolder) {
	t.Helper()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	holder, err := NewStateHolder(path, cfg, nil)
	if err != nil {
		t.Fatalf("NewStateHolder: %v", err)
	}
	return New(holder, nil, trace.New(config.TracingConfig{})), holder
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	var upstreamModels []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		upstreamModels = append(upstreamModels, body.Model)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionOK))
	}))
	defer upstream.Close()

	path := filepath.Join(t.TempDir(), "config.toml")
	writeGatewayConfig(t, path, upstream.URL, "model-a")
	srv, holder := fileBackedServer(t, path)

	body := `{"model":"main","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`
	if rec := postMessages(t, srv, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("pre-reload status = %d, body = %s", rec.Code, rec.Body)
	}

	old := holder.Snapshot()
	writeGatewayConfig(t, path, upstream.URL, "model-b")

	req := httptest.NewRequest(http.MethodPost, "/api/reload", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d, body = %s", rec.Code, rec.Body)
	}

	if holder.Snapshot() == old {
		t.Fatalf("snapshot pointer not swapped by reload")
	}
	// a request that started before the reload keeps its snapshot
	oldModel, ok := old.Config.FindModel("main")
	if !ok || oldModel.Mappings[0].ActualModel != "model-a" {
		t.Fatalf("old snapshot mutated: %+v", oldModel)
	}

	if rec := postMessages(t, srv, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("post-reload status = %d, body = %s", rec.Code, rec.Body)
	}
	if len(upstreamModels) != 2 || upstreamModels[0] != "model-a" || upstreamModels[1] != "model-b" {
		t.Fatalf("upstream models = %v, want [model-a model-b]", upstreamModels)
	}
}

func TestReloadFailureKeepsServingOldState(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionOK))
	}))
	defer upstream.Close()

	path := filepath.Join(t.TempDir(), "config.toml")
	writeGatewayConfig(t, path, upstream.URL, "model-a")
	srv, holder := fileBackedServer(t, path)
	old := holder.Snapshot()

	if err := os.WriteFile(path, []byte("[router]\n# no default\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/reload", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("reload status = %d, want 500", rec.Code)
	}
	if holder.Snapshot() != old {
		t.Fatalf("invalid config replaced the running state")
	}

	body := `{"model":"main","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`
	if rec := postMessages(t, srv, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("dispatch after failed reload = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestPutConfigValidatesBeforeApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeGatewayConfig(t, path, "http://127.0.0.1:0", "model-a")
	srv, holder := fileBackedServer(t, path)
	old := holder.Snapshot()

	req := httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader("[router]\n# missing default\n"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid config status = %d, want 400", rec.Code)
	}
	if holder.Snapshot() != old {
		t.Fatalf("invalid config was applied")
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(onDisk), "model-a") {
		t.Fatalf("invalid config overwrote the file:\n%s", onDisk)
	}

	valid := strings.ReplaceAll(string(onDisk), "model-a", "model-b")
	req = httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader(valid))
	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid config status = %d, body = %s", rec.Code, rec.Body)
	}
	m, ok := holder.Snapshot().Config.FindModel("main")
	if !ok || m.Mappings[0].ActualModel != "model-b" {
		t.Fatalf("updated config not applied: %+v", m)
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeGatewayConfig(t, path, "http://127.0.0.1:0", "model-a")
	_, holder := fileBackedServer(t, path)

	stop := make(chan struct{})
	defer close(stop)
	if err := holder.Watch(stop); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// two quick writes land inside one debounce window
	writeGatewayConfig(t, path, "http://127.0.0.1:0", "model-b")
	writeGatewayConfig(t, path, "http://127.0.0.1:0", "model-b")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := holder.Snapshot().Config.FindModel("main"); ok && m.Mappings[0].ActualModel == "model-b" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("watcher never applied the updated config")
}
