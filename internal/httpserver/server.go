// Package httpserver exposes the gateway's Anthropic-compatible API plus
// the admin and OAuth endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ccmux/ccm/internal/auth"
	"github.com/ccmux/ccm/internal/trace"
)

// Server wires the HTTP surface to the reloadable gateway state.
type Server struct {
	holder  *StateHolder
	manager *auth.Manager
	tracer  *trace.Tracer
}

// New builds a server around the state holder.
func New(holder *StateHolder, manager *auth.Manager, tracer *trace.Tracer) *Server {
	return &Server{holder: holder, manager: manager, tracer: tracer}
}

// Routes assembles the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.Get("/config", s.handleGetConfig)
		api.Put("/config", s.handlePutConfig)
		api.Post("/reload", s.handleReload)
		api.Get("/providers", s.handleProviders)
		api.Post("/oauth/authorize", s.handleOAuthAuthorize)
		api.Post("/oauth/exchange", s.handleOAuthExchange)
		api.Get("/oauth/callback", s.handleOAuthCallback)
		api.Get("/oauth/status", s.handleOAuthStatus)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully. A
// secondary listener on 127.0.0.1:1455 serves only the OAuth callback;
// failing to bind it is not fatal since it matters only during OAuth
// flows and another gateway instance may own the port.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	callback := s.startCallbackListener()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[ccm/server] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if callback != nil {
		_ = callback.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpserver: shutdown: %w", err)
	}
	return nil
}

func (s *Server) startCallbackListener() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/callback", s.handleOAuthCallback)

	ln, err := net.Listen("tcp", "127.0.0.1:1455")
	if err != nil {
		log.Printf("[ccm/server] oauth callback listener unavailable on 127.0.0.1:1455: %v", err)
		return nil
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[ccm/server] oauth callback listener: %v", err)
		}
	}()
	return srv
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError emits the Anthropic-style error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"type": "error", "message": message},
	})
}
