package httpserver

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ccmux/ccm/internal/config"
)

func callbackServer(t *testing.T) *Server {
	t.Helper()
	return testServer(t, gatewayConfig("http://127.0.0.1:0",
		config.ModelMapping{Priority: 1, Provider: "p1", ActualModel: "a"},
	))
}

func TestOAuthCallbackEscapesQueryValues(t *testing.T) {
	srv := callbackServer(t)
	target := "/api/oauth/callback?code=" + url.QueryEscape("<script>alert(1)</script>") +
		"&state=" + url.QueryEscape(`"><img src=x>`)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	body := rec.Body.String()
	if strings.Contains(body, "<script>") || strings.Contains(body, "<img") {
		t.Fatalf("query values rendered unescaped:\n%s", body)
	}
	if !strings.Contains(body, "&lt;script&gt;alert(1)&lt;/script&gt;") {
		t.Fatalf("escaped code missing from page:\n%s", body)
	}
}

func TestOAuthCallbackRequiresCode(t *testing.T) {
	srv := callbackServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/oauth/callback", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "missing code") {
		t.Fatalf("body = %s", rec.Body)
	}
}
