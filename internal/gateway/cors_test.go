package gateway_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/walletbridge/internal/config"
	"github.com/basket/walletbridge/internal/gateway"
)

func TestCORS_PreflightHeaders(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://wallet.example"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Authorization"},
		MaxAge:         7200,
	})
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called for OPTIONS preflight")
	}))

	req := httptest.NewRequest("OPTIONS", "/api/requests", nil)
	req.Header.Set("Origin", "https://wallet.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	checks := map[string]string{
		"Access-Control-Allow-Origin":  "https://wallet.example",
		"Access-Control-Allow-Methods": "GET",
		"Access-Control-Allow-Headers": "Authorization",
		"Access-Control-Max-Age":       "7200",
	}
	for header, want := range checks {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://wallet.example"},
	})
	handler := wrap(okHandler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header, got %q", got)
	}
}

func TestCORS_Wildcard(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}})
	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	wrap(okHandler()).ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("expected echoed origin, got %q", got)
	}
}

func TestCORS_DisabledPassThrough(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: false, AllowedOrigins: []string{"*"}})
	req := httptest.NewRequest("OPTIONS", "/metrics", nil)
	req.Header.Set("Origin", "https://wallet.example")
	rec := httptest.NewRecorder()
	wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("disabled CORS must not intercept preflight, got %d", rec.Code)
	}
}

func preflight(t *testing.T, cfg config.CORSConfig, origin, method string) *httptest.ResponseRecorder {
	t.Helper()
	handler := gateway.NewCORSMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))
	req := httptest.NewRequest("OPTIONS", "/api/requests", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", method)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCORS_PreflightFromDisallowedOriginIsForbidden(t *testing.T) {
	rec := preflight(t, config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://wallet.example"},
	}, "https://evil.example", "GET")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header, got %q", got)
	}
}

func TestCORS_PreflightMethodNotAllowed(t *testing.T) {
	rec := preflight(t, config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://wallet.example"},
	}, "https://wallet.example", "POST")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("default methods are read-only; expected 403 for POST, got %d", rec.Code)
	}
}

func TestCORS_AnyPortOrigin(t *testing.T) {
	cfg := config.CORSConfig{Enabled: true, AllowedOrigins: []string{"http://localhost:*"}}
	tests := []struct {
		origin string
		want   int
	}{
		{"http://localhost:5173", http.StatusNoContent},
		{"http://LOCALHOST:3000", http.StatusNoContent},
		{"http://localhost", http.StatusNoContent},
		{"https://localhost:5173", http.StatusForbidden},
		{"http://localhost.evil.example:5173", http.StatusForbidden},
	}
	for _, tc := range tests {
		rec := preflight(t, cfg, tc.origin, "GET")
		if rec.Code != tc.want {
			t.Fatalf("origin %s: got %d, want %d", tc.origin, rec.Code, tc.want)
		}
	}
}

func TestCORS_OriginMatchIgnoresCaseAndTrailingSlash(t *testing.T) {
	rec := preflight(t, config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://Wallet.Example/"},
	}, "https://wallet.example", "get")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, HEAD" {
		t.Fatalf("default methods = %q", got)
	}
}

func TestCORS_MaxAgeDefaultAndClamp(t *testing.T) {
	tests := []struct {
		maxAge int
		want   string
	}{
		{0, "600"},
		{-5, "600"},
		{120, "120"},
		{1 << 20, "86400"},
	}
	for _, tc := range tests {
		rec := preflight(t, config.CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			MaxAge:         tc.maxAge,
		}, "https://wallet.example", "GET")
		if got := rec.Header().Get("Access-Control-Max-Age"); got != tc.want {
			t.Fatalf("max_age %d: got %q, want %q", tc.maxAge, got, tc.want)
		}
	}
}

func TestCORS_PlainOptionsReachesHandler(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}})
	req := httptest.NewRequest("OPTIONS", "/healthz", nil)
	req.Header.Set("Origin", "https://wallet.example")
	rec := httptest.NewRecorder()
	wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("OPTIONS without a request method is not a preflight; got %d", rec.Code)
	}
}

func TestCORS_DoesNotMutateConfig(t *testing.T) {
	cfg := config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}, AllowedMethods: []string{"get"}}
	gateway.NewCORSMiddleware(cfg)
	if cfg.AllowedMethods[0] != "get" {
		t.Fatalf("config slice was rewritten: %v", cfg.AllowedMethods)
	}
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	handler := gateway.RequestSizeLimitMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", bytes.NewReader([]byte("short"))))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", bytes.NewReader([]byte("much longer than eight bytes"))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
