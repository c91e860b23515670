package gateway

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/basket/walletbridge/internal/config"
)

const (
	defaultCORSMaxAge = 600
	// Browsers cap preflight caching well below this; larger values are noise.
	maxCORSMaxAge = 86400
)

// corsPolicy is the compiled form of config.CORSConfig.
//
// Origins are matched case-insensitively, ignoring a trailing slash. An entry
// of the form "http://localhost:*" admits that scheme and host on any port,
// which covers dashboards served from a local dev server next to the
// loopback-bound gateway.
type corsPolicy struct {
	anyOrigin bool
	exact     map[string]bool
	anyPort   map[string]bool
	methods   map[string]bool

	methodsHeader string
	headersHeader string
	maxAgeHeader  string
}

func newCORSPolicy(cfg config.CORSConfig) *corsPolicy {
	p := &corsPolicy{
		exact:   make(map[string]bool),
		anyPort: make(map[string]bool),
		methods: make(map[string]bool),
	}
	for _, o := range cfg.AllowedOrigins {
		o = normalizeOrigin(o)
		switch {
		case o == "*":
			p.anyOrigin = true
		case strings.HasSuffix(o, ":*"):
			p.anyPort[strings.TrimSuffix(o, ":*")] = true
		case o != "":
			p.exact[o] = true
		}
	}

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		// The HTTP surface is read-only; mutations go over /ws.
		methods = []string{http.MethodGet, http.MethodHead}
	}
	allowed := make([]string, 0, len(methods))
	for _, m := range methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		allowed = append(allowed, m)
		p.methods[m] = true
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Authorization", "X-API-Key"}
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}
	if maxAge > maxCORSMaxAge {
		maxAge = maxCORSMaxAge
	}

	p.methodsHeader = strings.Join(allowed, ", ")
	p.headersHeader = strings.Join(headers, ", ")
	p.maxAgeHeader = strconv.Itoa(maxAge)
	return p
}

func normalizeOrigin(o string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
}

func (p *corsPolicy) allowsOrigin(origin string) bool {
	if p.anyOrigin {
		return true
	}
	origin = normalizeOrigin(origin)
	if p.exact[origin] {
		return true
	}
	if len(p.anyPort) == 0 {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return p.anyPort[u.Scheme+"://"+u.Hostname()]
}

// NewCORSMiddleware returns a pass-through wrapper when cfg is disabled.
//
// Preflights (OPTIONS carrying Access-Control-Request-Method) are answered
// here: 204 when the origin and method are allowed, 403 otherwise. Simple
// requests always reach the handler; a disallowed origin just gets no
// Access-Control-Allow-Origin, so the browser withholds the response.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	p := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")

			reqMethod := r.Header.Get("Access-Control-Request-Method")
			preflight := r.Method == http.MethodOptions && reqMethod != ""
			if !p.allowsOrigin(origin) {
				if preflight {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", origin)
			if !preflight {
				next.ServeHTTP(w, r)
				return
			}
			if !p.methods[strings.ToUpper(reqMethod)] {
				http.Error(w, "method not allowed", http.StatusForbidden)
				return
			}
			h.Set("Access-Control-Allow-Methods", p.methodsHeader)
			h.Set("Access-Control-Allow-Headers", p.headersHeader)
			h.Set("Access-Control-Max-Age", p.maxAgeHeader)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// RequestSizeLimitMiddleware caps request bodies at maxBytes (default 1MB).
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
