// Package gateway serves the local control surface: a websocket JSON-RPC
// endpoint for the wallet UI plus health and metrics over HTTP. The gateway
// is also the out-of-band authenticator for the authentication gate.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/basket/walletbridge/internal/audit"
	"github.com/basket/walletbridge/internal/authgate"
	"github.com/basket/walletbridge/internal/bridge"
	"github.com/basket/walletbridge/internal/bus"
	"github.com/basket/walletbridge/internal/confirm"
	"github.com/basket/walletbridge/internal/persistence"
	"github.com/basket/walletbridge/internal/session"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid     = 1000
	ErrCodeNotHead     = 1001
	ErrCodeUnavailable = 1002
)

// Bridge is the control surface of the running bridge.
type Bridge interface {
	Pair(ctx context.Context, uri string) error
	Disconnect(ctx context.Context, topic string) error
	Sessions() []session.Session
	Pending() []confirm.PendingRequest
	Head() (confirm.PendingRequest, bool)
	Approve(ctx context.Context, id string) error
	Reject(ctx context.Context, id string) error
}

// AuthGate exposes the authentication gate's state.
type AuthGate interface {
	State() authgate.State
	SetEnabled(ctx context.Context, enabled bool) error
}

// RequestLog lists answered requests.
type RequestLog interface {
	RecentRequests(ctx context.Context, limit int) ([]persistence.RequestRecord, error)
}

type Config struct {
	Bridge   Bridge
	Gate     AuthGate
	Requests RequestLog
	Bus      *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in system.status.
	ConfigFingerprint string

	// ChallengeTimeout is how long an authentication challenge waits for an
	// answer before it counts as cancelled. Zero means 60s.
	ChallengeTimeout time.Duration

	// PassphraseHash is a bcrypt hash; when set, approving a challenge
	// requires the passphrase.
	PassphraseHash string

	// RelayConnected reports the relay link state for health checks.
	RelayConnected func() bool

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	challengesMu     sync.Mutex
	challenges       map[string]*challenge
	challengeTimeout time.Duration
	passphraseHash   string

	busSub *bus.Subscription
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id,omitempty"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	Method  string      `json:"method,omitempty"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		clients:        map[*client]struct{}{},
		challenges:     map[string]*challenge{},
		passphraseHash: cfg.PassphraseHash,
	}
	s.SetChallengeTimeout(cfg.ChallengeTimeout)
	if cfg.Bus != nil {
		s.busSub = cfg.Bus.Subscribe("")
		go s.forwardBusEvents(s.busSub)
	}
	return s
}

// Close stops forwarding bus events.
func (s *Server) Close() {
	if s.busSub != nil {
		s.cfg.Bus.Unsubscribe(s.busSub)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/requests", s.handleAPIRequests)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Requests != nil {
		if _, err := s.cfg.Requests.RecentRequests(r.Context(), 1); err != nil {
			dbOK = false
		}
	}
	relayOK := true
	if s.cfg.RelayConnected != nil {
		relayOK = s.cfg.RelayConnected()
	}
	payload := map[string]any{
		"healthy":         dbOK,
		"db_ok":           dbOK,
		"relay_connected": relayOK,
		"sessions":        len(s.cfg.Bridge.Sessions()),
		"pending":         len(s.cfg.Bridge.Pending()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	st := s.cfg.Gate.State()

	payload := map[string]any{
		"sessions":           len(s.cfg.Bridge.Sessions()),
		"pending":            len(s.cfg.Bridge.Pending()),
		"pending_challenges": s.pendingChallengeCount(),
		"auth_enabled":       st.Enabled,
		"deny_total":         audit.DenyCount(),
		"control_clients":    s.clientCount(),
		"alloc_bytes":        mem.Alloc,
		"goroutines":         runtime.NumGoroutine(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	authEnabled := 0
	if s.cfg.Gate.State().Enabled {
		authEnabled = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP walletbridge_sessions Number of approved sessions.\n")
	fmt.Fprintf(w, "# TYPE walletbridge_sessions gauge\n")
	fmt.Fprintf(w, "walletbridge_sessions %d\n", len(s.cfg.Bridge.Sessions()))
	fmt.Fprintf(w, "# HELP walletbridge_pending Requests waiting for confirmation.\n")
	fmt.Fprintf(w, "# TYPE walletbridge_pending gauge\n")
	fmt.Fprintf(w, "walletbridge_pending %d\n", len(s.cfg.Bridge.Pending()))
	fmt.Fprintf(w, "# HELP walletbridge_auth_enabled Whether the authentication gate is on.\n")
	fmt.Fprintf(w, "# TYPE walletbridge_auth_enabled gauge\n")
	fmt.Fprintf(w, "walletbridge_auth_enabled %d\n", authEnabled)
	fmt.Fprintf(w, "# HELP walletbridge_deny_total Total deny decisions.\n")
	fmt.Fprintf(w, "# TYPE walletbridge_deny_total counter\n")
	fmt.Fprintf(w, "walletbridge_deny_total %d\n", audit.DenyCount())
	fmt.Fprintf(w, "# HELP walletbridge_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE walletbridge_alloc_bytes gauge\n")
	fmt.Fprintf(w, "walletbridge_alloc_bytes %d\n", mem.Alloc)
}

func (s *Server) handleAPIRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Requests == nil {
		http.Error(w, "request log unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	recs, err := s.cfg.Requests.RecentRequests(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"requests": recs})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			s.logger.Debug("ws: read error, closing", "error", err)
			return
		}
		s.logger.Info("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func isMutatingMethod(method string) bool {
	switch method {
	case "bridge.pair", "session.disconnect", "pending.approve", "pending.reject",
		"auth.set_enabled", "auth.respond":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	result, rpcErr := s.dispatch(ctx, c, req)
	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) dispatch(ctx context.Context, c *client, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		return map[string]any{
			"protocol":      "walletbridge-control",
			"version":       "1.0",
			"supported_min": "1.0",
			"supported_max": "1.0",
		}, nil

	case "system.status":
		relayOK := true
		if s.cfg.RelayConnected != nil {
			relayOK = s.cfg.RelayConnected()
		}
		return map[string]any{
			"config_fingerprint": s.cfg.ConfigFingerprint,
			"relay_connected":    relayOK,
			"sessions":           len(s.cfg.Bridge.Sessions()),
			"pending":            len(s.cfg.Bridge.Pending()),
			"auth":               s.authStatus(),
		}, nil

	case "bridge.pair":
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.URI == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "uri is required"}
		}
		if err := s.cfg.Bridge.Pair(ctx, p.URI); err != nil {
			return nil, &rpcError{Code: ErrCodeUnavailable, Message: err.Error()}
		}
		return map[string]any{"ok": true}, nil

	case "session.list":
		return map[string]any{"sessions": s.cfg.Bridge.Sessions()}, nil

	case "session.disconnect":
		var p struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Topic == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "topic is required"}
		}
		if err := s.cfg.Bridge.Disconnect(ctx, p.Topic); err != nil {
			// The session is gone locally even when the relay call failed.
			s.logger.Warn("ws: disconnect incomplete", "topic", p.Topic, "error", err)
		}
		return map[string]any{"ok": true}, nil

	case "pending.head":
		head, ok := s.cfg.Bridge.Head()
		if !ok {
			return map[string]any{"pending": nil}, nil
		}
		return map[string]any{"pending": head}, nil

	case "pending.list":
		return map[string]any{"pending": s.cfg.Bridge.Pending()}, nil

	case "pending.approve", "pending.reject":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "id is required"}
		}
		var err error
		if req.Method == "pending.approve" {
			err = s.cfg.Bridge.Approve(ctx, p.ID)
		} else {
			err = s.cfg.Bridge.Reject(ctx, p.ID)
		}
		if err != nil {
			if errors.Is(err, bridge.ErrNotHead) {
				return nil, &rpcError{Code: ErrCodeNotHead, Message: err.Error()}
			}
			return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
		}
		return map[string]any{"ok": true}, nil

	case "auth.status":
		return s.authStatus(), nil

	case "auth.set_enabled":
		var p struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Enabled == nil {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "enabled is required"}
		}
		if err := s.cfg.Gate.SetEnabled(ctx, *p.Enabled); err != nil {
			return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
		}
		audit.Record(ctx, audit.Allow, audit.ActionAuthMode, fmt.Sprintf("enabled=%t", *p.Enabled), "")
		s.notify(bus.TopicAuthUpdated, bus.AuthUpdatedEvent{Enabled: *p.Enabled})
		return s.authStatus(), nil

	case "auth.respond":
		var p struct {
			ChallengeID string `json:"challenge_id"`
			Approve     bool   `json:"approve"`
			Passphrase  string `json:"passphrase"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ChallengeID == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "challenge_id is required"}
		}
		if err := s.RespondToChallenge(p.ChallengeID, p.Approve, p.Passphrase); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
		}
		return map[string]any{"ok": true}, nil

	case "requests.recent":
		if s.cfg.Requests == nil {
			return nil, &rpcError{Code: ErrCodeUnavailable, Message: "request log unavailable"}
		}
		var p struct {
			Limit int `json:"limit"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			}
		}
		recs, err := s.cfg.Requests.RecentRequests(ctx, p.Limit)
		if err != nil {
			return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
		}
		return map[string]any{"requests": recs}, nil

	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found"}
	}
}

func (s *Server) authStatus() map[string]any {
	st := s.cfg.Gate.State()
	s.challengesMu.Lock()
	passphrase := s.passphraseHash != ""
	s.challengesMu.Unlock()
	return map[string]any{
		"enabled":                 st.Enabled,
		"cooldown_seconds":        int(st.Cooldown.Seconds()),
		"last_successful_auth_at": st.LastSuccessfulAuthAt,
		"passphrase_required":     passphrase,
		"pending_challenges":      s.pendingChallengeCount(),
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

// notify publishes on the bus when one is configured; otherwise it
// broadcasts directly.
func (s *Server) notify(topic string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
		return
	}
	if method, params, ok := notification(bus.Event{Topic: topic, Payload: payload}); ok {
		s.broadcast(method, params)
	}
}

// notification maps a bus event to a control-client notification.
func notification(ev bus.Event) (string, any, bool) {
	switch p := ev.Payload.(type) {
	case bus.PendingHeadEvent:
		if ev.Topic != bus.TopicPendingHead {
			return "", nil, false
		}
		if p.Empty {
			return "pending.head", map[string]any{"pending": nil, "depth": 0}, true
		}
		return "pending.head", map[string]any{
			"pending": map[string]any{"id": p.ID, "topic": p.Topic, "method": p.Method, "params": p.Params},
			"depth":   p.Depth,
		}, true
	case []confirm.PendingRequest:
		ids := make([]string, 0, len(p))
		for _, r := range p {
			ids = append(ids, r.ID)
		}
		return "pending.dropped", map[string]any{"ids": ids}, true
	case bus.SessionEvent:
		kind := ""
		switch ev.Topic {
		case bus.TopicSessionApproved:
			kind = "approved"
		case bus.TopicSessionDeleted:
			kind = "deleted"
		case bus.TopicProposalRejected:
			kind = "proposal_rejected"
		default:
			return "", nil, false
		}
		return "session.updated", map[string]any{
			"event":   kind,
			"topic":   p.Topic,
			"account": p.Account,
			"peer":    p.Peer,
			"reason":  p.Reason,
		}, true
	case bus.AuthChallengeEvent:
		return "auth.challenge", map[string]any{"challenge_id": p.ChallengeID, "reason": p.Reason}, true
	case bus.AuthUpdatedEvent:
		params := map[string]any{"enabled": p.Enabled}
		if p.ChallengeID != "" {
			params["challenge_id"] = p.ChallengeID
			params["outcome"] = p.Outcome
		}
		return "auth.updated", params, true
	default:
		return "", nil, false
	}
}

func (s *Server) forwardBusEvents(sub *bus.Subscription) {
	var reported uint64
	for ev := range sub.Ch() {
		if d := sub.Dropped(); d > reported {
			s.logger.Warn("ws: notifications dropped; control clients are behind", "dropped", d-reported)
			reported = d
		}
		if method, params, ok := notification(ev); ok {
			s.broadcast(method, params)
		}
	}
}

func (s *Server) broadcast(method string, params interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	s.logger.Debug("ws: broadcast", "method", method, "clients", len(s.clients))
	for c := range s.clients {
		if err := c.write(context.Background(), rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			s.logger.Error("ws: broadcast write error", "method", method, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// checkPassphrase verifies pass against the configured bcrypt hash.
func (s *Server) checkPassphrase(pass string) error {
	s.challengesMu.Lock()
	hash := s.passphraseHash
	s.challengesMu.Unlock()
	if hash == "" {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)); err != nil {
		return errors.New("passphrase mismatch")
	}
	return nil
}
