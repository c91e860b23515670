package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/basket/walletbridge/internal/authgate"
	"github.com/basket/walletbridge/internal/bridge"
	"github.com/basket/walletbridge/internal/confirm"
	"github.com/basket/walletbridge/internal/gateway"
	"github.com/basket/walletbridge/internal/persistence"
	"github.com/basket/walletbridge/internal/session"
)

const gatewayTestAuthToken = "gateway-test-token"

type rpcReq struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErr         `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type fakeBridge struct {
	mu           sync.Mutex
	pending      []confirm.PendingRequest
	sessions     []session.Session
	decided      []string
	paired       []string
	disconnected []string
}

func (b *fakeBridge) Pair(ctx context.Context, uri string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paired = append(b.paired, uri)
	return nil
}

func (b *fakeBridge) Disconnect(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = append(b.disconnected, topic)
	return nil
}

func (b *fakeBridge) Sessions() []session.Session { return b.sessions }

func (b *fakeBridge) Pending() []confirm.PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]confirm.PendingRequest(nil), b.pending...)
}

func (b *fakeBridge) Head() (confirm.PendingRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return confirm.PendingRequest{}, false
	}
	return b.pending[0], true
}

func (b *fakeBridge) decide(id, verb string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 || b.pending[0].ID != id {
		return bridge.ErrNotHead
	}
	b.pending = b.pending[1:]
	b.decided = append(b.decided, verb+":"+id)
	return nil
}

func (b *fakeBridge) Approve(ctx context.Context, id string) error { return b.decide(id, "approve") }
func (b *fakeBridge) Reject(ctx context.Context, id string) error  { return b.decide(id, "reject") }

type fakeGate struct {
	mu      sync.Mutex
	enabled bool
}

func (g *fakeGate) State() authgate.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return authgate.State{Enabled: g.enabled, Cooldown: time.Minute}
}

func (g *fakeGate) SetEnabled(ctx context.Context, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
	return nil
}

type fakeRequestLog struct {
	recs []persistence.RequestRecord
	err  error
}

func (l *fakeRequestLog) RecentRequests(ctx context.Context, limit int) ([]persistence.RequestRecord, error) {
	return l.recs, l.err
}

func newTestServer(t *testing.T, mutate func(*gateway.Config)) (*gateway.Server, *fakeBridge, *httptest.Server) {
	t.Helper()
	fb := &fakeBridge{
		pending: []confirm.PendingRequest{
			{ID: "topic-a/1", Topic: "topic-a", Method: "chia_send", ArrivalIndex: 1},
			{ID: "topic-a/2", Topic: "topic-a", Method: "chia_signMessageByAddress", ArrivalIndex: 2},
		},
	}
	cfg := gateway.Config{
		Bridge:            fb,
		Gate:              &fakeGate{},
		Requests:          &fakeRequestLog{},
		AuthToken:         gatewayTestAuthToken,
		ConfigFingerprint: "abc123",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := gateway.New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, fb, ts
}

func connectWS(t *testing.T, serverURL string, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dialOpts := &websocket.DialOptions{}
	if token != "" {
		dialOpts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + token},
		}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+serverURL[len("http"):]+"/ws", dialOpts)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "test done")
	})
	return conn
}

func sendHello(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	resp := call(t, conn, 1000, "system.hello", map[string]any{"version": "1.0"})
	if resp.Error != nil {
		t.Fatalf("system.hello returned error: %+v", resp.Error)
	}
}

// call writes one request and reads until the response carrying id arrives,
// skipping notifications.
func call(t *testing.T, conn *websocket.Conn, id int, method string, params any) rpcResp {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, rpcReq{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	for {
		var resp rpcResp
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			t.Fatalf("read %s: %v", method, err)
		}
		if resp.Method != "" {
			continue
		}
		if n, ok := resp.ID.(float64); ok && int(n) == id {
			return resp
		}
	}
}

// readNotification reads until a notification named method arrives.
func readNotification(t *testing.T, conn *websocket.Conn, method string) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var msg rpcResp
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("waiting for %s: %v", method, err)
		}
		if msg.Method == method {
			return msg.Params
		}
	}
}

func TestGateway_WSRejectsMissingOrInvalidAuth(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, token := range []string{"", "wrong-token"} {
		opts := &websocket.DialOptions{}
		if token != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
		}
		_, resp, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", opts)
		if err == nil {
			t.Fatalf("token %q: expected dial to fail", token)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %+v", token, resp)
		}
	}
}

func TestGateway_EmptyConfiguredTokenRejectsEveryone(t *testing.T) {
	_, _, ts := newTestServer(t, func(cfg *gateway.Config) { cfg.AuthToken = "" })
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer ")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestGateway_MutatingRequiresHandshake(t *testing.T) {
	_, fb, ts := newTestServer(t, nil)
	conn := connectWS(t, ts.URL, gatewayTestAuthToken)

	resp := call(t, conn, 1, "pending.approve", map[string]any{"id": "topic-a/1"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("expected invalid request before hello, got %+v", resp)
	}
	if len(fb.Pending()) != 2 {
		t.Fatal("queue must be untouched before handshake")
	}

	// Reads are allowed without the handshake.
	resp = call(t, conn, 2, "pending.head", nil)
	if resp.Error != nil {
		t.Fatalf("pending.head: %+v", resp.Error)
	}
}

func TestGateway_DisconnectUnknownTopicSucceeds(t *testing.T) {
	_, fb, ts := newTestServer(t, nil)
	conn := connectWS(t, ts.URL, gatewayTestAuthToken)
	sendHello(t, conn)

	for i, topic := range []string{"never-paired", "never-paired"} {
		resp := call(t, conn, i+1, "session.disconnect", map[string]any{"topic": topic})
		if resp.Error != nil {
			t.Fatalf("disconnect %d: %+v", i, resp.Error)
		}
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.disconnected) != 2 {
		t.Fatalf("expected both disconnects forwarded, got %v", fb.disconnected)
	}
}

func TestGateway_PendingApproveAndReject(t *testing.T) {
	_, fb, ts := newTestServer(t, nil)
	conn := connectWS(t, ts.URL, gatewayTestAuthToken)
	sendHello(t, conn)

	resp := call(t, conn, 1, "pending.head", nil)
	var head struct {
		Pending *confirm.PendingRequest `json:"pending"`
	}
	if err := json.Unmarshal(resp.Result, &head); err != nil {
		t.Fatalf("unmarshal head: %v", err)
	}
	if head.Pending == nil || head.Pending.ID != "topic-a/1" {
		t.Fatalf("unexpected head: %s", resp.Result)
	}

	resp = call(t, conn, 2, "pending.approve", map[string]any{"id": "topic-a/2"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeNotHead {
		t.Fatalf("expected not-head error, got %+v", resp)
	}

	if resp = call(t, conn, 3, "pending.approve", map[string]any{"id": "topic-a/1"}); resp.Error != nil {
		t.Fatalf("approve: %+v", resp.Error)
	}
	if resp = call(t, conn, 4, "pending.reject", map[string]any{"id": "topic-a/2"}); resp.Error != nil {
		t.Fatalf("reject: %+v", resp.Error)
	}
	if resp = call(t, conn, 5, "pending.reject", map[string]any{}); resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalid {
		t.Fatalf("expected invalid params, got %+v", resp)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	want := []string{"approve:topic-a/1", "reject:topic-a/2"}
	if strings.Join(fb.decided, ",") != strings.Join(want, ",") {
		t.Fatalf("decided = %v, want %v", fb.decided, want)
	}
}

func TestGateway_InvalidRequestValidation(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	conn := connectWS(t, ts.URL, gatewayTestAuthToken)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, map[string]any{"jsonrpc": "1.0", "id": 9, "method": "system.status"}); err != nil {
		t.Fatal(err)
	}
	var resp rpcResp
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp)
	}

	resp = call(t, conn, 10, "chia_send", nil)
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp)
	}
}

func TestGateway_SystemStatus(t *testing.T) {
	_, _, ts := newTestServer(t, func(cfg *gateway.Config) {
		cfg.RelayConnected = func() bool { return false }
	})
	conn := connectWS(t, ts.URL, gatewayTestAuthToken)

	resp := call(t, conn, 1, "system.status", nil)
	if resp.Error != nil {
		t.Fatalf("system.status: %+v", resp.Error)
	}
	var st struct {
		ConfigFingerprint string `json:"config_fingerprint"`
		RelayConnected    bool   `json:"relay_connected"`
		Pending           int    `json:"pending"`
	}
	if err := json.Unmarshal(resp.Result, &st); err != nil {
		t.Fatal(err)
	}
	if st.ConfigFingerprint != "abc123" || st.RelayConnected || st.Pending != 2 {
		t.Fatalf("unexpected status: %s", resp.Result)
	}
}

func TestGateway_AuthChallengeApprovedWithPassphrase(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv, _, ts := newTestServer(t, func(cfg *gateway.Config) {
		cfg.PassphraseHash = string(hash)
	})
	conn := connectWS(t, ts.URL, gatewayTestAuthToken)
	sendHello(t, conn)

	done := make(chan error, 1)
	go func() { done <- srv.Challenge(context.Background(), "chia_send") }()

	var ch struct {
		ChallengeID string `json:"challenge_id"`
		Reason      string `json:"reason"`
	}
	if err := json.Unmarshal(readNotification(t, conn, "auth.challenge"), &ch); err != nil {
		t.Fatal(err)
	}
	if ch.ChallengeID == "" || ch.Reason != "chia_send" {
		t.Fatalf("unexpected challenge: %+v", ch)
	}

	resp := call(t, conn, 1, "auth.respond", map[string]any{
		"challenge_id": ch.ChallengeID,
		"approve":      true,
		"passphrase":   "correct horse",
	})
	if resp.Error != nil {
		t.Fatalf("auth.respond: %+v", resp.Error)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected challenge to pass, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("challenge did not resolve")
	}
}

func TestGateway_AuthChallengeWrongPassphraseDenies(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv, _, ts := newTestServer(t, func(cfg *gateway.Config) {
		cfg.PassphraseHash = string(hash)
	})
	conn := connectWS(t, ts.URL, gatewayTestAuthToken)
	sendHello(t, conn)

	done := make(chan error, 1)
	go func() { done <- srv.Challenge(context.Background(), "chia_signMessageById") }()

	var ch struct {
		ChallengeID string `json:"challenge_id"`
	}
	if err := json.Unmarshal(readNotification(t, conn, "auth.challenge"), &ch); err != nil {
		t.Fatal(err)
	}
	resp := call(t, conn, 1, "auth.respond", map[string]any{
		"challenge_id": ch.ChallengeID,
		"approve":      true,
		"passphrase":   "battery staple",
	})
	if resp.Error == nil {
		t.Fatal("expected wrong passphrase to be reported")
	}
	if err := <-done; err == nil {
		t.Fatal("expected challenge to fail")
	}

	// The challenge is gone once resolved.
	resp = call(t, conn, 2, "auth.respond", map[string]any{"challenge_id": ch.ChallengeID, "approve": true})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalid {
		t.Fatalf("expected unknown challenge, got %+v", resp)
	}
}

func TestGateway_AuthChallengeTimesOut(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	srv.SetChallengeTimeout(50 * time.Millisecond)

	err := srv.Challenge(context.Background(), "chia_send")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv.SetChallengeTimeout(time.Minute)
	if err := srv.Challenge(ctx, "chia_send"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGateway_AuthSetEnabledBroadcasts(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	conn := connectWS(t, ts.URL, gatewayTestAuthToken)
	sendHello(t, conn)
	observer := connectWS(t, ts.URL, gatewayTestAuthToken)
	sendHello(t, observer)

	resp := call(t, conn, 1, "auth.set_enabled", map[string]any{"enabled": true})
	if resp.Error != nil {
		t.Fatalf("auth.set_enabled: %+v", resp.Error)
	}
	var st struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(resp.Result, &st); err != nil || !st.Enabled {
		t.Fatalf("unexpected result %s (%v)", resp.Result, err)
	}
	if err := json.Unmarshal(readNotification(t, observer, "auth.updated"), &st); err != nil || !st.Enabled {
		t.Fatalf("observer did not see the change: %v", err)
	}

	if resp = call(t, conn, 2, "auth.set_enabled", map[string]any{}); resp.Error == nil {
		t.Fatal("expected missing enabled to be rejected")
	}
}

func TestHealthzEndpointContract(t *testing.T) {
	_, _, ts := newTestServer(t, func(cfg *gateway.Config) {
		cfg.RelayConnected = func() bool { return true }
	})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"healthy", "db_ok", "relay_connected", "sessions", "pending"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("healthz missing %q: %v", key, body)
		}
	}
}

func TestHealthzEndpoint_UnhealthyStore(t *testing.T) {
	_, _, ts := newTestServer(t, func(cfg *gateway.Config) {
		cfg.Requests = &fakeRequestLog{err: errors.New("database is locked")}
	})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoints_RequireAuth(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	for _, path := range []string{"/metrics", "/metrics/prometheus", "/api/requests"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, resp.StatusCode)
		}
	}
}

func TestPrometheusMetricsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/metrics/prometheus", nil)
	req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := string(raw)
	for _, want := range []string{"walletbridge_sessions 0", "walletbridge_pending 2", "walletbridge_auth_enabled 0"} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestAPIRequests(t *testing.T) {
	_, _, ts := newTestServer(t, func(cfg *gateway.Config) {
		cfg.Requests = &fakeRequestLog{recs: []persistence.RequestRecord{
			{Topic: "topic-a", RequestID: "1", Method: "chia_getWallets", Outcome: persistence.OutcomeOK},
		}}
	})
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/requests?limit=5", nil)
	req.Header.Set("X-API-Key", gatewayTestAuthToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Requests []persistence.RequestRecord `json:"requests"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Requests) != 1 || body.Requests[0].Method != "chia_getWallets" {
		t.Fatalf("unexpected requests: %+v", body.Requests)
	}
}
