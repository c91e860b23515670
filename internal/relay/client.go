package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// ErrNotConnected is returned by calls made while the relay link is down.
var ErrNotConnected = errors.New("relay: not connected")

// Outbound call names.
const (
	callPair           = "pair"
	callApproveSession = "approveSession"
	callRejectSession  = "rejectSession"
	callRespond        = "respond"
	callDisconnect     = "disconnect"
)

const (
	defaultMaxBackoff  = 30 * time.Second
	defaultCallTimeout = 15 * time.Second
	eventBuffer        = 64
)

// CallError is an error reply from the relay.
type CallError struct {
	Method  string
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("relay %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// Config configures a Client.
type Config struct {
	URL string
	// Token is sent as a bearer token on the websocket handshake when set.
	Token       string
	MaxBackoff  time.Duration
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Client is a JSON-RPC 2.0 link to a session relay. It implements the
// transport used by the session manager and the dispatcher's responder.
type Client struct {
	cfg    Config
	logger *slog.Logger
	events chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
}

// frame is any message on the relay link.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// inbound mirrors frame with params left raw for decoding by method.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// NewClient builds a Client. Call Run to connect.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay: url is required")
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		events:  make(chan Event, eventBuffer),
		pending: make(map[string]chan frame),
	}, nil
}

// Events delivers inbound notifications. It is closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether the relay link is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and serves the link until ctx is cancelled, reconnecting with
// capped exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	attempt := 0
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		delay := Backoff(attempt, c.cfg.MaxBackoff)
		attempt++
		c.logger.Warn("relay: connection lost; retrying", "backoff", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Backoff returns the delay before reconnect attempt n: 1s doubling up to limit.
func Backoff(attempt int, limit time.Duration) time.Duration {
	d := time.Second
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

func (c *Client) connectAndServe(ctx context.Context) (bool, error) {
	opts := &websocket.DialOptions{}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	}
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, opts)
	if err != nil {
		return false, err
	}
	conn.SetReadLimit(4 << 20)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("relay: connected", "url", c.cfg.URL)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		pending := c.pending
		c.pending = make(map[string]chan frame)
		c.mu.Unlock()
		for _, ch := range pending {
			close(ch)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var msg inbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return true, err
		}
		if msg.Method == "" {
			c.resolve(msg)
			continue
		}
		ev, err := decodeEvent(msg)
		if err != nil {
			c.logger.Warn("relay: dropping malformed notification", "method", msg.Method, "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func decodeEvent(msg inbound) (Event, error) {
	switch EventKind(msg.Method) {
	case EventSessionProposal:
		var p Proposal
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventSessionProposal, Proposal: &p}, nil
	case EventSessionRequest:
		var r Request
		if err := json.Unmarshal(msg.Params, &r); err != nil {
			return Event{}, err
		}
		if r.Topic == "" || r.Method == "" {
			return Event{}, errors.New("request without topic or method")
		}
		return Event{Kind: EventSessionRequest, Request: &r}, nil
	case EventSessionDelete:
		var d struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(msg.Params, &d); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventSessionDelete, Topic: d.Topic}, nil
	default:
		return Event{}, fmt.Errorf("unknown notification %q", msg.Method)
	}
}

func (c *Client) resolve(msg inbound) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("relay: reply for unknown call", "id", msg.ID)
		return
	}
	ch <- frame{ID: msg.ID, Result: msg.Result, Error: msg.Error}
}

// call sends method with params and waits for the reply.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	id := uuid.NewString()
	ch := make(chan frame, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
	if err := wsjson.Write(ctx, conn, frame{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		forget()
		return fmt.Errorf("relay %s: %w", method, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if reply.Error != nil {
			return &CallError{Method: method, Code: reply.Error.Code, Message: reply.Error.Message}
		}
		if out != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, out); err != nil {
				return fmt.Errorf("relay %s: decode result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		forget()
		return fmt.Errorf("relay %s: %w", method, ctx.Err())
	}
}

// Pair starts pairing with a peer URI.
func (c *Client) Pair(ctx context.Context, uri string) error {
	return c.call(ctx, callPair, map[string]string{"uri": uri}, nil)
}

// ApproveSession approves proposal id with namespaces and returns the new
// session topic.
func (c *Client) ApproveSession(ctx context.Context, id RequestID, namespaces map[string]SessionNamespace) (string, error) {
	var out struct {
		Topic string `json:"topic"`
	}
	params := map[string]any{"id": id, "namespaces": namespaces}
	if err := c.call(ctx, callApproveSession, params, &out); err != nil {
		return "", err
	}
	if out.Topic == "" {
		return "", fmt.Errorf("relay %s: empty topic", callApproveSession)
	}
	return out.Topic, nil
}

// RejectSession declines proposal id.
func (c *Client) RejectSession(ctx context.Context, id RequestID, reason string) error {
	return c.call(ctx, callRejectSession, map[string]any{"id": id, "reason": reason}, nil)
}

// Respond sends resp to the peer on topic.
func (c *Client) Respond(ctx context.Context, topic string, resp Response) error {
	return c.call(ctx, callRespond, map[string]any{"topic": topic, "response": resp}, nil)
}

// Disconnect ends the session on topic.
func (c *Client) Disconnect(ctx context.Context, topic, reason string) error {
	return c.call(ctx, callDisconnect, map[string]string{"topic": topic, "reason": reason}, nil)
}
