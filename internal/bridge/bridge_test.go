package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/walletbridge/internal/commands"
	"github.com/basket/walletbridge/internal/confirm"
	"github.com/basket/walletbridge/internal/relay"
	"github.com/basket/walletbridge/internal/session"
	"github.com/basket/walletbridge/internal/wallet"
)

type stubTransport struct {
	mu       sync.Mutex
	rejected int
}

func (s *stubTransport) Pair(ctx context.Context, uri string) error { return nil }

func (s *stubTransport) ApproveSession(ctx context.Context, id relay.RequestID, ns map[string]relay.SessionNamespace) (string, error) {
	return "topic-1", nil
}

func (s *stubTransport) RejectSession(ctx context.Context, id relay.RequestID, reason string) error {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) Disconnect(ctx context.Context, topic, reason string) error { return nil }

type stubWallet struct{}

func (stubWallet) ActiveKey(ctx context.Context) (wallet.Key, bool, error) {
	return wallet.Key{Fingerprint: 42, Network: "testnet11"}, true, nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridge_ProposalRequestAndTeardown(t *testing.T) {
	queue := confirm.New(nil)
	sessions := session.NewManager(&stubTransport{}, stubWallet{}, nil, nil)
	responder := &recordingResponder{}

	base := commands.Default()
	handlers := make(map[string]commands.Handler)
	for _, m := range base.Methods() {
		handlers[m] = func(ctx context.Context, call commands.Call) (any, error) { return "ok", nil }
	}
	reg, err := base.Bind(handlers)
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewDispatcher(DispatcherConfig{Registry: reg, Queue: queue, Sessions: sessions, Responder: responder})
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{Sessions: sessions, Dispatcher: d, Queue: queue})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan relay.Event)
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, events) }()

	events <- relay.Event{Kind: relay.EventSessionProposal, Proposal: &relay.Proposal{
		ID:           relay.NumericID(1),
		PairingTopic: "pairing-1",
		Proposer:     relay.Metadata{Name: "peer", URL: "https://peer.example"},
		RequiredNamespaces: map[string]relay.Namespace{
			commands.Namespace: {
				Chains:  []string{"chia:testnet"},
				Methods: []string{commands.MethodChainID, commands.MethodSignMessage},
			},
		},
	}}
	eventually(t, "session approval", func() bool { return len(b.Sessions()) == 1 })

	events <- relay.Event{Kind: relay.EventSessionRequest, Request: &relay.Request{
		ID: relay.NumericID(10), Topic: "topic-1", Method: commands.MethodChainID, Params: []byte(`{}`),
	}}
	eventually(t, "immediate response", func() bool { return len(responder.all()) == 1 })

	events <- relay.Event{Kind: relay.EventSessionRequest, Request: &relay.Request{
		ID: relay.NumericID(11), Topic: "topic-1", Method: commands.MethodSignMessage, Params: []byte(signParams),
	}}
	eventually(t, "queued request", func() bool { return len(b.Pending()) == 1 })
	if head, ok := b.Head(); !ok || head.ID != PendingID("topic-1", "11") {
		t.Fatalf("unexpected head %+v", head)
	}

	events <- relay.Event{Kind: relay.EventSessionDelete, Topic: "topic-1"}
	eventually(t, "teardown response", func() bool { return len(responder.all()) == 2 })

	out := responder.all()
	if out[0].resp.Error != nil || string(out[0].resp.Result) != `"ok"` {
		t.Fatalf("unexpected immediate response %+v", out[0].resp)
	}
	if e := out[1].resp.Error; e == nil || e.Code != CodeUnauthorized || e.Message != "session disconnected" {
		t.Fatalf("unexpected teardown response %+v", out[1].resp)
	}
	if len(b.Sessions()) != 0 || queue.Len() != 0 || d.Outstanding() != 0 {
		t.Fatalf("state left behind: sessions=%d queue=%d outstanding=%d", len(b.Sessions()), queue.Len(), d.Outstanding())
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBridge_ClosedEventStreamEndsRun(t *testing.T) {
	queue := confirm.New(nil)
	sessions := session.NewManager(&stubTransport{}, stubWallet{}, nil, nil)
	reg, err := commands.Default().Bind(nopHandlers())
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewDispatcher(DispatcherConfig{Registry: reg, Queue: queue, Sessions: sessions, Responder: &recordingResponder{}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{Sessions: sessions, Dispatcher: d, Queue: queue})
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan relay.Event)
	close(events)
	if err := b.Run(context.Background(), events); err != nil {
		t.Fatalf("Run on closed stream: %v", err)
	}

	if _, err := New(Config{Sessions: sessions}); err == nil {
		t.Fatal("expected error for incomplete config")
	}
}

func nopHandlers() map[string]commands.Handler {
	hs := make(map[string]commands.Handler)
	for _, m := range commands.Default().Methods() {
		hs[m] = func(ctx context.Context, call commands.Call) (any, error) { return nil, nil }
	}
	return hs
}
