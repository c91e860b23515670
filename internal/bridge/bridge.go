package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/basket/walletbridge/internal/confirm"
	"github.com/basket/walletbridge/internal/otel"
	"github.com/basket/walletbridge/internal/relay"
	"github.com/basket/walletbridge/internal/session"
)

// Bridge ties the relay event stream to the session manager and dispatcher.
type Bridge struct {
	sessions   *session.Manager
	dispatcher *Dispatcher
	queue      *confirm.Queue
	metrics    *otel.Metrics
	logger     *slog.Logger

	wg sync.WaitGroup
}

// Config wires a Bridge.
type Config struct {
	Sessions   *session.Manager
	Dispatcher *Dispatcher
	Queue      *confirm.Queue
	Metrics    *otel.Metrics
	Logger     *slog.Logger
}

// New builds a Bridge and registers the teardown hook that drops a
// session's queued requests.
func New(cfg Config) (*Bridge, error) {
	if cfg.Sessions == nil || cfg.Dispatcher == nil || cfg.Queue == nil {
		return nil, errors.New("bridge: sessions, dispatcher and queue are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		sessions:   cfg.Sessions,
		dispatcher: cfg.Dispatcher,
		queue:      cfg.Queue,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
	b.sessions.OnTeardown(func(topic, reason string) {
		b.sessionDelta(-1)
		b.dispatcher.DropTopic(context.Background(), topic)
	})
	return b, nil
}

// Run consumes relay events until ctx is cancelled or events is closed.
// Requests and proposals are handled concurrently; deletes are applied in
// arrival order. Run waits for in-progress work before returning.
func (b *Bridge) Run(ctx context.Context, events <-chan relay.Event) error {
	defer func() {
		b.wg.Wait()
		b.dispatcher.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.route(ctx, ev)
		}
	}
}

func (b *Bridge) route(ctx context.Context, ev relay.Event) {
	switch ev.Kind {
	case relay.EventSessionProposal:
		if ev.Proposal == nil {
			return
		}
		p := *ev.Proposal
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if _, err := b.sessions.OnSessionProposal(ctx, p); err == nil {
				b.sessionDelta(1)
			}
		}()
	case relay.EventSessionRequest:
		if ev.Request == nil {
			return
		}
		req := *ev.Request
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.dispatcher.Handle(ctx, req)
		}()
	case relay.EventSessionDelete:
		b.sessions.OnSessionDelete(ev.Topic)
	default:
		b.logger.Debug("bridge: ignoring relay event", "kind", string(ev.Kind))
	}
}

// Pair starts pairing with a peer URI.
func (b *Bridge) Pair(ctx context.Context, uri string) error {
	return b.sessions.Pair(ctx, uri)
}

// Disconnect tears down the session on topic. Its queued requests are
// answered with an error.
func (b *Bridge) Disconnect(ctx context.Context, topic string) error {
	return b.sessions.Disconnect(ctx, topic)
}

// Sessions lists the approved sessions.
func (b *Bridge) Sessions() []session.Session {
	return b.sessions.List()
}

// Pending lists the confirmation queue, head first.
func (b *Bridge) Pending() []confirm.PendingRequest {
	return b.queue.List()
}

// Head returns the request awaiting a decision.
func (b *Bridge) Head() (confirm.PendingRequest, bool) {
	return b.queue.Peek()
}

// Approve runs the head request with the given id.
func (b *Bridge) Approve(ctx context.Context, id string) error {
	return b.dispatcher.Approve(ctx, id)
}

// Reject declines the head request with the given id.
func (b *Bridge) Reject(ctx context.Context, id string) error {
	return b.dispatcher.Reject(ctx, id)
}

func (b *Bridge) sessionDelta(n int64) {
	if b.metrics != nil {
		b.metrics.Sessions.Add(context.Background(), n)
	}
}
