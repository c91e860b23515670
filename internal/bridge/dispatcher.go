// Package bridge routes peer requests through validation, the confirmation
// queue and the handler set, and guarantees one response per request.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/walletbridge/internal/audit"
	"github.com/basket/walletbridge/internal/commands"
	"github.com/basket/walletbridge/internal/confirm"
	"github.com/basket/walletbridge/internal/otel"
	"github.com/basket/walletbridge/internal/persistence"
	"github.com/basket/walletbridge/internal/relay"
	"github.com/basket/walletbridge/internal/safety"
	"github.com/basket/walletbridge/internal/session"
	"github.com/basket/walletbridge/internal/shared"
)

// Responder delivers a response to the peer on topic.
type Responder interface {
	Respond(ctx context.Context, topic string, resp relay.Response) error
}

// Sessions resolves topics to approved sessions.
type Sessions interface {
	Get(topic string) (session.Session, bool)
	VerifyAccount(ctx context.Context, s session.Session) error
}

// RequestRecorder persists request outcomes.
type RequestRecorder interface {
	RecordRequest(ctx context.Context, rec persistence.RequestRecord) error
}

// DispatcherConfig wires a Dispatcher. Registry must have handlers bound.
type DispatcherConfig struct {
	Registry  *commands.Registry
	Queue     *confirm.Queue
	Sessions  Sessions
	Responder Responder
	Recorder  RequestRecorder
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
	// Leaks screens results before they reach the peer. Defaults to a
	// safety.LeakDetector.
	Leaks  *safety.LeakDetector
	Logger *slog.Logger
}

// Dispatcher handles session requests.
type Dispatcher struct {
	registry  *commands.Registry
	queue     *confirm.Queue
	sessions  Sessions
	responder Responder
	recorder  RequestRecorder
	tracer    trace.Tracer
	metrics   *otel.Metrics
	leaks     *safety.LeakDetector
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]*inflight
	wg       sync.WaitGroup
}

// inflight is an accepted request that has not been answered yet.
type inflight struct {
	key       string
	req       relay.Request
	session   session.Session
	params    any
	traceID   string
	arrived   time.Time
	confirmed bool
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil || cfg.Queue == nil || cfg.Sessions == nil || cfg.Responder == nil {
		return nil, errors.New("bridge: registry, queue, sessions and responder are required")
	}
	d := &Dispatcher{
		registry:  cfg.Registry,
		queue:     cfg.Queue,
		sessions:  cfg.Sessions,
		responder: cfg.Responder,
		recorder:  cfg.Recorder,
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
		leaks:     cfg.Leaks,
		logger:    cfg.Logger,
		inflight:  make(map[string]*inflight),
	}
	if d.leaks == nil {
		d.leaks = safety.NewLeakDetector()
	}
	if d.tracer == nil {
		d.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	for _, m := range d.registry.Methods() {
		if d.registry.Handler(m) == nil {
			return nil, fmt.Errorf("bridge: no handler bound for %s", m)
		}
	}
	return d, nil
}

// PendingID is the confirmation queue id for a request.
func PendingID(topic string, id relay.RequestID) string {
	return topic + "/" + string(id)
}

// Handle processes one session request. Requests that need confirmation are
// queued and Handle returns; all others run before Handle returns.
func (d *Dispatcher) Handle(ctx context.Context, req relay.Request) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithTopic(ctx, req.Topic)
	ctx = shared.WithRequestID(ctx, req.ID.String())
	arrived := time.Now()
	logger := d.logger.With("trace_id", traceID, "topic", req.Topic, "id", req.ID.String(), "method", req.Method)

	fl := &inflight{
		key:     PendingID(req.Topic, req.ID),
		req:     req,
		traceID: traceID,
		arrived: arrived,
	}
	// A duplicate of an outstanding (topic, id) gets no reply of its own; the
	// first request's response is the single answer for that id.
	if !d.claim(fl) {
		logger.Warn("bridge: duplicate request id outstanding; dropped")
		return
	}

	sess, ok := d.sessions.Get(req.Topic)
	if !ok {
		d.fail(ctx, fl, fmt.Errorf("%w: %s", session.ErrUnknownSession, req.Topic))
		return
	}
	fl.session = sess

	spec, err := d.registry.Lookup(req.Method)
	if err != nil {
		d.fail(ctx, fl, err)
		return
	}
	if !sess.Grants(req.Method) {
		d.fail(ctx, fl, fmt.Errorf("%w: %s", errNotGranted, req.Method))
		return
	}
	params, err := d.registry.Validate(req.Method, req.Params)
	if err != nil {
		logger.Info("bridge: invalid params", "error", err)
		d.fail(ctx, fl, err)
		return
	}
	fl.params = params

	if spec.RequiresConfirmation {
		fl.confirmed = true
		_, err := d.queue.Enqueue(confirm.PendingRequest{
			ID:        fl.key,
			RequestID: req.ID.String(),
			Topic:     req.Topic,
			Method:    req.Method,
			Params:    params,
		})
		if err != nil {
			// Unreachable while claim holds the key; answer rather than strand it.
			d.fail(ctx, fl, err)
			return
		}
		d.pendingDelta(ctx, 1)
		// The session may have been torn down after the lookup above, in
		// which case its DropTopic ran before this entry existed.
		if _, ok := d.sessions.Get(req.Topic); !ok {
			logger.Info("bridge: session gone while queueing")
			d.DropTopic(ctx, req.Topic)
			return
		}
		logger.Info("bridge: request queued", "depth", d.queue.Len())
		return
	}

	d.execute(ctx, fl)
}

// Approve runs the head request. id must match the queue head. The handler
// runs asynchronously; Wait blocks until it has answered.
func (d *Dispatcher) Approve(ctx context.Context, id string) error {
	fl, err := d.resolve(id, true)
	if err != nil {
		return err
	}
	ctx = shared.WithTraceID(context.WithoutCancel(ctx), fl.traceID)
	audit.Record(ctx, audit.Allow, audit.ActionRequest, "user approved "+fl.req.Method, id)
	d.logger.Info("bridge: request approved", "trace_id", fl.traceID, "pending_id", id, "method", fl.req.Method)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.execute(ctx, fl)
	}()
	return nil
}

// Reject answers the head request with a null result without running it.
func (d *Dispatcher) Reject(ctx context.Context, id string) error {
	fl, err := d.resolve(id, false)
	if err != nil {
		return err
	}
	ctx = shared.WithTraceID(context.WithoutCancel(ctx), fl.traceID)
	audit.Record(ctx, audit.Deny, audit.ActionRequest, "user rejected "+fl.req.Method, id)
	d.logger.Info("bridge: request rejected", "trace_id", fl.traceID, "pending_id", id, "method", fl.req.Method)
	d.finish(ctx, fl, json.RawMessage("null"), nil, persistence.OutcomeRejected)
	return nil
}

func (d *Dispatcher) resolve(id string, approved bool) (*inflight, error) {
	if _, ok := d.queue.ResolveHead(confirm.Decision{ID: id, Approved: approved}); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotHead, id)
	}
	d.pendingDelta(context.Background(), -1)
	d.mu.Lock()
	fl, ok := d.inflight[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bridge: queued request %s has no outstanding state", id)
	}
	return fl, nil
}

// DropTopic removes the topic's queued requests and answers each with an
// error. Called when a session is torn down.
func (d *Dispatcher) DropTopic(ctx context.Context, topic string) {
	removed := d.queue.RemoveTopic(topic)
	if len(removed) == 0 {
		return
	}
	d.pendingDelta(ctx, -int64(len(removed)))
	ctx = context.WithoutCancel(ctx)
	for _, pr := range removed {
		d.mu.Lock()
		fl, ok := d.inflight[pr.ID]
		d.mu.Unlock()
		if !ok {
			continue
		}
		d.logger.Info("bridge: queued request dropped", "trace_id", fl.traceID, "pending_id", pr.ID, "method", pr.Method)
		rctx := shared.WithTraceID(ctx, fl.traceID)
		d.finish(rctx, fl, nil, responseError(errDisconnected), persistence.OutcomeDropped)
	}
}

// Wait blocks until approved handlers started by Approve have answered.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Outstanding returns the number of accepted requests not yet answered.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (d *Dispatcher) execute(ctx context.Context, fl *inflight) {
	ctx, span := otel.StartServerSpan(ctx, d.tracer, "bridge.dispatch "+fl.req.Method,
		otel.AttrMethod.String(fl.req.Method),
		otel.AttrTopic.String(fl.req.Topic),
		otel.AttrRequestID.String(fl.req.ID.String()),
		otel.AttrConfirmed.Bool(fl.confirmed),
	)
	defer span.End()

	if _, ok := d.sessions.Get(fl.req.Topic); !ok {
		span.SetStatus(codes.Error, errDisconnected.Error())
		d.fail(ctx, fl, errDisconnected)
		return
	}
	if err := d.sessions.VerifyAccount(ctx, fl.session); err != nil {
		span.SetStatus(codes.Error, err.Error())
		d.fail(ctx, fl, err)
		return
	}

	result, err := d.invoke(ctx, fl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.fail(ctx, fl, err)
		return
	}
	if verr := d.registry.ValidateResult(fl.req.Method, result); verr != nil {
		d.logger.Warn("bridge: handler result does not match return schema", "trace_id", fl.traceID, "method", fl.req.Method, "error", verr)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		d.fail(ctx, fl, fmt.Errorf("encode result: %w", err))
		return
	}
	if warnings := d.leaks.Scan(string(raw)); len(warnings) > 0 {
		patterns := make([]string, 0, len(warnings))
		for _, w := range warnings {
			patterns = append(patterns, w.Pattern)
		}
		d.logger.Error("bridge: result withheld; secret material detected", "trace_id", fl.traceID, "method", fl.req.Method, "patterns", patterns)
		audit.Record(ctx, audit.Deny, audit.ActionRequest, "result withheld from "+fl.req.Method, fl.key)
		span.SetStatus(codes.Error, errResultWithheld.Error())
		d.fail(ctx, fl, errResultWithheld)
		return
	}
	d.finish(ctx, fl, raw, nil, persistence.OutcomeOK)
}

func (d *Dispatcher) invoke(ctx context.Context, fl *inflight) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("bridge: handler panic", "trace_id", fl.traceID, "method", fl.req.Method, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("internal error in %s", fl.req.Method)
		}
	}()
	h := d.registry.Handler(fl.req.Method)
	return h(ctx, commands.Call{
		Topic:   fl.req.Topic,
		Account: fl.session.Account,
		Method:  fl.req.Method,
		Params:  fl.params,
	})
}

func (d *Dispatcher) fail(ctx context.Context, fl *inflight, err error) {
	d.finish(ctx, fl, nil, responseError(err), persistence.OutcomeError)
}

func (d *Dispatcher) claim(fl *inflight) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.inflight[fl.key]; exists {
		return false
	}
	d.inflight[fl.key] = fl
	return true
}

// finish sends the single response for fl. A second call for the same
// request is a no-op.
func (d *Dispatcher) finish(ctx context.Context, fl *inflight, result json.RawMessage, rerr *relay.ResponseError, outcome string) {
	d.mu.Lock()
	cur, ok := d.inflight[fl.key]
	if !ok || cur != fl {
		d.mu.Unlock()
		return
	}
	delete(d.inflight, fl.key)
	d.mu.Unlock()

	resp := relay.Response{ID: fl.req.ID, JSONRPC: "2.0", Result: result, Error: rerr}
	if rerr != nil {
		resp.Result = nil
	}
	if err := d.responder.Respond(ctx, fl.req.Topic, resp); err != nil {
		d.logger.Error("bridge: respond failed", "trace_id", fl.traceID, "topic", fl.req.Topic, "id", fl.req.ID.String(), "error", err)
	}

	elapsed := time.Since(fl.arrived)
	errText := ""
	if rerr != nil {
		errText = rerr.Message
	}
	d.logger.Info("bridge: request answered", "trace_id", fl.traceID, "topic", fl.req.Topic, "id", fl.req.ID.String(),
		"method", fl.req.Method, "outcome", outcome, "duration", elapsed)

	if d.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("method", fl.req.Method),
			attribute.String("outcome", outcome),
		)
		d.metrics.RequestDuration.Record(ctx, elapsed.Seconds(), attrs)
		d.metrics.Requests.Add(ctx, 1, attrs)
	}
	if d.recorder != nil {
		rec := persistence.RequestRecord{
			TraceID:   fl.traceID,
			Topic:     fl.req.Topic,
			RequestID: string(fl.req.ID),
			Method:    fl.req.Method,
			Outcome:   outcome,
			Error:     shared.Redact(errText),
			Confirmed: fl.confirmed,
			Duration:  elapsed.Milliseconds(),
		}
		if err := d.recorder.RecordRequest(context.WithoutCancel(ctx), rec); err != nil {
			d.logger.Warn("bridge: record request failed", "error", err)
		}
	}
}

func (d *Dispatcher) pendingDelta(ctx context.Context, n int64) {
	if d.metrics != nil {
		d.metrics.Pending.Add(ctx, n)
	}
}
