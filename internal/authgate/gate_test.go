package authgate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingChallenger struct {
	calls atomic.Int32
	err   error
}

func (c *countingChallenger) Challenge(ctx context.Context, reason string) error {
	c.calls.Add(1)
	return c.err
}

type memStore struct {
	mu sync.Mutex
	kv map[string]string
}

func (m *memStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kv == nil {
		m.kv = map[string]string{}
	}
	m.kv[key] = value
	return nil
}

func newTestGate(t *testing.T, enabled bool, ch Challenger, clock *fakeClock) *Gate {
	t.Helper()
	g, err := New(context.Background(), Config{Enabled: enabled, Challenger: ch, Now: clock.Now})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g
}

func TestCheckOrPrompt_DisabledNeverPrompts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	ch := &countingChallenger{}
	g := newTestGate(t, false, ch, clock)

	for i := 0; i < 3; i++ {
		if err := g.CheckOrPrompt(context.Background(), "sign"); err != nil {
			t.Fatalf("disabled gate blocked: %v", err)
		}
	}
	if ch.calls.Load() != 0 {
		t.Fatalf("expected no challenges, got %d", ch.calls.Load())
	}
}

func TestCheckOrPrompt_CachesWithinCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	ch := &countingChallenger{}
	g := newTestGate(t, true, ch, clock)
	ctx := context.Background()

	if err := g.CheckOrPrompt(ctx, "signMessage"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	clock.Advance(time.Minute)
	if err := g.CheckOrPrompt(ctx, "signMessage"); err != nil {
		t.Fatalf("second check: %v", err)
	}
	if got := ch.calls.Load(); got != 1 {
		t.Fatalf("expected 1 challenge inside cooldown, got %d", got)
	}

	clock.Advance(DefaultCooldown)
	if err := g.CheckOrPrompt(ctx, "signMessage"); err != nil {
		t.Fatalf("third check: %v", err)
	}
	if got := ch.calls.Load(); got != 2 {
		t.Fatalf("expected a new challenge after cooldown, got %d", got)
	}
}

func TestCheckOrPrompt_FailureKeepsTimestamp(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	ch := &countingChallenger{}
	g := newTestGate(t, true, ch, clock)
	ctx := context.Background()

	if err := g.CheckOrPrompt(ctx, "send"); err != nil {
		t.Fatalf("initial auth: %v", err)
	}
	first := *g.State().LastSuccessfulAuthAt

	clock.Advance(DefaultCooldown + time.Second)
	ch.err = errors.New("user cancelled")
	err := g.CheckOrPrompt(ctx, "send")
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if got := *g.State().LastSuccessfulAuthAt; !got.Equal(first) {
		t.Fatalf("failed challenge moved timestamp from %v to %v", first, got)
	}

	// Still prompt-required: the next call challenges again.
	err = g.CheckOrPrompt(ctx, "send")
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if got := ch.calls.Load(); got != 3 {
		t.Fatalf("expected 3 challenges, got %d", got)
	}
}

func TestCheckOrPrompt_NoChallengerDenies(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := newTestGate(t, true, nil, clock)
	if err := g.CheckOrPrompt(context.Background(), "sign"); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestCheckOrPrompt_ConcurrentCallersShareOnePrompt(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	release := make(chan struct{})
	var calls atomic.Int32
	ch := ChallengerFunc(func(ctx context.Context, reason string) error {
		calls.Add(1)
		<-release
		return nil
	})
	g := newTestGate(t, true, ch, clock)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.CheckOrPrompt(context.Background(), "sign")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one shared challenge, got %d", got)
	}
}

func TestSetEnabled_Persists(t *testing.T) {
	store := &memStore{}
	ctx := context.Background()
	g, err := New(ctx, Config{Enabled: true, Store: store})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := g.SetEnabled(ctx, false); err != nil {
		t.Fatalf("set enabled: %v", err)
	}

	// A fresh gate picks the persisted flag over the configured default.
	g2, err := New(ctx, Config{Enabled: true, Store: store})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	st := g2.State()
	if st.Enabled {
		t.Fatal("expected persisted enabled=false to win")
	}
	if st.LastSuccessfulAuthAt != nil {
		t.Fatal("last auth time must not survive a restart")
	}
}

func TestSetCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	ch := &countingChallenger{}
	g := newTestGate(t, true, ch, clock)
	g.SetCooldown(10 * time.Second)
	ctx := context.Background()

	_ = g.CheckOrPrompt(ctx, "x")
	clock.Advance(11 * time.Second)
	_ = g.CheckOrPrompt(ctx, "x")
	if got := ch.calls.Load(); got != 2 {
		t.Fatalf("expected shortened cooldown to force a second challenge, got %d", got)
	}

	g.SetCooldown(0)
	if g.State().Cooldown != DefaultCooldown {
		t.Fatalf("expected default cooldown restored, got %v", g.State().Cooldown)
	}
}
