// Package authgate implements the re-authentication policy that guards
// sensitive wallet operations.
//
// The gate has three states. Disabled never blocks. Authenticated-cached
// passes while the last successful challenge is younger than the cooldown.
// Otherwise a challenge is issued through the configured Challenger.
package authgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// DefaultCooldown is how long one successful challenge is honoured.
const DefaultCooldown = 5 * time.Minute

// SettingKey is the persisted key for the enabled flag.
const SettingKey = "auth.enabled"

// ErrAuthentication is returned when a challenge fails or is cancelled.
var ErrAuthentication = errors.New("authentication failed")

// Challenger performs the out-of-band authentication challenge. A nil error
// means the user authenticated; any other outcome is a failure.
type Challenger interface {
	Challenge(ctx context.Context, reason string) error
}

// ChallengerFunc adapts a function to Challenger.
type ChallengerFunc func(ctx context.Context, reason string) error

func (f ChallengerFunc) Challenge(ctx context.Context, reason string) error { return f(ctx, reason) }

// SettingsStore persists the enabled flag. Only that flag survives restarts.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// State is a snapshot of the gate.
type State struct {
	Enabled              bool          `json:"enabled"`
	LastSuccessfulAuthAt *time.Time    `json:"last_successful_auth_at,omitempty"`
	Cooldown             time.Duration `json:"cooldown_ns"`
}

// Config configures a Gate.
type Config struct {
	Enabled    bool
	Cooldown   time.Duration
	Challenger Challenger
	Store      SettingsStore
	Logger     *slog.Logger
	// OnChallenge, if set, observes every challenge outcome.
	OnChallenge func(ok bool)
	Now         func() time.Time
}

// Gate is the process-wide authentication state machine.
type Gate struct {
	mu       sync.Mutex
	enabled  bool
	last     time.Time
	cooldown time.Duration

	// promptMu serialises challenges so concurrent sensitive handlers
	// share one prompt.
	promptMu sync.Mutex

	challenger  Challenger
	store       SettingsStore
	logger      *slog.Logger
	onChallenge func(ok bool)
	now         func() time.Time
}

// New builds a Gate. If a store is configured and holds a persisted enabled
// flag, that flag wins over cfg.Enabled.
func New(ctx context.Context, cfg Config) (*Gate, error) {
	g := &Gate{
		enabled:     cfg.Enabled,
		cooldown:    cfg.Cooldown,
		challenger:  cfg.Challenger,
		store:       cfg.Store,
		logger:      cfg.Logger,
		onChallenge: cfg.OnChallenge,
		now:         cfg.Now,
	}
	if g.cooldown <= 0 {
		g.cooldown = DefaultCooldown
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.store != nil {
		v, ok, err := g.store.GetSetting(ctx, SettingKey)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", SettingKey, err)
		}
		if ok {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("parse %s=%q: %w", SettingKey, v, err)
			}
			g.enabled = enabled
		}
	}
	return g, nil
}

// CheckOrPrompt returns nil when the caller may proceed with a sensitive
// action. A failed or cancelled challenge returns an error wrapping
// ErrAuthentication and leaves the cached timestamp untouched.
func (g *Gate) CheckOrPrompt(ctx context.Context, reason string) error {
	if g.passes() {
		return nil
	}

	g.promptMu.Lock()
	defer g.promptMu.Unlock()

	// Another caller may have authenticated while we waited.
	if g.passes() {
		return nil
	}
	if g.challenger == nil {
		g.logger.Warn("authgate: no challenger configured; denying", "reason", reason)
		g.observe(false)
		return fmt.Errorf("%w: no authenticator available", ErrAuthentication)
	}

	g.logger.Info("authgate: challenge issued", "reason", reason)
	if err := g.challenger.Challenge(ctx, reason); err != nil {
		g.logger.Info("authgate: challenge failed", "reason", reason, "error", err)
		g.observe(false)
		if errors.Is(err, ErrAuthentication) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	g.mu.Lock()
	g.last = g.now()
	g.mu.Unlock()
	g.logger.Info("authgate: challenge passed", "reason", reason)
	g.observe(true)
	return nil
}

func (g *Gate) passes() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return true
	}
	return !g.last.IsZero() && g.now().Sub(g.last) < g.cooldown
}

func (g *Gate) observe(ok bool) {
	if g.onChallenge != nil {
		g.onChallenge(ok)
	}
}

// SetEnabled toggles the gate and persists the flag.
func (g *Gate) SetEnabled(ctx context.Context, enabled bool) error {
	if g.store != nil {
		if err := g.store.SetSetting(ctx, SettingKey, strconv.FormatBool(enabled)); err != nil {
			return fmt.Errorf("persist %s: %w", SettingKey, err)
		}
	}
	g.mu.Lock()
	g.enabled = enabled
	g.mu.Unlock()
	g.logger.Info("authgate: enabled changed", "enabled", enabled)
	return nil
}

// SetCooldown changes the cooldown; non-positive values restore the default.
func (g *Gate) SetCooldown(d time.Duration) {
	if d <= 0 {
		d = DefaultCooldown
	}
	g.mu.Lock()
	g.cooldown = d
	g.mu.Unlock()
}

// State returns a snapshot.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := State{Enabled: g.enabled, Cooldown: g.cooldown}
	if !g.last.IsZero() {
		t := g.last
		st.LastSuccessfulAuthAt = &t
	}
	return st
}
