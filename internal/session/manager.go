// Package session tracks approved peer sessions: one per relay topic, each
// bound to the wallet account that was active when it was approved.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/basket/walletbridge/internal/audit"
	"github.com/basket/walletbridge/internal/bus"
	"github.com/basket/walletbridge/internal/commands"
	"github.com/basket/walletbridge/internal/relay"
	"github.com/basket/walletbridge/internal/wallet"
)

// ErrProposalRejected is wrapped by every RejectionError.
var ErrProposalRejected = errors.New("session proposal rejected")

// ErrUnknownSession is returned for topics with no session.
var ErrUnknownSession = errors.New("unknown session topic")

// RejectionError explains why a proposal was turned down.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return "session proposal rejected: " + e.Reason }

func (e *RejectionError) Unwrap() error { return ErrProposalRejected }

// Transport is the subset of the relay client the manager drives.
type Transport interface {
	Pair(ctx context.Context, uri string) error
	ApproveSession(ctx context.Context, proposalID relay.RequestID, namespaces map[string]relay.SessionNamespace) (string, error)
	RejectSession(ctx context.Context, proposalID relay.RequestID, reason string) error
	Disconnect(ctx context.Context, topic, reason string) error
}

// ActiveWallet reports the wallet's current key.
type ActiveWallet interface {
	ActiveKey(ctx context.Context) (wallet.Key, bool, error)
}

// PeerPolicy vets proposals before the wallet is consulted.
type PeerPolicy interface {
	AllowPeer(rawURL string) bool
	AllowMethod(method string) bool
}

// Session is an approved grant of methods and events to one peer.
type Session struct {
	Topic     string         `json:"topic"`
	Peer      relay.Metadata `json:"peer"`
	Account   string         `json:"account"`
	Chain     string         `json:"chain"`
	Methods   []string       `json:"methods"`
	Events    []string       `json:"events"`
	CreatedAt time.Time      `json:"created_at"`
}

// Grants reports whether method was granted at approval.
func (s Session) Grants(method string) bool {
	return slices.Contains(s.Methods, method)
}

// Account builds the session account string for a chain and fingerprint.
func Account(chain string, fingerprint uint32) string {
	return chain + ":" + strconv.FormatUint(uint64(fingerprint), 10)
}

// Manager owns the session set.
type Manager struct {
	transport Transport
	wallet    ActiveWallet
	bus       *bus.Bus
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]Session

	// onTeardown runs after a session leaves the set.
	onTeardown func(topic, reason string)
	policy     PeerPolicy
}

// NewManager builds a Manager. b and logger may be nil.
func NewManager(t Transport, w ActiveWallet, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport: t,
		wallet:    w,
		bus:       b,
		logger:    logger,
		sessions:  make(map[string]Session),
	}
}

// OnTeardown registers fn to run whenever a session is removed, whether the
// peer deleted it or it was disconnected locally.
func (m *Manager) OnTeardown(fn func(topic, reason string)) {
	m.mu.Lock()
	m.onTeardown = fn
	m.mu.Unlock()
}

// SetPolicy installs p for later proposals. A nil policy admits every peer.
func (m *Manager) SetPolicy(p PeerPolicy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// Pair starts pairing with a peer URI.
func (m *Manager) Pair(ctx context.Context, uri string) error {
	if uri == "" {
		return errors.New("pair: empty uri")
	}
	if err := m.transport.Pair(ctx, uri); err != nil {
		m.logger.Warn("session: pair failed", "error", err)
		return fmt.Errorf("pair: %w", err)
	}
	m.logger.Info("session: pairing started")
	return nil
}

// OnSessionProposal validates p and approves or rejects it. The returned
// Session is registered only after the transport acknowledged approval.
func (m *Manager) OnSessionProposal(ctx context.Context, p relay.Proposal) (Session, error) {
	chain, account, ns, rej := m.evaluate(ctx, p)
	if rej != nil {
		m.reject(ctx, p, rej)
		return Session{}, rej
	}

	granted := map[string]relay.SessionNamespace{
		commands.Namespace: {
			Chains:   []string{chain},
			Accounts: []string{account},
			Methods:  slices.Clone(ns.Methods),
			Events:   slices.Clone(ns.Events),
		},
	}
	topic, err := m.transport.ApproveSession(ctx, p.ID, granted)
	if err != nil {
		m.logger.Warn("session: approve failed", "proposal", p.ID.String(), "peer", p.Proposer.Name, "error", err)
		return Session{}, fmt.Errorf("approve session: %w", err)
	}
	if topic == "" {
		return Session{}, errors.New("approve session: transport returned no topic")
	}

	s := Session{
		Topic:     topic,
		Peer:      p.Proposer,
		Account:   account,
		Chain:     chain,
		Methods:   slices.Clone(ns.Methods),
		Events:    slices.Clone(ns.Events),
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	if _, exists := m.sessions[topic]; exists {
		m.logger.Warn("session: topic reused; replacing session", "topic", topic)
	}
	m.sessions[topic] = s
	m.mu.Unlock()

	m.logger.Info("session: approved", "topic", topic, "peer", p.Proposer.Name, "account", account, "methods", len(s.Methods))
	audit.Record(ctx, audit.Allow, audit.ActionProposal, "approved "+account, topic)
	m.bus.Publish(bus.TopicSessionApproved, bus.SessionEvent{Topic: topic, Account: account, Peer: p.Proposer.Name})
	return s, nil
}

func (m *Manager) evaluate(ctx context.Context, p relay.Proposal) (chain, account string, ns relay.Namespace, rej *RejectionError) {
	if p.PairingTopic == "" {
		return "", "", ns, &RejectionError{Reason: "missing pairing topic"}
	}
	ns, ok := p.RequiredNamespaces[commands.Namespace]
	if !ok {
		return "", "", ns, &RejectionError{Reason: fmt.Sprintf("required namespace %q missing", commands.Namespace)}
	}
	m.mu.RLock()
	pol := m.policy
	m.mu.RUnlock()
	if pol != nil {
		if !pol.AllowPeer(p.Proposer.URL) {
			return "", "", ns, &RejectionError{Reason: fmt.Sprintf("peer %q blocked by policy", p.Proposer.URL)}
		}
		for _, method := range ns.Methods {
			if !pol.AllowMethod(method) {
				return "", "", ns, &RejectionError{Reason: fmt.Sprintf("method %s blocked by policy", method)}
			}
		}
	}
	key, active, err := m.wallet.ActiveKey(ctx)
	if err != nil {
		m.logger.Warn("session: active wallet lookup failed", "error", err)
		return "", "", ns, &RejectionError{Reason: "no active wallet"}
	}
	if !active {
		return "", "", ns, &RejectionError{Reason: "no active wallet"}
	}
	chain = commands.ChainForNetwork(key.Network)
	if !slices.Contains(ns.Chains, chain) {
		return "", "", ns, &RejectionError{Reason: fmt.Sprintf("unsupported chains %v; wallet serves %s", ns.Chains, chain)}
	}
	return chain, Account(chain, key.Fingerprint), ns, nil
}

func (m *Manager) reject(ctx context.Context, p relay.Proposal, rej *RejectionError) {
	m.logger.Info("session: proposal rejected", "proposal", p.ID.String(), "peer", p.Proposer.Name, "reason", rej.Reason)
	audit.Record(ctx, audit.Deny, audit.ActionProposal, rej.Reason, p.PairingTopic)
	if err := m.transport.RejectSession(ctx, p.ID, rej.Reason); err != nil {
		m.logger.Warn("session: reject failed", "proposal", p.ID.String(), "error", err)
	}
	m.bus.Publish(bus.TopicProposalRejected, bus.SessionEvent{Topic: p.PairingTopic, Peer: p.Proposer.Name, Reason: rej.Reason})
}

// OnSessionDelete removes the session for topic. Unknown topics are ignored.
func (m *Manager) OnSessionDelete(topic string) {
	if m.remove(topic) {
		m.teardown(topic, "deleted by peer")
	}
}

// Disconnect tears down a session locally and tells the transport. Like a
// peer delete it is idempotent: an unknown topic is still reported to the
// transport, which may hold a pairing the bridge has already forgotten. The
// session is removed even if the transport call fails.
func (m *Manager) Disconnect(ctx context.Context, topic string) error {
	if m.remove(topic) {
		m.teardown(topic, "disconnected locally")
	} else {
		m.logger.Debug("session: disconnect for unknown topic", "topic", topic)
	}
	if err := m.transport.Disconnect(ctx, topic, "user disconnected"); err != nil {
		m.logger.Warn("session: transport disconnect failed", "topic", topic, "error", err)
		return fmt.Errorf("disconnect %s: %w", topic, err)
	}
	return nil
}

func (m *Manager) remove(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[topic]; !ok {
		return false
	}
	delete(m.sessions, topic)
	return true
}

func (m *Manager) teardown(topic, reason string) {
	m.logger.Info("session: removed", "topic", topic, "reason", reason)
	m.bus.Publish(bus.TopicSessionDeleted, bus.SessionEvent{Topic: topic, Reason: reason})
	m.mu.RLock()
	fn := m.onTeardown
	m.mu.RUnlock()
	if fn != nil {
		fn(topic, reason)
	}
}

// Get returns the session for topic.
func (m *Manager) Get(topic string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[topic]
	return s, ok
}

// List returns the sessions ordered by creation time.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Topic < out[j].Topic
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ErrAccountChanged is returned by VerifyAccount when the active wallet no
// longer matches the session account.
var ErrAccountChanged = errors.New("active wallet changed; reconnect")

// VerifyAccount checks that the active wallet still matches s.Account.
func (m *Manager) VerifyAccount(ctx context.Context, s Session) error {
	key, ok, err := m.wallet.ActiveKey(ctx)
	if err != nil {
		return fmt.Errorf("active wallet: %w", err)
	}
	if !ok || Account(commands.ChainForNetwork(key.Network), key.Fingerprint) != s.Account {
		return ErrAccountChanged
	}
	return nil
}
