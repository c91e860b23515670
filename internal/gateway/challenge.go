package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/walletbridge/internal/audit"
	"github.com/basket/walletbridge/internal/bus"
)

const defaultChallengeTimeout = 60 * time.Second

// Challenge outcomes.
const (
	OutcomeApproved  = "approved"
	OutcomeDenied    = "denied"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

var (
	errChallengeDenied  = errors.New("authentication denied")
	errChallengeTimeout = errors.New("authentication timed out")
)

type challenge struct {
	ID        string
	Reason    string
	CreatedAt time.Time
	// decided receives the user's answer once.
	decided chan bool
}

// Challenge asks connected control clients to authenticate the local user
// and blocks until one answers, ctx ends, or the challenge times out.
func (s *Server) Challenge(ctx context.Context, reason string) error {
	ch := &challenge{
		ID:        uuid.NewString(),
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
		decided:   make(chan bool, 1),
	}
	s.challengesMu.Lock()
	s.challenges[ch.ID] = ch
	timeout := s.challengeTimeout
	s.challengesMu.Unlock()
	defer func() {
		s.challengesMu.Lock()
		delete(s.challenges, ch.ID)
		s.challengesMu.Unlock()
	}()

	s.logger.Info("ws: auth challenge issued", "challenge_id", ch.ID, "reason", reason, "clients", s.clientCount())
	s.notify(bus.TopicAuthChallenge, bus.AuthChallengeEvent{ChallengeID: ch.ID, Reason: reason})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		outcome string
		err     error
	)
	select {
	case ok := <-ch.decided:
		if ok {
			outcome = OutcomeApproved
		} else {
			outcome, err = OutcomeDenied, errChallengeDenied
		}
	case <-timer.C:
		outcome, err = OutcomeTimeout, errChallengeTimeout
	case <-ctx.Done():
		outcome, err = OutcomeCancelled, ctx.Err()
	}

	decision := audit.Allow
	if err != nil {
		decision = audit.Deny
	}
	audit.Record(ctx, decision, audit.ActionAuth, outcome+": "+reason, ch.ID)
	s.notify(bus.TopicAuthUpdated, bus.AuthUpdatedEvent{
		Enabled:     s.gateEnabled(),
		ChallengeID: ch.ID,
		Outcome:     outcome,
	})
	s.logger.Info("ws: auth challenge resolved", "challenge_id", ch.ID, "outcome", outcome)
	return err
}

// RespondToChallenge answers an outstanding challenge. An approval with a
// wrong passphrase denies the challenge and returns an error.
func (s *Server) RespondToChallenge(id string, approve bool, passphrase string) error {
	s.challengesMu.Lock()
	ch, ok := s.challenges[id]
	if ok {
		delete(s.challenges, id)
	}
	s.challengesMu.Unlock()
	if !ok {
		return fmt.Errorf("challenge %q not found", id)
	}

	var perr error
	if approve {
		if perr = s.checkPassphrase(passphrase); perr != nil {
			approve = false
		}
	}
	ch.decided <- approve
	return perr
}

// SetChallengeTimeout changes the timeout for later challenges; non-positive
// values restore the default.
func (s *Server) SetChallengeTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultChallengeTimeout
	}
	s.challengesMu.Lock()
	s.challengeTimeout = d
	s.challengesMu.Unlock()
}

// SetPassphraseHash replaces the bcrypt hash required to approve challenges.
func (s *Server) SetPassphraseHash(hash string) {
	s.challengesMu.Lock()
	s.passphraseHash = hash
	s.challengesMu.Unlock()
}

func (s *Server) gateEnabled() bool {
	if s.cfg.Gate == nil {
		return false
	}
	return s.cfg.Gate.State().Enabled
}

func (s *Server) pendingChallengeCount() int {
	s.challengesMu.Lock()
	defer s.challengesMu.Unlock()
	return len(s.challenges)
}
