package bus

// Confirmation queue topics.
const (
	TopicPendingHead    = "pending.head"
	TopicPendingDropped = "pending.dropped"
)

// Session lifecycle topics.
const (
	TopicSessionApproved  = "session.approved"
	TopicSessionDeleted   = "session.deleted"
	TopicProposalRejected = "session.proposal_rejected"
)

// Authentication gate topics.
const (
	TopicAuthChallenge = "auth.challenge"
	TopicAuthUpdated   = "auth.updated"
)

// PendingHeadEvent is published whenever the confirmation queue head changes.
// Empty is true when the queue drained.
type PendingHeadEvent struct {
	ID     string
	Topic  string
	Method string
	Params any
	Depth  int
	Empty  bool
}

// SessionEvent is published when a session is approved or torn down.
type SessionEvent struct {
	Topic   string
	Account string
	Peer    string
	Reason  string
}

// AuthChallengeEvent asks control clients to authenticate the local user.
type AuthChallengeEvent struct {
	ChallengeID string
	Reason      string
}

// AuthUpdatedEvent reports a change of the gate's enabled flag or a challenge outcome.
type AuthUpdatedEvent struct {
	Enabled     bool
	ChallengeID string
	Outcome     string
}
