// Package confirm holds requests that wait for an explicit user decision.
package confirm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/walletbridge/internal/bus"
)

// ErrDuplicateID is returned by Enqueue when the id is already queued.
var ErrDuplicateID = errors.New("pending request id already queued")

// PendingRequest is a confirmation-requiring request awaiting a decision.
// ID is unique among queued entries; RequestID is the peer's own id.
type PendingRequest struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Topic        string    `json:"topic"`
	Method       string    `json:"method"`
	Params       any       `json:"params"`
	ArrivalIndex uint64    `json:"arrival_index"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Decision resolves the head of the queue.
type Decision struct {
	ID       string
	Approved bool
}

// Queue is a FIFO of PendingRequests. Only the head is ever offered for a
// decision. There is no timeout; entries leave only through ResolveHead or
// RemoveTopic.
type Queue struct {
	mu    sync.Mutex
	items []PendingRequest
	next  uint64
	bus   *bus.Bus
}

// New returns an empty queue. Head changes are published on b when non-nil.
func New(b *bus.Bus) *Queue {
	return &Queue{bus: b}
}

// Enqueue appends req and assigns its arrival index.
func (q *Queue) Enqueue(req PendingRequest) (PendingRequest, error) {
	q.mu.Lock()
	for _, it := range q.items {
		if it.ID == req.ID {
			q.mu.Unlock()
			return PendingRequest{}, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
		}
	}
	q.next++
	req.ArrivalIndex = q.next
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}
	q.items = append(q.items, req)
	headChanged := len(q.items) == 1
	ev := q.headEventLocked()
	q.mu.Unlock()

	if headChanged {
		q.bus.Publish(bus.TopicPendingHead, ev)
	}
	return req, nil
}

// Peek returns the head, if any.
func (q *Queue) Peek() (PendingRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return PendingRequest{}, false
	}
	return q.items[0], true
}

// ResolveHead removes the head when d.ID matches it and returns the removed
// request. An empty queue or a mismatched id leaves the queue untouched.
func (q *Queue) ResolveHead(d Decision) (PendingRequest, bool) {
	q.mu.Lock()
	if len(q.items) == 0 || q.items[0].ID != d.ID {
		q.mu.Unlock()
		return PendingRequest{}, false
	}
	head := q.items[0]
	q.items[0] = PendingRequest{}
	q.items = q.items[1:]
	ev := q.headEventLocked()
	q.mu.Unlock()

	q.bus.Publish(bus.TopicPendingHead, ev)
	return head, true
}

// RemoveTopic drops every entry for topic, keeping the relative order of the
// rest, and returns the removed entries in arrival order.
func (q *Queue) RemoveTopic(topic string) []PendingRequest {
	q.mu.Lock()
	var removed []PendingRequest
	kept := q.items[:0]
	headBefore := ""
	if len(q.items) > 0 {
		headBefore = q.items[0].ID
	}
	for _, it := range q.items {
		if it.Topic == topic {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = PendingRequest{}
	}
	q.items = kept
	headAfter := ""
	if len(q.items) > 0 {
		headAfter = q.items[0].ID
	}
	ev := q.headEventLocked()
	q.mu.Unlock()

	if len(removed) > 0 {
		q.bus.Publish(bus.TopicPendingDropped, removed)
	}
	if headBefore != headAfter {
		q.bus.Publish(bus.TopicPendingHead, ev)
	}
	return removed
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List returns a copy of the queue in arrival order.
func (q *Queue) List() []PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingRequest, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) headEventLocked() bus.PendingHeadEvent {
	if len(q.items) == 0 {
		return bus.PendingHeadEvent{Empty: true}
	}
	h := q.items[0]
	return bus.PendingHeadEvent{
		ID:     h.ID,
		Topic:  h.Topic,
		Method: h.Method,
		Params: h.Params,
		Depth:  len(q.items),
	}
}
