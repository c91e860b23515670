package persistence

import (
	"context"
	"fmt"
	"time"
)

// Request outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
	OutcomeDropped  = "dropped"
)

// RequestRecord is one answered peer request.
type RequestRecord struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Topic     string    `json:"topic"`
	RequestID string    `json:"request_id"`
	Method    string    `json:"method"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Confirmed bool      `json:"confirmed"`
	Duration  int64     `json:"duration_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordRequest appends rec to the request log.
func (s *Store) RecordRequest(ctx context.Context, rec RequestRecord) error {
	confirmed := 0
	if rec.Confirmed {
		confirmed = 1
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO request_log (trace_id, topic, request_id, method, outcome, error, confirmed, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.TraceID, rec.Topic, rec.RequestID, rec.Method, rec.Outcome, rec.Error, confirmed, rec.Duration)
		if err != nil {
			return fmt.Errorf("record request: %w", err)
		}
		return nil
	})
}

// RecentRequests returns up to limit records, newest first.
func (s *Store) RecentRequests(ctx context.Context, limit int) ([]RequestRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, topic, request_id, method, outcome, error, confirmed, duration_ms, created_at
		FROM request_log
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var rec RequestRecord
		var confirmed int
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.Topic, &rec.RequestID, &rec.Method, &rec.Outcome, &rec.Error, &confirmed, &rec.Duration, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		rec.Confirmed = confirmed == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}
