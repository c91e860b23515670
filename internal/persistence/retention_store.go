package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedRequests  int64 `json:"purged_requests"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes request_log and audit_log rows older than days.
// Non-positive days disables the purge. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	res, err := s.db.ExecContext(ctx, `DELETE FROM request_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge request_log: %w", err)
	}
	result.PurgedRequests, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge audit_log: %w", err)
	}
	result.PurgedAuditLogs, _ = res.RowsAffected()

	return result, nil
}
