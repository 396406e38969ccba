package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// enqueueFormSync coalesces events per form: a second write before the worker
// runs bumps generation and resets the retry state instead of adding a row.
// A row that is being processed keeps its status; the worker notices the new
// generation when it completes.
func enqueueFormSync(ctx context.Context, exec sqlExecer, formID string) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO form_sync_outbox (form_id, generation, status, attempt_count, next_attempt_at, enqueued_at, updated_at)
		VALUES ($1, 1, 'pending', 0, NOW(), NOW(), NOW())
		ON CONFLICT (form_id) DO UPDATE SET
			generation = form_sync_outbox.generation + 1,
			status = CASE WHEN form_sync_outbox.status = 'processing' THEN 'processing' ELSE 'pending' END,
			attempt_count = 0,
			next_attempt_at = NOW(),
			last_error = NULL,
			updated_at = CASE WHEN form_sync_outbox.status = 'processing' THEN form_sync_outbox.updated_at ELSE NOW() END
	`, formID)
	if err != nil {
		return fmt.Errorf("enqueue form sync: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnqueueFormSync(ctx context.Context, formID string) error {
	return enqueueFormSync(ctx, s.db, formID)
}

// ClaimFormSync marks up to limit due rows as processing. A row is due when
// it is pending or failed with next_attempt_at in the past, or when it has
// been processing for longer than lease.
func (s *PostgresStore) ClaimFormSync(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH due AS (
			SELECT form_id FROM form_sync_outbox
			WHERE (status IN ('pending', 'failed') AND next_attempt_at <= $1)
				OR (status = 'processing' AND updated_at <= $2)
			ORDER BY next_attempt_at, form_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE form_sync_outbox o
		SET status = 'processing', updated_at = $1
		FROM due
		WHERE o.form_id = due.form_id
		RETURNING o.form_id, o.generation, o.status, o.attempt_count, o.next_attempt_at, COALESCE(o.last_error, ''), o.enqueued_at, o.updated_at
	`, now, now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim form sync: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// CompleteFormSync removes the row when no newer write arrived while it was
// processing; otherwise the row goes back to pending.
func (s *PostgresStore) CompleteFormSync(ctx context.Context, formID string, generation int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM form_sync_outbox WHERE form_id=$1 AND generation=$2`, formID, generation)
	if err != nil {
		return fmt.Errorf("complete form sync: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE form_sync_outbox SET status='pending', next_attempt_at=NOW(), updated_at=NOW()
		WHERE form_id=$1 AND status='processing'
	`, formID); err != nil {
		return fmt.Errorf("release form sync: %w", err)
	}
	return nil
}

// RetryFormSync records a failed attempt. A newer generation resets the row to
// pending with a fresh attempt budget.
func (s *PostgresStore) RetryFormSync(ctx context.Context, formID string, generation int64, attempt int, nextAttemptAt time.Time, dead bool, lastError string) error {
	status := OutboxFailed
	if dead {
		status = OutboxDead
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE form_sync_outbox SET
			status = CASE WHEN generation = $2 THEN $3 ELSE 'pending' END,
			attempt_count = CASE WHEN generation = $2 THEN $4 ELSE 0 END,
			next_attempt_at = CASE WHEN generation = $2 THEN $5 ELSE NOW() END,
			last_error = $6,
			updated_at = NOW()
		WHERE form_id = $1
	`, formID, generation, status, attempt, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("retry form sync: %w", err)
	}
	return nil
}

func (s *PostgresStore) SummarizeFormSync(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM form_sync_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("summarize form sync: %w", err)
	}
	defer rows.Close()

	summary := map[string]int{
		OutboxPending:    0,
		OutboxProcessing: 0,
		OutboxFailed:     0,
		OutboxDead:       0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan form sync summary: %w", err)
		}
		summary[status] = count
	}
	return summary, rows.Err()
}

func (s *PostgresStore) ListFormSync(ctx context.Context, status string, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT form_id, generation, status, attempt_count, next_attempt_at, COALESCE(last_error, ''), enqueued_at, updated_at
		FROM form_sync_outbox
		WHERE ($1 = '' OR status = $1)
		ORDER BY next_attempt_at, form_id
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list form sync: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// RequeueFormSync moves a dead row back to pending. It reports false when
// no dead row exists for formID.
func (s *PostgresStore) RequeueFormSync(ctx context.Context, formID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE form_sync_outbox
		SET status='pending', attempt_count=0, next_attempt_at=NOW(), last_error=NULL, updated_at=NOW()
		WHERE form_id=$1 AND status='dead'
	`, formID)
	if err != nil {
		return false, fmt.Errorf("requeue form sync: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func scanOutboxRows(rows *sql.Rows) ([]OutboxEntry, error) {
	entries := make([]OutboxEntry, 0)
	for rows.Next() {
		var entry OutboxEntry
		if err := rows.Scan(
			&entry.FormID,
			&entry.Generation,
			&entry.Status,
			&entry.AttemptCount,
			&entry.NextAttemptAt,
			&entry.LastError,
			&entry.EnqueuedAt,
			&entry.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan form sync: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
