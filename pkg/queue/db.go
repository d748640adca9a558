package queue

import (
	"database/sql"
	"fmt"
	"time"

	"attachsync/pkg/logger"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
	external_id     TEXT PRIMARY KEY,
	source          TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         BLOB,
	status          TEXT NOT NULL DEFAULT 'pending',
	error_message   TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	claimed_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status, updated_at);
`

// DB is the database-row queue backend. Entry state lives in a status
// column; claims are conditional updates so races resolve to exactly one
// winner by affected-row count.
type DB struct {
	db           *sql.DB
	retryBackoff time.Duration
	logger       logger.Logger
}

// NewDB creates the database queue backend on an open sqlite handle,
// creating its table if needed.
func NewDB(db *sql.DB, retryBackoff time.Duration, log logger.Logger) (*DB, error) {
	if _, err := db.Exec(queueSchema); err != nil {
		return nil, fmt.Errorf("failed to create queue schema: %w", err)
	}
	return &DB{
		db:           db,
		retryBackoff: retryBackoff,
		logger:       log,
	}, nil
}

// Enqueue inserts the entry if no live entry with the same external id
// exists. INSERT OR IGNORE is the atomic create-if-absent primitive here.
func (q *DB) Enqueue(item Item) error {
	now := time.Now().Unix()
	res, err := q.db.Exec(`
		INSERT OR IGNORE INTO queue_items
			(external_id, source, event_type, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		item.ExternalID, item.Source, item.EventType, []byte(item.Payload), now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		q.logger.DebugWithFields("queue item already present", map[string]interface{}{
			"external_id": item.ExternalID,
		})
		return nil
	}

	q.logger.InfoWithFields("queue enqueued", map[string]interface{}{
		"source":      item.Source,
		"external_id": item.ExternalID,
	})
	return nil
}

// DequeueBatch claims up to maxItems ready rows: pending rows plus retry
// rows whose backoff elapsed, oldest first by last state change.
func (q *DB) DequeueBatch(maxItems int) ([]Item, error) {
	now := time.Now()
	retryCutoff := now.Add(-q.retryBackoff).Unix()

	rows, err := q.db.Query(`
		SELECT external_id, source, event_type, payload, created_at
		FROM queue_items
		WHERE status = 'pending'
		   OR (status = 'retry' AND updated_at <= ?)
		ORDER BY updated_at ASC
		LIMIT ?`,
		retryCutoff, maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready queue items: %w", err)
	}

	var candidates []Item
	for rows.Next() {
		var item Item
		var payload []byte
		var createdAt int64
		if err := rows.Scan(&item.ExternalID, &item.Source, &item.EventType, &payload, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.Payload = payload
		item.CreatedAt = time.Unix(createdAt, 0)
		candidates = append(candidates, item)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	// Claim each candidate individually; another worker may win any row
	// between the select and the update.
	var items []Item
	for _, item := range candidates {
		res, err := q.db.Exec(`
			UPDATE queue_items
			SET status = 'claimed', claimed_at = ?, updated_at = ?
			WHERE external_id = ? AND status IN ('pending', 'retry')`,
			now.Unix(), now.Unix(), item.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim queue item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		items = append(items, item)
	}

	return items, nil
}

// MarkProcessed acknowledges one claimed row by deleting it.
func (q *DB) MarkProcessed(item Item) error {
	_, err := q.db.Exec(`DELETE FROM queue_items WHERE external_id = ? AND status = 'claimed'`,
		item.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge queue item: %w", err)
	}
	return nil
}

// MarkBatchProcessed acknowledges the given batch's still-claimed rows.
// Rows already sent to retry via MarkFailed do not match the status
// condition and survive.
func (q *DB) MarkBatchProcessed(items []Item) error {
	for _, item := range items {
		if _, err := q.db.Exec(`DELETE FROM queue_items WHERE external_id = ? AND status = 'claimed'`,
			item.ExternalID); err != nil {
			q.logger.WithError(err).WithField("external_id", item.ExternalID).
				Error("failed to acknowledge queue item")
		}
	}
	return nil
}

// MarkFailed returns a claimed row to retry, stamping the backoff clock.
func (q *DB) MarkFailed(item Item, reason string) error {
	_, err := q.db.Exec(`
		UPDATE queue_items
		SET status = 'retry', error_message = ?, updated_at = ?
		WHERE external_id = ? AND status = 'claimed'`,
		reason, time.Now().Unix(), item.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to mark queue item failed: %w", err)
	}

	q.logger.InfoWithFields("queue entry failed, backing off", map[string]interface{}{
		"external_id": item.ExternalID,
		"backoff":     q.retryBackoff,
		"reason":      reason,
	})
	return nil
}

// Reclaim returns rows claimed longer than olderThan ago to pending.
func (q *DB) Reclaim(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := q.db.Exec(`
		UPDATE queue_items
		SET status = 'pending', claimed_at = NULL, updated_at = ?
		WHERE status = 'claimed' AND claimed_at <= ?`,
		time.Now().Unix(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale claims: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.WarnWithFields("reclaimed stale queue claims", map[string]interface{}{
			"count": n,
		})
	}
	return int(n), nil
}

// Size approximates the number of claimable rows.
func (q *DB) Size() int {
	retryCutoff := time.Now().Add(-q.retryBackoff).Unix()
	var n int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM queue_items
		WHERE status = 'pending'
		   OR (status = 'retry' AND updated_at <= ?)`,
		retryCutoff).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
