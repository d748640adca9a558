// Package state persists per-attachment lifecycle records. Every transition
// is a conditional update so concurrent workers race safely: the affected-row
// count decides the single winner.
package state

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"attachsync/pkg/logger"
)

// Status is the lifecycle state of one attachment.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
)

// Record is the durable lifecycle state of one attachment.
type Record struct {
	AttachmentID     string
	MessageID        string
	ConversationID   string
	OriginalFilename string
	OriginalURL      string
	MediaType        string
	SubType          string
	Size             int64
	Width            int
	Height           int
	Project          string
	SenderName       string
	SenderAddress    string
	Subject          string
	DeliveredAt      time.Time
	Status           Status
	RetryCount       int
	ErrorMessage     string
	LocalPath        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS attachments (
	attachment_id     TEXT PRIMARY KEY,
	message_id        TEXT NOT NULL,
	conversation_id   TEXT NOT NULL DEFAULT '',
	original_filename TEXT NOT NULL,
	original_url      TEXT NOT NULL,
	media_type        TEXT NOT NULL DEFAULT '',
	sub_type          TEXT NOT NULL DEFAULT '',
	size              INTEGER NOT NULL DEFAULT 0,
	width             INTEGER NOT NULL DEFAULT 0,
	height            INTEGER NOT NULL DEFAULT 0,
	project           TEXT NOT NULL DEFAULT '',
	sender_name       TEXT NOT NULL DEFAULT '',
	sender_address    TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	delivered_at      INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'pending',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT,
	local_path        TEXT,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachments_status ON attachments(status, created_at);
`

// maxErrorLen caps stored error messages.
const maxErrorLen = 500

// Store is the attachment state store.
type Store struct {
	db         *sql.DB
	maxRetries int
	logger     logger.Logger
}

// Open opens (or creates) the sqlite database file shared by the state store
// and the database queue backend.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewStore creates the state store on an open database handle, creating its
// table if needed.
func NewStore(db *sql.DB, maxRetries int, log logger.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create attachments schema: %w", err)
	}
	return &Store{db: db, maxRetries: maxRetries, logger: log}, nil
}

// Register inserts a pending record if the attachment id is unknown. Re-seen
// attachments (overlap re-scans, retried conversations) are no-ops.
func (s *Store) Register(rec Record) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO attachments (
			attachment_id, message_id, conversation_id, original_filename,
			original_url, media_type, sub_type, size, width, height,
			project, sender_name, sender_address, subject, delivered_at,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		rec.AttachmentID, rec.MessageID, rec.ConversationID, rec.OriginalFilename,
		rec.OriginalURL, rec.MediaType, rec.SubType, rec.Size, rec.Width, rec.Height,
		rec.Project, rec.SenderName, rec.SenderAddress, rec.Subject, rec.DeliveredAt.Unix(),
		now, now)
	if err != nil {
		return fmt.Errorf("failed to register attachment %s: %w", rec.AttachmentID, err)
	}
	return nil
}

// GetPending returns pending records below the retry ceiling, oldest first.
func (s *Store) GetPending(limit int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT attachment_id, message_id, conversation_id, original_filename,
		       original_url, media_type, sub_type, size, width, height,
		       project, sender_name, sender_address, subject, delivered_at,
		       status, retry_count, COALESCE(error_message, ''), COALESCE(local_path, ''),
		       created_at, updated_at
		FROM attachments
		WHERE status = 'pending' AND retry_count < ?
		ORDER BY created_at ASC
		LIMIT ?`,
		s.maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending attachments: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetByConversation returns every record belonging to a conversation.
func (s *Store) GetByConversation(conversationID string) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT attachment_id, message_id, conversation_id, original_filename,
		       original_url, media_type, sub_type, size, width, height,
		       project, sender_name, sender_address, subject, delivered_at,
		       status, retry_count, COALESCE(error_message, ''), COALESCE(local_path, ''),
		       created_at, updated_at
		FROM attachments
		WHERE conversation_id = ?
		ORDER BY created_at ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation attachments: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Claim transitions pending -> downloading. A false return means another
// claimant won; contention is expected and silent.
func (s *Store) Claim(attachmentID string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE attachments
		SET status = 'downloading', updated_at = ?
		WHERE attachment_id = ? AND status = 'pending'`,
		time.Now().Unix(), attachmentID)
	if err != nil {
		return false, fmt.Errorf("failed to claim attachment %s: %w", attachmentID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Complete records a successful download. Completed records are immutable
// afterwards; no further claim can reach them. Like every transition out of
// downloading, it only lands if this caller still holds the claim: a worker
// whose claim was reset as stuck and re-taken finds zero affected rows.
func (s *Store) Complete(attachmentID, localPath string) error {
	res, err := s.db.Exec(`
		UPDATE attachments
		SET status = 'completed', local_path = ?, error_message = NULL, updated_at = ?
		WHERE attachment_id = ? AND status = 'downloading'`,
		localPath, time.Now().Unix(), attachmentID)
	if err != nil {
		return fmt.Errorf("failed to complete attachment %s: %w", attachmentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logStaleTransition(attachmentID, "complete")
		return nil
	}
	s.logger.InfoWithFields("attachment completed", map[string]interface{}{
		"attachment_id": attachmentID,
		"local_path":    localPath,
	})
	return nil
}

// Skip records a pure pre-download classification decision. Never called
// after a download attempt has begun.
func (s *Store) Skip(attachmentID, reason string) error {
	res, err := s.db.Exec(`
		UPDATE attachments
		SET status = 'skipped', error_message = ?, updated_at = ?
		WHERE attachment_id = ? AND status = 'downloading'`,
		reason, time.Now().Unix(), attachmentID)
	if err != nil {
		return fmt.Errorf("failed to skip attachment %s: %w", attachmentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logStaleTransition(attachmentID, "skip")
		return nil
	}
	s.logger.InfoWithFields("attachment skipped", map[string]interface{}{
		"attachment_id": attachmentID,
		"reason":        reason,
	})
	return nil
}

// Fail increments the retry count and recomputes the status: failed once the
// ceiling is reached, otherwise back to pending so the next poll retries it.
// The outer poll interval is the backoff at this granularity.
func (s *Store) Fail(attachmentID, errMsg string) error {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	res, err := s.db.Exec(`
		UPDATE attachments
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
		    error_message = ?,
		    updated_at = ?
		WHERE attachment_id = ? AND status = 'downloading'`,
		s.maxRetries, errMsg, time.Now().Unix(), attachmentID)
	if err != nil {
		return fmt.Errorf("failed to mark attachment %s failed: %w", attachmentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logStaleTransition(attachmentID, "fail")
		return nil
	}
	s.logger.WarnWithFields("attachment failed", map[string]interface{}{
		"attachment_id": attachmentID,
		"error":         errMsg,
	})
	return nil
}

// logStaleTransition records a transition that found its claim gone: the
// record was reset as stuck and advanced by another worker in the meantime.
func (s *Store) logStaleTransition(attachmentID, transition string) {
	s.logger.WarnWithFields("stale transition ignored, claim no longer held", map[string]interface{}{
		"attachment_id": attachmentID,
		"transition":    transition,
	})
}

// ResetStuck returns downloads stuck in downloading past the timeout to
// pending. Must run at startup before any new claims are accepted.
func (s *Store) ResetStuck(timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	res, err := s.db.Exec(`
		UPDATE attachments
		SET status = 'pending', updated_at = ?
		WHERE status = 'downloading' AND updated_at <= ?`,
		time.Now().Unix(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck downloads: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.WarnWithFields("reset stuck downloads", map[string]interface{}{
			"count": n,
		})
	}
	return int(n), nil
}

// OwnerOf returns the attachment id that recorded localPath, or "" when no
// record claims it. The processor uses this to tell an idempotent re-run
// apart from a filename collision between distinct attachments.
func (s *Store) OwnerOf(localPath string) (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT attachment_id FROM attachments WHERE local_path = ? LIMIT 1`,
		localPath).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up path owner: %w", err)
	}
	return id, nil
}

// Counts returns the number of records per status, for observability.
func (s *Store) Counts() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM attachments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count attachments: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Terminal reports whether a status needs no further processing.
func Terminal(st Status) bool {
	return st == StatusCompleted || st == StatusFailed || st == StatusSkipped
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var delivered, created, updated int64
	var status string
	err := row.Scan(
		&rec.AttachmentID, &rec.MessageID, &rec.ConversationID, &rec.OriginalFilename,
		&rec.OriginalURL, &rec.MediaType, &rec.SubType, &rec.Size, &rec.Width, &rec.Height,
		&rec.Project, &rec.SenderName, &rec.SenderAddress, &rec.Subject, &delivered,
		&status, &rec.RetryCount, &rec.ErrorMessage, &rec.LocalPath,
		&created, &updated)
	if err != nil {
		return Record{}, fmt.Errorf("failed to scan attachment record: %w", err)
	}
	rec.Status = Status(status)
	rec.DeliveredAt = time.Unix(delivered, 0)
	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	return rec, nil
}
