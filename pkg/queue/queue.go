// Package queue provides the durable work queue between the poller and the
// worker. Two interchangeable backends implement the same claim/retry
// contract: a filesystem spool and a database-row state machine.
package queue

import (
	"encoding/json"
	"regexp"
	"time"
)

// Item is one unit of discovered work. ExternalID is the dedup key; Payload
// carries enough context to process without a second network round-trip when
// possible, though consumers may always re-fetch by id because payload URLs
// go stale.
type Item struct {
	Source     string          `json:"source"`
	EventType  string          `json:"event_type"`
	ExternalID string          `json:"external_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewItem creates a queue item.
func NewItem(source, eventType, externalID string, payload json.RawMessage) Item {
	return Item{
		Source:     source,
		EventType:  eventType,
		ExternalID: externalID,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
}

// Queue is the durable queue contract. All mutations are atomic conditional
// operations, so multiple workers may share one queue without extra
// coordination.
type Queue interface {
	// Enqueue is idempotent: an external id with a live (ready, claimed or
	// backing-off) entry is a silent no-op.
	Enqueue(item Item) error

	// DequeueBatch returns up to maxItems ready entries, oldest first:
	// never-claimed entries plus failed entries whose backoff has elapsed.
	// Returned entries are atomically claimed; no two concurrent callers
	// receive the same entry.
	DequeueBatch(maxItems int) ([]Item, error)

	// MarkProcessed acknowledges one claimed entry, removing it permanently.
	MarkProcessed(item Item) error

	// MarkBatchProcessed acknowledges the still-claimed entries of one
	// batch. Only the given items are touched; entries already sent to
	// retry via MarkFailed and claims held by other consumers are left
	// alone.
	MarkBatchProcessed(items []Item) error

	// MarkFailed returns a claimed entry to a retry-eligible state stamped
	// with the current time; it becomes claimable again once the backoff
	// window has elapsed. The entry is never deleted here.
	MarkFailed(item Item, reason string) error

	// Reclaim returns entries claimed longer than olderThan ago to the ready
	// state. Run at startup: a crashed claimant never unclaims itself.
	Reclaim(olderThan time.Duration) (int, error)

	// Size is an approximate count of ready plus retry-eligible entries,
	// for observability only.
	Size() int
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SafeID makes a filesystem-safe name from an external id. Every character
// outside the allow-list is replaced, never dropped.
func SafeID(value string) string {
	s := unsafeIDChars.ReplaceAllString(value, "_")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
