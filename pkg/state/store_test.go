package state

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"attachsync/pkg/logger"
)

func newTestStore(t *testing.T, maxRetries int) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, maxRetries, logger.NewNop())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func testRecord(id string) Record {
	return Record{
		AttachmentID:     id,
		MessageID:        "msg-1",
		ConversationID:   "conv-1",
		OriginalFilename: "invoice.pdf",
		OriginalURL:      "https://files.example.com/invoice.pdf?Expires=9999999999",
		MediaType:        "application",
		SubType:          "pdf",
		Size:             1024,
		Project:          "Accounting",
		SenderName:       "Jane Doe",
		SenderAddress:    "jane@example.com",
		Subject:          "Invoice March",
		DeliveredAt:      time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	store := newTestStore(t, 3)

	if err := store.Register(testRecord("att-1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Claim, then re-register the same attachment. The existing record and
	// its status must survive.
	claimed, err := store.Claim("att-1")
	if err != nil || !claimed {
		t.Fatalf("Claim failed: claimed=%v err=%v", claimed, err)
	}
	if err := store.Register(testRecord("att-1")); err != nil {
		t.Fatalf("Re-register failed: %v", err)
	}

	counts, err := store.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusDownloading] != 1 || counts[StatusPending] != 0 {
		t.Errorf("Re-register must not reset state, counts: %v", counts)
	}
}

func TestClaimHasOneWinner(t *testing.T) {
	store := newTestStore(t, 3)
	if err := store.Register(testRecord("att-1")); err != nil {
		t.Fatal(err)
	}

	first, err := store.Claim("att-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Claim("att-1")
	if err != nil {
		t.Fatal(err)
	}

	if !first || second {
		t.Errorf("Exactly one claim must win, got first=%v second=%v", first, second)
	}
}

func TestFailReturnsToPendingBelowCeiling(t *testing.T) {
	store := newTestStore(t, 3)
	if err := store.Register(testRecord("att-1")); err != nil {
		t.Fatal(err)
	}

	// Two failures stay below the ceiling of three.
	for i := 0; i < 2; i++ {
		if ok, _ := store.Claim("att-1"); !ok {
			t.Fatalf("Claim %d should succeed", i+1)
		}
		if err := store.Fail("att-1", "connection reset"); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := store.GetPending(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("Expected record back in pending, got %d", len(recs))
	}
	if recs[0].RetryCount != 2 {
		t.Errorf("Expected retry count 2, got %d", recs[0].RetryCount)
	}
	if recs[0].ErrorMessage != "connection reset" {
		t.Errorf("Expected error message recorded, got %q", recs[0].ErrorMessage)
	}
}

func TestFailReachesCeiling(t *testing.T) {
	store := newTestStore(t, 3)
	if err := store.Register(testRecord("att-1")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if ok, _ := store.Claim("att-1"); !ok {
			t.Fatalf("Claim %d should succeed", i+1)
		}
		if err := store.Fail("att-1", "still broken"); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := store.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusFailed] != 1 {
		t.Errorf("Expected failed after 3 attempts, counts: %v", counts)
	}

	// Terminal records are out of the claim pool.
	if ok, _ := store.Claim("att-1"); ok {
		t.Error("Failed record must not be claimable")
	}
}

func TestFailTruncatesLongErrors(t *testing.T) {
	store := newTestStore(t, 3)
	if err := store.Register(testRecord("att-1")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Claim("att-1"); !ok {
		t.Fatal("Claim should succeed")
	}

	if err := store.Fail("att-1", strings.Repeat("x", 900)); err != nil {
		t.Fatal(err)
	}

	recs, err := store.GetPending(1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Expected 1 pending record, err %v", err)
	}
	if len(recs[0].ErrorMessage) != 500 {
		t.Errorf("Expected error capped at 500 chars, got %d", len(recs[0].ErrorMessage))
	}
}

func TestCompleteAndSkipAreTerminal(t *testing.T) {
	store := newTestStore(t, 3)
	for _, id := range []string{"att-done", "att-skip"} {
		if err := store.Register(testRecord(id)); err != nil {
			t.Fatal(err)
		}
	}

	if ok, _ := store.Claim("att-done"); !ok {
		t.Fatal("Claim should succeed")
	}
	if err := store.Complete("att-done", "/data/attachments/invoice.pdf"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Claim("att-skip"); !ok {
		t.Fatal("Claim should succeed")
	}
	if err := store.Skip("att-skip", "skip type: application/pgp-signature"); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"att-done", "att-skip"} {
		if ok, _ := store.Claim(id); ok {
			t.Errorf("Terminal record %s must not be claimable", id)
		}
	}

	recs, err := store.GetByConversation("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		if !Terminal(rec.Status) {
			t.Errorf("Expected %s terminal, got %s", rec.AttachmentID, rec.Status)
		}
	}
}

func TestResetStuck(t *testing.T) {
	store := newTestStore(t, 3)
	if err := store.Register(testRecord("att-1")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Claim("att-1"); !ok {
		t.Fatal("Claim should succeed")
	}

	// A fresh download is left alone.
	n, err := store.ResetStuck(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Fresh download must not be reset, got %d", n)
	}

	// A negative timeout makes every downloading record stale, standing in
	// for a crashed worker.
	n, err = store.ResetStuck(-time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 reset record, got %d", n)
	}
	if ok, _ := store.Claim("att-1"); !ok {
		t.Error("Reset record must be claimable again")
	}
}

func TestStaleTransitionCannotMutateAdvancedRecord(t *testing.T) {
	store := newTestStore(t, 3)
	if err := store.Register(testRecord("att-1")); err != nil {
		t.Fatal(err)
	}

	// Worker one claims, stalls, and its claim is reset as stuck; worker
	// two re-claims and completes the download.
	if ok, _ := store.Claim("att-1"); !ok {
		t.Fatal("First claim should succeed")
	}
	if _, err := store.ResetStuck(-time.Second); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Claim("att-1"); !ok {
		t.Fatal("Second claim should succeed")
	}
	if err := store.Complete("att-1", "/data/attachments/invoice.pdf"); err != nil {
		t.Fatal(err)
	}

	// Worker one wakes up and reports its outcome. It no longer holds the
	// claim, so nothing may change.
	if err := store.Fail("att-1", "timed out"); err != nil {
		t.Fatal(err)
	}
	if err := store.Complete("att-1", "/data/attachments/other.pdf"); err != nil {
		t.Fatal(err)
	}

	recs, err := store.GetByConversation("conv-1")
	if err != nil || len(recs) != 1 {
		t.Fatalf("Expected 1 record, err %v", err)
	}
	rec := recs[0]
	if rec.Status != StatusCompleted {
		t.Errorf("Completed record mutated by stale transition, status %s", rec.Status)
	}
	if rec.RetryCount != 0 {
		t.Errorf("Stale fail must not bump retry count, got %d", rec.RetryCount)
	}
	if rec.LocalPath != "/data/attachments/invoice.pdf" {
		t.Errorf("Stale complete must not rewrite the local path, got %q", rec.LocalPath)
	}
	if ok, _ := store.Claim("att-1"); ok {
		t.Error("Completed record must not be claimable")
	}
}

func TestOwnerOf(t *testing.T) {
	store := newTestStore(t, 3)
	if err := store.Register(testRecord("att-1")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Claim("att-1"); !ok {
		t.Fatal("Claim should succeed")
	}
	if err := store.Complete("att-1", "/data/Accounting/2024-03/jane__invoice/invoice.pdf"); err != nil {
		t.Fatal(err)
	}

	owner, err := store.OwnerOf("/data/Accounting/2024-03/jane__invoice/invoice.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "att-1" {
		t.Errorf("Expected att-1, got %q", owner)
	}

	owner, err = store.OwnerOf("/data/nowhere.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "" {
		t.Errorf("Expected empty owner for unknown path, got %q", owner)
	}
}

func TestGetPendingExcludesExhaustedRecords(t *testing.T) {
	store := newTestStore(t, 1)
	if err := store.Register(testRecord("att-1")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Claim("att-1"); !ok {
		t.Fatal("Claim should succeed")
	}
	if err := store.Fail("att-1", "fatal"); err != nil {
		t.Fatal(err)
	}

	recs, err := store.GetPending(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("Record at the ceiling must not be pending, got %d", len(recs))
	}
}

func TestTerminal(t *testing.T) {
	for st, want := range map[Status]bool{
		StatusPending:     false,
		StatusDownloading: false,
		StatusCompleted:   true,
		StatusFailed:      true,
		StatusSkipped:     true,
	} {
		if got := Terminal(st); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", st, got, want)
		}
	}
}
