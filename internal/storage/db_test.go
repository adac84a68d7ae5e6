package storage

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCallRecordLifecycle(t *testing.T) {
	db := openTestDB(t)

	if got := filepath.Base(db.Path()); got != "data.db" {
		t.Fatalf("database file = %q, want data.db", got)
	}

	if err := db.CreateCallRecord("c1", "alice", "bob"); err != nil {
		t.Fatalf("CreateCallRecord: %v", err)
	}
	if err := db.UpdateCallStatus("c1", StatusConnected); err != nil {
		t.Fatalf("UpdateCallStatus connected: %v", err)
	}
	if err := db.UpdateCallStatus("c1", StatusEnded); err != nil {
		t.Fatalf("UpdateCallStatus ended: %v", err)
	}

	recs, err := db.RecentCalls(10)
	if err != nil {
		t.Fatalf("RecentCalls: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.ID != "c1" || r.CallerID != "alice" || r.CalleeID != "bob" {
		t.Fatalf("record = %+v", r)
	}
	if r.Status != StatusEnded {
		t.Fatalf("status = %q, want ended", r.Status)
	}
}

func TestUpdateUnknownCallTolerated(t *testing.T) {
	db := openTestDB(t)

	// The audit trail is best-effort: updating a record whose insert failed
	// earlier must not error.
	if err := db.UpdateCallStatus("ghost", StatusEnded); err != nil {
		t.Fatalf("UpdateCallStatus on missing record: %v", err)
	}
}

func TestUpdateRejectsInvalidStatus(t *testing.T) {
	db := openTestDB(t)

	if err := db.CreateCallRecord("c1", "alice", "bob"); err != nil {
		t.Fatalf("CreateCallRecord: %v", err)
	}
	if err := db.UpdateCallStatus("c1", "exploded"); err == nil {
		t.Fatal("invalid status accepted")
	}
}

func TestDuplicateCallIDRejected(t *testing.T) {
	db := openTestDB(t)

	if err := db.CreateCallRecord("c1", "alice", "bob"); err != nil {
		t.Fatalf("CreateCallRecord: %v", err)
	}
	if err := db.CreateCallRecord("c1", "alice", "bob"); err == nil {
		t.Fatal("duplicate call id accepted")
	}
}
