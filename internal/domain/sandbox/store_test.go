package sandbox

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *RecordStore {
	t.Helper()
	store, err := NewRecordStore(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("NewRecordStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordStorePutListDelete(t *testing.T) {
	store := openTestStore(t)

	rec := newTestRecord("student-1", "abc123")
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	records, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("List returned %d records, want 1", len(records))
	}
	got := records[0]
	if got.SandboxID != "abc123" || got.OwnerID != "student-1" || got.Status != StatusRunning {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	if err := store.Delete("abc123"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	records, err = store.List()
	if err != nil {
		t.Fatalf("List after delete: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("List returned %d records after delete, want 0", len(records))
	}

	// Deleting an unknown ID is a no-op.
	if err := store.Delete("missing"); err != nil {
		t.Errorf("Delete(missing): %v", err)
	}
}

func TestRecordStoreUpsert(t *testing.T) {
	store := openTestStore(t)

	rec := newTestRecord("student-1", "abc123")
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec.Endpoint = "127.0.0.1:50000"
	rec.Status = StatusStopping
	if err := store.Put(rec); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	records, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("upsert produced %d rows, want 1", len(records))
	}
	if records[0].Endpoint != "127.0.0.1:50000" || records[0].Status != StatusStopping {
		t.Errorf("upsert did not update fields: %+v", records[0])
	}
}

func TestManagerRecoverOrphans(t *testing.T) {
	store := openTestStore(t)
	rt := newFakeRuntime()

	// A record from a previous process run with no live registry entry.
	if err := store.Put(newTestRecord("student-1", "stale-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	m := newTestManager(rt)
	m.store = store
	m.RecoverOrphans(context.Background())

	if rt.removedCount("stale-1") != 1 {
		t.Errorf("orphan removed %d times, want 1", rt.removedCount("stale-1"))
	}
	records, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("store still holds %d records after recovery", len(records))
	}
}
