package session

import (
	"os"
	"testing"
	"time"
)

func TestArchiveRoundTrip(t *testing.T) {
	archive, err := NewArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}

	ended := time.Date(2026, 8, 29, 14, 30, 0, 0, time.UTC)
	state := &State{
		OwnerID:          "student-1",
		SandboxID:        "sb-1",
		SubjectLabel:     "Python",
		TotalSeconds:     3600,
		RemainingSeconds: 0,
		WarningsFired:    []int{300, 60, 20},
		Status:           StatusExpired,
		EndedAt:          ended,
		CaptureGaps:      2,
	}
	if err := archive.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(archive.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("archive holds %d files, want 1", len(entries))
	}

	got, err := archive.Load(entries[0].Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.OwnerID != "student-1" || got.Status != StatusExpired || got.CaptureGaps != 2 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if len(got.WarningsFired) != 3 {
		t.Errorf("WarningsFired = %v, want three entries", got.WarningsFired)
	}
}
