package resultstore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndQueryEntries(t *testing.T) {
	s := openTestStore(t)

	if err := s.AppendDataPoint("exp1", "vm1", map[string]any{"rtt_ms": 1.5}, time.Now()); err != nil {
		t.Fatalf("AppendDataPoint: %v", err)
	}
	if err := s.AppendLog("exp1", "vm1", map[string]any{"message": "hello"}, time.Now()); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	entries, err := s.Entries("exp1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if !e.AfterSnapshot {
			t.Fatalf("expected fresh entry to have AfterSnapshot=true: %+v", e)
		}
	}
}

func TestCheckpointMarksAndClears(t *testing.T) {
	s := openTestStore(t)

	if err := s.AppendDataPoint("exp1", "vm1", map[string]any{"x": 1}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordAppStatus(AppStatus{Experiment: "exp1", Instance: "vm1", AppName: "ping", State: "finished", RecordedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := s.Checkpoint("exp1"); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	entries, err := s.Entries("exp1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].AfterSnapshot {
		t.Fatalf("expected 1 entry marked after_snapshot=false, got %+v", entries)
	}

	var count int
	if err := s.db.QueryRow(`SELECT count(*) FROM application_records WHERE experiment = ?`, "exp1").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected application_records cleared, found %d", count)
	}
}
