package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	records := Load(filepath.Join(t.TempDir(), "missing.json"))
	if records != nil {
		t.Fatalf("expected nil records for missing file, got %v", records)
	}
}

func TestLoadCorruptFileReturnsEmptyNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	records := Load(path)
	if records != nil {
		t.Fatalf("expected nil records for corrupt file, got %v", records)
	}
}

func TestAppendPersistsAndTrims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	log := Open(path)

	for i := 0; i < maxRecords+10; i++ {
		rec := Record{
			Timestamp:        time.Now(),
			AttemptedVersion: "1.0.0",
			Outcome:          OutcomeSuccess,
		}
		if err := log.Append(rec); err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
	}

	records := log.Records()
	if len(records) != maxRecords {
		t.Fatalf("expected history trimmed to %d records, got %d", maxRecords, len(records))
	}
}

func TestAppendIsCrashSafeNoTmpFileLeftBehind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	log := Open(path)
	if err := log.Append(Record{Timestamp: time.Now(), Outcome: OutcomeSuccess, AttemptedVersion: "1.0.0"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected no leftover .tmp file, stat err=%v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read history file: %v", err)
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		t.Fatalf("history file is not valid JSON: %v", err)
	}
}

func TestLastSuccessVersionIgnoresNonSuccessOutcomes(t *testing.T) {
	records := []Record{
		{AttemptedVersion: "1.0.0", Outcome: OutcomeSuccess},
		{AttemptedVersion: "1.0.1", Outcome: OutcomeChecksumMismatch},
		{AttemptedVersion: "1.0.1", Outcome: OutcomeSkippedSameVersion},
	}
	if got := LastSuccessVersion(records); got != "1.0.0" {
		t.Fatalf("LastSuccessVersion = %q, want 1.0.0", got)
	}
}

func TestLastSuccessVersionEmptyWhenNoSuccess(t *testing.T) {
	if got := LastSuccessVersion(nil); got != "" {
		t.Fatalf("LastSuccessVersion(nil) = %q, want empty", got)
	}
}

func TestCurrentStateUnknownWhenNoSuccess(t *testing.T) {
	state := CurrentState(nil)
	if state.CurrentVersion != UnknownVersion {
		t.Fatalf("CurrentState(nil).CurrentVersion = %q, want %q", state.CurrentVersion, UnknownVersion)
	}
	if !state.InstalledAt.IsZero() {
		t.Fatalf("expected zero InstalledAt, got %v", state.InstalledAt)
	}
}

func TestCurrentStateReflectsLastSuccess(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []Record{
		{AttemptedVersion: "1.0.0", Outcome: OutcomeSuccess, Timestamp: ts},
		{AttemptedVersion: "1.0.1", Outcome: OutcomeInstallFailed},
	}
	state := CurrentState(records)
	if state.CurrentVersion != "1.0.0" || !state.InstalledAt.Equal(ts) {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestQueryLastBoundsAndOrdering(t *testing.T) {
	var records []Record
	for i := 0; i < 5; i++ {
		records = append(records, Record{AttemptedVersion: string(rune('a' + i))})
	}

	last2 := QueryLast(records, 2)
	if len(last2) != 2 || last2[0].AttemptedVersion != "d" || last2[1].AttemptedVersion != "e" {
		t.Fatalf("unexpected QueryLast(2): %+v", last2)
	}
	if got := QueryLast(records, 0); len(got) != len(records) {
		t.Fatalf("QueryLast(0) should return all records")
	}
	if got := QueryLast(records, 100); len(got) != len(records) {
		t.Fatalf("QueryLast(100) should return all records when n exceeds length")
	}
}

// TestHistoryOrderingAcrossAppends verifies spec §8.6: records always
// appear in non-decreasing timestamp order as appended across cycles.
func TestHistoryOrderingAcrossAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	log := Open(path)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := Record{Timestamp: base.Add(time.Duration(i) * time.Minute), AttemptedVersion: "v", Outcome: OutcomeSuccess}
		if err := log.Append(rec); err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
	}

	records := log.Records()
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp.Before(records[i-1].Timestamp) {
			t.Fatalf("history out of order at index %d: %v before %v", i, records[i].Timestamp, records[i-1].Timestamp)
		}
	}
}
