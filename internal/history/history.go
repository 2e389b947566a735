// Package history persists the append-only record of update attempts as a
// single JSON array file, written crash-safely via a sibling temp file and
// rename.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jaganathg/ota-updater/internal/errkind"
)

// Outcome enumerates how an update attempt ended.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeDownloadFailed     Outcome = "download_failed"
	OutcomeChecksumMismatch   Outcome = "checksum_mismatch"
	OutcomeInstallFailed      Outcome = "install_failed"
	OutcomeRolledBack         Outcome = "rolled_back"
	OutcomeSkippedSameVersion Outcome = "skipped_same_version"
)

// Record is one entry in the update history.
type Record struct {
	Timestamp         time.Time `json:"timestamp"`
	AttemptedVersion  string    `json:"attempted_version"`
	PreviousVersion   string    `json:"previous_version"`
	Outcome           Outcome   `json:"outcome"`
	ErrorMessage      string    `json:"error_message,omitempty"`
}

// maxRecords bounds how many entries are kept on disk; older records are
// trimmed on append. The spec requires at least 100 be retained.
const maxRecords = 200

// Log owns the on-disk history file and the in-process lock guarding it.
// The daemon is the sole writer, matching the single-owner model in the
// spec; callers that only read (the `status` subcommand) can call Load
// directly without constructing a Log.
type Log struct {
	mu   sync.Mutex
	path string
}

// Open returns a Log bound to path. It does not read the file; callers
// interested in existing records should call Load first via Records.
func Open(path string) *Log {
	return &Log{path: path}
}

// Load reads the history file at path. A missing file yields an empty
// history with no error. A corrupt file logs a warning and yields an empty
// history rather than failing the caller's operation, matching the spec's
// tolerance for a damaged log.
func Load(path string) []Record {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		slog.Warn("read update history", "path", path, "error", err)
		return nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		slog.Warn("update history file is corrupt, starting fresh", "path", path, "error", err)
		return nil
	}
	return records
}

// LastSuccessVersion returns the attempted_version of the most recent
// successful install in records, or "" if there is none.
func LastSuccessVersion(records []Record) string {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Outcome == OutcomeSuccess {
			return records[i].AttemptedVersion
		}
	}
	return ""
}

// UnknownVersion is the sentinel spec.md §3 assigns to LocalState when no
// successful install has ever been recorded.
const UnknownVersion = "unknown"

// LocalState is the locally-known installed-kernel state, derived from the
// history log rather than from reading the kernel bytes themselves.
type LocalState struct {
	CurrentVersion string    `json:"current_version"`
	InstalledAt    time.Time `json:"installed_at"`
}

// CurrentState derives LocalState from records: the version and timestamp
// of the most recent successful install, or UnknownVersion with a zero
// InstalledAt if there is none.
func CurrentState(records []Record) LocalState {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Outcome == OutcomeSuccess {
			return LocalState{
				CurrentVersion: records[i].AttemptedVersion,
				InstalledAt:    records[i].Timestamp,
			}
		}
	}
	return LocalState{CurrentVersion: UnknownVersion}
}

// QueryLast returns the last n records in records, or all of them if n is
// non-positive or exceeds len(records), per spec.md §4.2's query_last(n)
// operation.
func QueryLast(records []Record, n int) []Record {
	if n <= 0 || n >= len(records) {
		return records
	}
	return records[len(records)-n:]
}

// Append loads the current file, adds rec, trims to maxRecords, and writes
// the result back atomically: the new array is marshaled to a sibling
// ".tmp" file in the same directory, fsynced, then renamed over the
// target. This mirrors the teacher's staged-manifest write pattern, the
// only place in the corpus that performs a crash-safe JSON write.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := Load(l.path)
	records = append(records, rec)
	if len(records) > maxRecords {
		records = records[len(records)-maxRecords:]
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errkind.New(errkind.IO, "history.Append", fmt.Errorf("marshal history: %w", err))
	}

	dir := filepath.Dir(l.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errkind.New(errkind.IO, "history.Append", fmt.Errorf("create history dir: %w", err))
		}
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errkind.New(errkind.IO, "history.Append", fmt.Errorf("open temp history file: %w", err))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errkind.New(errkind.IO, "history.Append", fmt.Errorf("write temp history file: %w", err))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errkind.New(errkind.IO, "history.Append", fmt.Errorf("fsync temp history file: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errkind.New(errkind.IO, "history.Append", fmt.Errorf("close temp history file: %w", err))
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return errkind.New(errkind.IO, "history.Append", fmt.Errorf("publish history file: %w", err))
	}
	return nil
}

// Records returns the current on-disk history, newest entry last.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Load(l.path)
}

// QueryLast returns the last n records, for status reporting.
func (l *Log) QueryLast(n int) []Record {
	return QueryLast(l.Records(), n)
}
