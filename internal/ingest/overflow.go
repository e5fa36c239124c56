package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Overflow categories. Wire-stage categories hold raw payloads that must be
// re-classified from scratch; class categories hold already-classified items
// that re-enter at the enqueue step.
const (
	CategoryUnknownMachineStatus   = "unknown-machine-status"
	CategoryUnknownMachineRotation = "unknown-machine-rotation"
	CategoryUnmappedReason         = "unmapped-reason"
	CategoryStatusOff              = "status-off"
	CategoryStatusOn               = "status-on"
	CategoryStatusBtn              = "status-btn"
	CategoryRotation               = "rotation"
)

// OverflowRecord is one spilled event: the category it was spilled under,
// the serialized event, and when it was spilled.
type OverflowRecord struct {
	Category   string          `json:"category"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// OverflowLog is the disk-backed escape valve: events that cannot be placed
// on a queue, resolved against reference data, or persisted are appended
// here as JSON lines, one file per category, and replayed later.
type OverflowLog struct {
	dir string
	mu  sync.Mutex
}

// NewOverflowLog creates the overflow directory if needed.
func NewOverflowLog(dir string) (*OverflowLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create overflow dir %s: %w", dir, err)
	}
	return &OverflowLog{dir: dir}, nil
}

func (l *OverflowLog) filePath(category string) string {
	return filepath.Join(l.dir, "overflow-"+category+".jsonl")
}

// Append serializes payload and appends it to the category's file. The call
// must not fail silently: an append error is returned so the caller can at
// least log and count the loss, but in practice a local append only fails
// when the disk itself is gone.
func (l *OverflowLog) Append(category string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal overflow payload: %w", err)
	}
	rec := OverflowRecord{Category: category, Payload: raw, EnqueuedAt: time.Now()}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal overflow record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.filePath(category), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open overflow file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append overflow record: %w", err)
	}
	return nil
}

// Pending reports how many overflow files currently hold spilled records.
func (l *OverflowLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	matches, _ := filepath.Glob(filepath.Join(l.dir, "overflow-*.jsonl"))
	return len(matches)
}

// Drain snapshots every overflow file, streams its records through fn, and
// deletes the snapshot afterwards. Records fn rejects (decode failures) are
// logged and skipped; fn itself is expected to re-spill anything it still
// cannot place, so a drained file never loses an event. Snapshots left over
// from a crash (.replaying files) are drained first.
func (l *OverflowLog) Drain(fn func(OverflowRecord) error) (int, error) {
	snapshots, err := l.snapshotFiles()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, path := range snapshots {
		n, err := l.drainFile(path, fn)
		replayed += n
		if err != nil {
			return replayed, err
		}
	}
	return replayed, nil
}

// snapshotFiles renames the live overflow files out of the way so appends
// during a drain land in fresh files, and picks up any leftover snapshots.
func (l *OverflowLog) snapshotFiles() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	live, err := filepath.Glob(filepath.Join(l.dir, "overflow-*.jsonl"))
	if err != nil {
		return nil, err
	}
	for _, path := range live {
		snap := strings.TrimSuffix(path, ".jsonl") + fmt.Sprintf(".%d.replaying", time.Now().UnixNano())
		if err := os.Rename(path, snap); err != nil {
			return nil, fmt.Errorf("failed to snapshot overflow file %s: %w", path, err)
		}
	}

	return filepath.Glob(filepath.Join(l.dir, "overflow-*.replaying"))
}

func (l *OverflowLog) drainFile(path string, fn func(OverflowRecord) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open overflow snapshot %s: %w", path, err)
	}

	replayed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec OverflowRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Printf("Skipping undecodable overflow record in %s: %v", path, err)
			continue
		}
		if err := fn(rec); err != nil {
			log.Printf("Failed to resubmit overflow record (category=%s): %v", rec.Category, err)
		} else {
			replayed++
		}
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return replayed, fmt.Errorf("failed reading overflow snapshot %s: %w", path, scanErr)
	}

	if err := os.Remove(path); err != nil {
		return replayed, fmt.Errorf("failed to remove drained overflow snapshot %s: %w", path, err)
	}
	return replayed, nil
}
