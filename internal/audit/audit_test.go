package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilLoggerLogDoesNotPanic(t *testing.T) {
	var l *Logger
	l.Log(EventStaged, "run-1", map[string]any{"version": "1.0.0"})
}

func TestNilLoggerCloseDoesNotPanic(t *testing.T) {
	var l *Logger
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
}

func TestNilLoggerDroppedCountReturnsNegOne(t *testing.T) {
	var l *Logger
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
}

func TestLogWritesJSONLEntry(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventPromoted, "run-1", map[string]any{"version": "1.1.0"})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.EventType != EventPromoted || e.RunID != "run-1" {
		t.Fatalf("entry = %+v", e)
	}
	if e.PrevHash != genesisHash {
		t.Fatalf("prevHash = %q, want genesis", e.PrevHash)
	}
	if e.EntryHash == "" {
		t.Fatal("entryHash is empty")
	}
	if got := l.DroppedCount(); got != 0 {
		t.Fatalf("DroppedCount() = %d, want 0", got)
	}
}

func TestHashChainLinking(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventUpdateStarted, "run-1", nil)
	l.Log(EventStaged, "", map[string]any{"version": "1.1.0"})
	l.Log(EventPromoted, "", map[string]any{"version": "1.1.0", "previous": "1.0.0"})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d] does not link to entry[%d]", i, i-1)
		}
	}
	n, err := VerifyFile(l.filePath)
	if err != nil || n != 3 {
		t.Fatalf("VerifyFile = %d, %v", n, err)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	l, err := NewLogger(path, 1, 2)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Log(EventInstall, "", map[string]any{"version": "1.0.0"})
	l.Close()

	l, err = NewLogger(path, 1, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l.Log(EventStaged, "", map[string]any{"version": "1.1.0"})
	l.Close()

	entries := readEntries(t, path)
	if len(entries) != 2 || entries[1].PrevHash != entries[0].EntryHash {
		t.Fatalf("chain not continued across reopen: %+v", entries)
	}
	if _, err := VerifyFile(path); err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventInstall, "", map[string]any{"version": "1.0.0"})
	l.Log(EventPromoted, "", map[string]any{"version": "1.1.0"})
	l.Close()

	data, _ := os.ReadFile(l.filePath)
	tampered := strings.Replace(string(data), `"1.1.0"`, `"9.9.9"`, 1)
	if _, err := Verify(strings.NewReader(tampered)); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("edited entry: got %v, want ErrChainBroken", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if _, err := Verify(strings.NewReader(lines[1] + "\n" + lines[0] + "\n")); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("reordered entries: got %v, want ErrChainBroken", err)
	}
}

func TestRotationSentinelCrossFileHashChain(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 300

	for i := 0; i < 10; i++ {
		l.Log(EventStaged, "run-x", map[string]any{"i": i})
	}
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) == 0 {
		t.Fatal("no entries in current file after rotation")
	}
	if entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry eventType = %q, want %q", entries[0].EventType, EventLogRotated)
	}
	if prev, _ := entries[0].Details["previousFile"].(string); prev != "audit.jsonl.1" {
		t.Fatalf("sentinel previousFile = %q", prev)
	}

	backup := readEntries(t, l.filePath+".1")
	if len(backup) == 0 {
		t.Fatal("no entries in backup file")
	}
	if entries[0].PrevHash != backup[len(backup)-1].EntryHash {
		t.Fatal("sentinel does not link to last entry of the rotated file")
	}
	if _, err := VerifyFile(l.filePath); err != nil {
		t.Fatalf("current file chain: %v", err)
	}
}

func TestCriticalEventsSet(t *testing.T) {
	for _, e := range []string{EventPromoted, EventRolledBack, EventLockBroken} {
		if !criticalEvents[e] {
			t.Errorf("event %q should be in criticalEvents", e)
		}
	}
	for _, e := range []string{EventStaged, EventUpdateStarted, EventInstall} {
		if criticalEvents[e] {
			t.Errorf("event %q should NOT be in criticalEvents", e)
		}
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	l := newTestLogger(t)

	l.file.Close()
	f, err := os.Open(l.filePath) // read-only
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	l.file = f

	l.Log(EventStaged, "run-1", nil)

	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	if l.prevHash != genesisHash {
		t.Fatal("chain advanced after a failed write")
	}
	l.file.Close()
}

// --- helpers ---

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"), 50, 3)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}
