package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*StorageHook, string, func(msg string)) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.log")
	logger, hook, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hook.Close() })
	logger.SetOutput(io.Discard)
	return hook, path, func(msg string) { logger.Info(msg) }
}

func TestHookMirrorsToFile(t *testing.T) {
	hook, path, log := newTestLogger(t)

	log("first entry")
	if err := hook.Suspend(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "first entry") {
		t.Errorf("log file missing entry: %q", data)
	}
}

func TestHookSuspendStopsFileWrites(t *testing.T) {
	hook, path, log := newTestLogger(t)

	if err := hook.Suspend(); err != nil {
		t.Fatal(err)
	}
	log("while suspended")

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "while suspended") {
		t.Error("suspended hook must not write to the file")
	}

	// The ring still collects entries while suspended.
	if !containsLine(hook.Recent(), "while suspended") {
		t.Error("ring must keep collecting while suspended")
	}

	if err := hook.Resume(); err != nil {
		t.Fatal(err)
	}
	log("after resume")
	if err := hook.Suspend(); err != nil {
		t.Fatal(err)
	}

	data, _ = os.ReadFile(path)
	if !strings.Contains(string(data), "after resume") {
		t.Error("resumed hook must write to the file again")
	}
}

func TestRecentKeepsBoundedHistory(t *testing.T) {
	hook, _, log := newTestLogger(t)

	for i := 0; i < ringSize+50; i++ {
		log(fmt.Sprintf("entry %04d", i))
	}

	recent := hook.Recent()
	if len(recent) != ringSize {
		t.Fatalf("expected %d lines, got %d", ringSize, len(recent))
	}

	// Oldest first, and the first 50 entries have been evicted.
	if !strings.Contains(recent[0], "entry 0050") {
		t.Errorf("unexpected oldest line: %q", recent[0])
	}
	if !strings.Contains(recent[len(recent)-1], fmt.Sprintf("entry %04d", ringSize+49)) {
		t.Errorf("unexpected newest line: %q", recent[len(recent)-1])
	}
}

func TestRecentPartialFill(t *testing.T) {
	hook, _, log := newTestLogger(t)

	log("only entry")
	recent := hook.Recent()
	if len(recent) != 1 || !strings.Contains(recent[0], "only entry") {
		t.Errorf("unexpected recent lines: %v", recent)
	}
}

func containsLine(lines []string, substr string) bool {
	for _, line := range lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
