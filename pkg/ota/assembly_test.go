package ota

import "testing"

func TestURLAssemblyThreeParts(t *testing.T) {
	var a URLAssembly

	url, complete, err := a.Add(0, 3, "abc", "1.2.3")
	if err != nil || complete {
		t.Fatalf("chunk 0: unexpected result (%q, %v, %v)", url, complete, err)
	}
	if received, total := a.Received(); received != 1 || total != 3 {
		t.Errorf("after chunk 0: received=%d total=%d", received, total)
	}

	url, complete, err = a.Add(1, 3, "def", "1.2.3")
	if err != nil || complete {
		t.Fatalf("chunk 1: unexpected result (%q, %v, %v)", url, complete, err)
	}

	url, complete, err = a.Add(2, 3, "ghi", "1.2.3")
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Fatal("expected completion on final chunk")
	}
	if url != "abcdefghi" {
		t.Errorf("expected abcdefghi, got %q", url)
	}

	// Completion resets the assembly; the hand-off happens exactly once.
	if received, total := a.Received(); received != 0 || total != 0 {
		t.Errorf("assembly not reset after completion: received=%d total=%d", received, total)
	}
}

func TestURLAssemblyRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name         string
		index, total int
	}{
		{"IndexTooLarge", 10, 10},
		{"IndexNegative", -1, 3},
		{"TotalTooLarge", 0, 11},
		{"TotalZero", 0, 0},
		{"IndexBeyondTotal", 3, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var a URLAssembly
			if _, _, err := a.Add(tc.index, tc.total, "x", ""); err == nil {
				t.Errorf("Add(%d, %d) should be rejected", tc.index, tc.total)
			}
			if received, total := a.Received(); received != 0 || total != 0 {
				t.Error("rejected chunk must not mutate assembly state")
			}
		})
	}
}

func TestURLAssemblyRestartDiscardsIncomplete(t *testing.T) {
	var a URLAssembly

	a.Add(0, 3, "old0", "old")
	a.Add(1, 3, "old1", "old")

	// Index 0 starts a new transfer; the incomplete assembly is discarded.
	if _, complete, err := a.Add(0, 2, "new0", "new"); err != nil || complete {
		t.Fatalf("restart failed: complete=%v err=%v", complete, err)
	}
	if received, total := a.Received(); received != 1 || total != 2 {
		t.Fatalf("restart did not reset: received=%d total=%d", received, total)
	}
	if a.Version() != "new" {
		t.Errorf("expected new transfer version, got %q", a.Version())
	}

	url, complete, err := a.Add(1, 2, "new1", "new")
	if err != nil || !complete {
		t.Fatalf("completion failed: complete=%v err=%v", complete, err)
	}
	if url != "new0new1" {
		t.Errorf("expected new0new1, got %q", url)
	}
}

func TestURLAssemblyChangedTotalResets(t *testing.T) {
	var a URLAssembly

	a.Add(0, 3, "aaa", "")
	a.Add(1, 3, "bbb", "")

	// A different total mid-stream is the start of a new transfer even when
	// the index is nonzero.
	if _, _, err := a.Add(1, 2, "ccc", ""); err != nil {
		t.Fatal(err)
	}
	if received, total := a.Received(); received != 1 || total != 2 {
		t.Errorf("changed total did not reset: received=%d total=%d", received, total)
	}
}

func TestURLAssemblyDuplicateChunk(t *testing.T) {
	var a URLAssembly

	a.Add(0, 2, "first", "")
	a.Add(1, 2, "second", "")

	var b URLAssembly
	b.Add(0, 2, "first", "")
	if _, complete, _ := b.Add(1, 2, "second", ""); !complete {
		t.Fatal("two distinct chunks should complete")
	}

	// A resent chunk overwrites its slot without double-counting.
	var c URLAssembly
	c.Add(0, 3, "x", "")
	c.Add(1, 3, "y", "")
	if _, complete, _ := c.Add(1, 3, "y2", ""); complete {
		t.Fatal("duplicate chunk must not complete the assembly")
	}
	url, complete, _ := c.Add(2, 3, "z", "")
	if !complete || url != "xy2z" {
		t.Errorf("expected xy2z, got %q (complete=%v)", url, complete)
	}
}
