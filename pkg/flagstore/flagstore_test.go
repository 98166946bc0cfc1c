package flagstore

import (
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "flags.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFlagDefaultsToClear(t *testing.T) {
	s := openStore(t)

	flag, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if flag.Pending || flag.ExpectedSize != 0 {
		t.Errorf("fresh store must read as clear, got %+v", flag)
	}
}

func TestFlagSetAndClear(t *testing.T) {
	s := openStore(t)

	if err := s.Set(123456); err != nil {
		t.Fatal(err)
	}
	flag, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !flag.Pending || flag.ExpectedSize != 123456 {
		t.Errorf("expected {pending:true, size:123456}, got %+v", flag)
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	flag, err = s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if flag.Pending || flag.ExpectedSize != 0 {
		t.Errorf("expected clear after Clear, got %+v", flag)
	}

	// Clearing an already-clear flag is not an error.
	if err := s.Clear(); err != nil {
		t.Errorf("second clear failed: %v", err)
	}
}

func TestFlagSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(77); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// The recovery program reads the same file on the next boot.
	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	flag, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !flag.Pending || flag.ExpectedSize != 77 {
		t.Errorf("flag did not survive reopen, got %+v", flag)
	}
}
