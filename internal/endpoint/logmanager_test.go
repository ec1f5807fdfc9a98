package endpoint

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogManagerRecentReturnsLastNOldestFirst(t *testing.T) {
	lm, err := NewLogManager(t.TempDir(), 1<<20, 2, 5)
	if err != nil {
		t.Fatalf("NewLogManager: %v", err)
	}
	defer lm.Close()

	for i := 0; i < 3; i++ {
		if _, err := lm.WriteLevel(zerolog.InfoLevel, []byte(fmt.Sprintf("line-%d\n", i))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	got := lm.Recent(2)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Message != "line-1\n" || got[1].Message != "line-2\n" {
		t.Fatalf("expected the last two entries oldest-first, got %+v", got)
	}
}

func TestLogManagerRecentWrapsAroundRing(t *testing.T) {
	lm, err := NewLogManager(t.TempDir(), 1<<20, 2, 3)
	if err != nil {
		t.Fatalf("NewLogManager: %v", err)
	}
	defer lm.Close()

	for i := 0; i < 5; i++ {
		if _, err := lm.WriteLevel(zerolog.InfoLevel, []byte(fmt.Sprintf("line-%d\n", i))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	got := lm.Recent(0) // limit<=0 returns everything held
	if len(got) != 3 {
		t.Fatalf("expected the ring capacity of 3 entries, got %d", len(got))
	}
	want := []string{"line-2\n", "line-3\n", "line-4\n"}
	for i, w := range want {
		if got[i].Message != w {
			t.Fatalf("entry %d: expected %q, got %q", i, w, got[i].Message)
		}
	}
}

func TestLogManagerRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	lm, err := NewLogManager(dir, 10, 2, 10)
	if err != nil {
		t.Fatalf("NewLogManager: %v", err)
	}
	defer lm.Close()

	for i := 0; i < 5; i++ {
		if _, err := lm.WriteLevel(zerolog.InfoLevel, []byte("0123456789\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	stats := lm.Stats()
	if stats.FileBytes <= 0 {
		t.Fatal("expected the current file to hold some bytes after rotation")
	}
}

func TestLogManagerSetLevel(t *testing.T) {
	lm, err := NewLogManager(t.TempDir(), 1<<20, 1, 5)
	if err != nil {
		t.Fatalf("NewLogManager: %v", err)
	}
	defer lm.Close()

	lm.SetLevel(zerolog.DebugLevel)
	if lm.Level() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %v", lm.Level())
	}
}
