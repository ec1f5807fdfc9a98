package idgen

import "testing"

func TestGenerateLengthAndAlphabet(t *testing.T) {
	id := Generate()
	if len(id) != 24 {
		t.Fatalf("expected a 24-character id, got %d (%q)", len(id), id)
	}
	for _, r := range id {
		found := false
		for _, a := range alphabet {
			if r == a {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("id %q contains a character outside the configured alphabet: %q", id, r)
		}
	}
}

func TestGenerateIsNotConstant(t *testing.T) {
	seen := make(map[string]bool, 50)
	for i := 0; i < 50; i++ {
		seen[Generate()] = true
	}
	if len(seen) < 45 {
		t.Fatalf("expected Generate to produce distinct ids across calls, got %d unique out of 50", len(seen))
	}
}
