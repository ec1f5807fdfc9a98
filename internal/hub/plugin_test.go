package hub

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestPluginLoaderReloadNonexistentDir(t *testing.T) {
	pl := newPluginLoader(filepath.Join(t.TempDir(), "missing"), nil, zerolog.Nop())
	result, err := pl.Reload()
	if err != nil {
		t.Fatalf("expected a missing plugin dir to be tolerated, got %v", err)
	}
	if len(result.Entries) != 0 {
		t.Fatalf("expected no entries, got %+v", result.Entries)
	}
}

func TestPluginLoaderIgnoresNonSoFiles(t *testing.T) {
	dir := t.TempDir()
	if err := writeFile(filepath.Join(dir, "readme.txt"), "not a plugin"); err != nil {
		t.Fatalf("write: %v", err)
	}

	pl := newPluginLoader(dir, nil, zerolog.Nop())
	result, err := pl.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(result.Entries) != 0 {
		t.Fatalf("expected non-.so files to be skipped, got %+v", result.Entries)
	}
}

func TestPluginLoaderLookupMissing(t *testing.T) {
	pl := newPluginLoader(t.TempDir(), nil, zerolog.Nop())
	if _, ok := pl.Lookup("nope"); ok {
		t.Fatal("expected Lookup to report false for a never-loaded plugin")
	}
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
