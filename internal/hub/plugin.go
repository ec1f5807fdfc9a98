package hub

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// pluginEntry records the outcome of loading one file from the plugin
// directory, surfaced to reload_plugins and persisted via the optional
// audit log (spec §4.13).
type pluginEntry struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

// ReloadResult is returned to the admin issuing reload_plugins.
type ReloadResult struct {
	Dir     string        `json:"dir"`
	Entries []pluginEntry `json:"entries"`
}

// pluginLoader opens *.so modules from dir, each in isolation: one plugin's
// load failure never prevents the others from loading (spec §4.13). Opening
// is all it does: it calls no symbol in a plugin, so a loaded plugin adds no
// command to the hub's admin command set. It never unloads a previously
// loaded plugin; Go's plugin package offers no unload primitive.
type pluginLoader struct {
	dir string
	db  *sql.DB
	log zerolog.Logger

	mu     sync.Mutex
	loaded map[string]*plugin.Plugin
}

func newPluginLoader(dir string, db *sql.DB, log zerolog.Logger) *pluginLoader {
	return &pluginLoader{
		dir:    dir,
		db:     db,
		log:    log.With().Str("component", "plugin_loader").Logger(),
		loaded: make(map[string]*plugin.Plugin),
	}
}

// Reload scans the plugin directory and (re-)opens every *.so file found,
// each independently: an error opening one plugin is recorded and does not
// abort the scan.
func (pl *pluginLoader) Reload() (*ReloadResult, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	entries, err := os.ReadDir(pl.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &ReloadResult{Dir: pl.dir}, nil
		}
		return nil, fmt.Errorf("plugin loader: read dir: %w", err)
	}

	result := &ReloadResult{Dir: pl.dir}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".so") {
			continue
		}
		name := strings.TrimSuffix(de.Name(), ".so")
		path := filepath.Join(pl.dir, de.Name())

		p, loadErr := plugin.Open(path)
		entry := pluginEntry{Name: name, Path: path, Loaded: loadErr == nil}
		if loadErr != nil {
			entry.Error = loadErr.Error()
			pl.log.Warn().Err(loadErr).Str("plugin", name).Msg("failed to load plugin")
		} else {
			pl.loaded[name] = p
			pl.log.Info().Str("plugin", name).Msg("loaded plugin")
		}
		result.Entries = append(result.Entries, entry)

		if pl.db != nil {
			if err := RecordPluginLoadAttempt(pl.db, name, loadErr == nil, entry.Error); err != nil {
				pl.log.Warn().Err(err).Msg("failed to record plugin load attempt")
			}
		}
	}
	return result, nil
}

// Lookup returns a previously-loaded plugin by name, for a handler
// registry wiring step to pull symbols from.
func (pl *pluginLoader) Lookup(name string) (*plugin.Plugin, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	p, ok := pl.loaded[name]
	return p, ok
}
