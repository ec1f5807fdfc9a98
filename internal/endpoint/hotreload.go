package endpoint

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadEvent describes one debounced filesystem change, broadcast to
// whichever endpoint component watches that axis (handlers directory,
// config file) — spec §4.11.
type ReloadEvent struct {
	Axis string // "handlers" or "config"
	Path string
}

// ReloadHub watches a set of paths and fans out debounced change events to
// subscribers, the same subscribe/unsubscribe/broadcast shape used for SSE
// fan-out elsewhere in the corpus, repurposed here for an internal typed
// channel instead of an HTTP stream.
type ReloadHub struct {
	log      zerolog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu          sync.Mutex
	subscribers map[chan ReloadEvent]struct{}
	pending     map[string]*time.Timer
}

// NewReloadHub creates a hub with its own fsnotify watcher. Call Watch to
// register directories/files, then Run to start dispatching.
func NewReloadHub(debounce time.Duration, log zerolog.Logger) (*ReloadHub, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ReloadHub{
		log:         log.With().Str("component", "hot_reload").Logger(),
		debounce:    debounce,
		watcher:     w,
		subscribers: make(map[chan ReloadEvent]struct{}),
		pending:     make(map[string]*time.Timer),
	}, nil
}

// Watch registers path (file or directory) under the given axis label.
func (h *ReloadHub) Watch(axis, path string) error {
	if err := h.watcher.Add(path); err != nil {
		return err
	}
	h.log.Info().Str("axis", axis).Str("path", path).Msg("watching for changes")
	return nil
}

// Subscribe returns a channel receiving every debounced ReloadEvent and an
// unsubscribe function the caller must call when done.
func (h *ReloadHub) Subscribe() (chan ReloadEvent, func()) {
	ch := make(chan ReloadEvent, 8)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Run drains fsnotify events, debouncing bursts per-path, until stop is
// closed.
func (h *ReloadHub) Run(axisOf func(path string) string, stop <-chan struct{}) {
	defer h.watcher.Close()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			h.scheduleDebounced(axisOf(ev.Name), ev.Name)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (h *ReloadHub) scheduleDebounced(axis, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.pending[path]; ok {
		t.Stop()
	}
	h.pending[path] = time.AfterFunc(h.debounce, func() {
		h.mu.Lock()
		delete(h.pending, path)
		h.mu.Unlock()
		h.broadcast(ReloadEvent{Axis: axis, Path: path})
	})
}

func (h *ReloadHub) broadcast(event ReloadEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.log.Warn().Str("path", event.Path).Msg("reload subscriber slow, dropping event")
		}
	}
}
