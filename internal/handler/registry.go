// Package handler defines the endpoint's named, invokable operations and
// the registry that maps command names to them.
package handler

import (
	"sync"
	"time"
)

// Kind distinguishes handlers that may run inline on the cooperative loop
// from ones that must be offloaded to the blocking worker pool.
type Kind int

const (
	// Cooperative handlers must yield at suspension points and honor
	// cancellation; they run directly on the scheduler's loop.
	Cooperative Kind = iota
	// Blocking handlers call native OS APIs, do synchronous file I/O, or
	// spawn subprocesses; they are submitted to the worker pool.
	Blocking
)

// Invoke is the shape every registered operation implements. ctx carries
// the command deadline and is canceled on abandonment; params is the raw
// command parameters. A returned error is wrapped as HANDLER_FAILED unless
// it is a *protocol.CodedError.
type Invoke func(ctx Context) (any, error)

// Context is the narrow, per-invocation view a handler receives. It
// deliberately carries no reference to the endpoint's other internals —
// handlers own their own state (spec §9, "shared mutable caches").
type Context struct {
	Command string
	Params  []byte
	Done    <-chan struct{} // closed on deadline/cancellation
}

// Handler is a named, invokable operation (spec §3).
type Handler struct {
	Name             string
	Kind             Kind
	Invoke           Invoke
	DefaultTimeoutS  float64 // 0 means "use the scheduler's global default"
}

// Registry is a name-keyed table of Handlers. Registration is idempotent:
// re-registering a name atomically replaces the prior entry (spec §4.3);
// a reader mid-Lookup observes either the whole old or the whole new
// handler, never a partial state, because replacement is a single map
// write under the registry's lock.
type Registry struct {
	mu    sync.RWMutex
	table map[string]*Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{table: make(map[string]*Handler)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, kind Kind, invoke Invoke, defaultTimeoutS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[name] = &Handler{
		Name:            name,
		Kind:            kind,
		Invoke:          invoke,
		DefaultTimeoutS: defaultTimeoutS,
	}
}

// Deregister removes the handler for name, if present. The endpoint's module
// reload does not call it, so a name a module stops registering stays
// registered.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, name)
}

// Lookup returns the handler for name, or nil if none is registered.
func (r *Registry) Lookup(name string) *Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table[name]
}

// List returns the names of every currently registered handler, sorted is
// not guaranteed — callers that need determinism should sort themselves.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.table))
	for name := range r.table {
		names = append(names, name)
	}
	return names
}

// Snapshot returns a shallow copy of the current name→Handler table, used
// by hot reload to compute a before/after diff without holding the lock
// across the diffing work.
func (r *Registry) Snapshot() map[string]*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Handler, len(r.table))
	for k, v := range r.table {
		out[k] = v
	}
	return out
}

// EffectiveTimeout resolves the timeout precedence of spec §4.4: the
// envelope's own timeout_s, else the handler's default, else the global
// default. envelopeTimeoutS is a pointer so an explicit `timeout_s: 0` can
// be distinguished from an absent field; it resolves to a zero Duration,
// which the caller must treat as an immediate TIMEOUT rather than invoking
// the handler (spec §8 Boundary) — every other resolution path here always
// yields a positive duration, so a zero return is unambiguous.
func EffectiveTimeout(envelopeTimeoutS *float64, handlerDefaultS float64, globalDefault time.Duration) time.Duration {
	if envelopeTimeoutS != nil {
		if *envelopeTimeoutS <= 0 {
			return 0
		}
		return time.Duration(*envelopeTimeoutS * float64(time.Second))
	}
	if handlerDefaultS > 0 {
		return time.Duration(handlerDefaultS * float64(time.Second))
	}
	return globalDefault
}
