package endpoint

import (
	"strconv"
	"sync"
	"time"

	"github.com/markus-barta/sessionfabric/internal/protocol"
)

// heartbeatTracker sends periodic heartbeats and derives a smoothed
// round-trip estimate from the hub's echo (spec §4.6).
type heartbeatTracker struct {
	interval time.Duration

	mu        sync.Mutex
	sentAt    map[string]time.Time
	latencyMS float64 // exponential moving average
}

const latencyEMAAlpha = 0.2

func newHeartbeatTracker(interval time.Duration) *heartbeatTracker {
	return &heartbeatTracker{
		interval: interval,
		sentAt:   make(map[string]time.Time),
	}
}

// send emits a heartbeat envelope via sendFn and records its dispatch time
// for RTT measurement when the echo arrives.
func (h *heartbeatTracker) send(sendFn func(*protocol.Envelope) error) error {
	env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, newHeartbeatID(), nil)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.sentAt[env.ID] = time.Now()
	if len(h.sentAt) > 64 {
		// A dropped echo should never leak memory forever; trim stragglers
		// older than a few intervals.
		cutoff := time.Now().Add(-8 * h.interval)
		for id, t := range h.sentAt {
			if t.Before(cutoff) {
				delete(h.sentAt, id)
			}
		}
	}
	h.mu.Unlock()
	return sendFn(env)
}

// observeEcho records a returned heartbeat envelope's round-trip time.
func (h *heartbeatTracker) observeEcho(env *protocol.Envelope) {
	h.mu.Lock()
	sentAt, ok := h.sentAt[env.ID]
	if ok {
		delete(h.sentAt, env.ID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	rtt := float64(time.Since(sentAt).Milliseconds())
	h.mu.Lock()
	if h.latencyMS == 0 {
		h.latencyMS = rtt
	} else {
		h.latencyMS = latencyEMAAlpha*rtt + (1-latencyEMAAlpha)*h.latencyMS
	}
	h.mu.Unlock()
}

func (h *heartbeatTracker) LatencyMS() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latencyMS
}

var heartbeatSeq uint64
var heartbeatSeqMu sync.Mutex

// newHeartbeatID generates a small sequence-based id, avoiding idgen's
// randomness for a message whose only purpose is to correlate its own
// echo a few dozen milliseconds later.
func newHeartbeatID() string {
	heartbeatSeqMu.Lock()
	heartbeatSeq++
	n := heartbeatSeq
	heartbeatSeqMu.Unlock()
	return "hb-" + strconv.FormatUint(n, 10)
}
