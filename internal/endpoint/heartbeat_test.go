package endpoint

import (
	"testing"
	"time"

	"github.com/markus-barta/sessionfabric/internal/protocol"
)

func TestHeartbeatTrackerObservesEchoLatency(t *testing.T) {
	h := newHeartbeatTracker(time.Second)

	var sent *protocol.Envelope
	err := h.send(func(env *protocol.Envelope) error {
		sent = env
		return nil
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	h.observeEcho(sent)

	if h.LatencyMS() <= 0 {
		t.Fatalf("expected a positive latency estimate, got %v", h.LatencyMS())
	}
}

func TestHeartbeatTrackerIgnoresUnknownEcho(t *testing.T) {
	h := newHeartbeatTracker(time.Second)
	stray, _ := protocol.NewEnvelope(protocol.TypeHeartbeat, "never-sent", nil)
	h.observeEcho(stray) // must not panic, must not move the average
	if h.LatencyMS() != 0 {
		t.Fatalf("expected latency to remain zero, got %v", h.LatencyMS())
	}
}

func TestHeartbeatTrackerEMASmoothing(t *testing.T) {
	h := newHeartbeatTracker(time.Second)
	h.latencyMS = 100

	id := "hb-fixed"
	h.mu.Lock()
	h.sentAt[id] = time.Now().Add(-50 * time.Millisecond)
	h.mu.Unlock()

	env := &protocol.Envelope{Type: protocol.TypeHeartbeat, ID: id}
	h.observeEcho(env)

	got := h.LatencyMS()
	if got >= 100 {
		t.Fatalf("expected the average to move down toward the fresh sample, got %v", got)
	}
}
