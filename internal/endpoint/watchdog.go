package endpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// restartSentinel is written to disk immediately before a deliberate
// restart_client exit, so the watchdog process (spec §4.12) can tell an
// intentional restart apart from a crash: it removes the file on sight and
// always respawns, whereas an absent sentinel after an unexpected exit
// counts against the respawn-rate ledger.
type restartSentinel struct {
	Token       string    `json:"token"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// WatchdogClient is the endpoint-side half of the sentinel protocol. It has
// no direct teacher analogue (spec §4.12 is the grounding source); the
// exit-then-let-the-supervisor-restart-me shape mirrors the teacher's
// handleRestart (`a.Shutdown(); os.Exit(0)`), generalized to write a
// sentinel first so the watchdog can distinguish this from a crash.
type WatchdogClient struct {
	sentinelPath string
}

// NewWatchdogClient targets the given sentinel file path.
func NewWatchdogClient(sentinelPath string) *WatchdogClient {
	return &WatchdogClient{sentinelPath: sentinelPath}
}

// RequestRestart writes the sentinel and returns nil on success. The caller
// is responsible for the subsequent graceful shutdown and os.Exit — this
// function performs no process control itself, so it can be tested without
// tearing down the calling process.
func (w *WatchdogClient) RequestRestart(reason string) error {
	s := restartSentinel{
		Token:       uuid.NewString(),
		Reason:      reason,
		RequestedAt: time.Now(),
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("watchdog: marshal sentinel: %w", err)
	}
	return os.WriteFile(w.sentinelPath, data, 0o644)
}
