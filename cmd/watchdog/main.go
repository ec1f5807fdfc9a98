// Command watchdog supervises the session-fabric endpoint binary: it
// respawns the endpoint on exit, distinguishing a deliberate restart (the
// endpoint's restart_client handler) from a crash via a sentinel file, and
// enforces a respawn-rate ceiling so a crash loop cannot spin forever
// (spec §4.12).
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// maxRespawns is the number of crash-triggered respawns tolerated within
// respawnWindow before the watchdog gives up and exits.
const (
	maxRespawns   = 5
	respawnWindow = 60 * time.Second
)

func sentinelPath() string {
	return filepath.Join(os.TempDir(), "sessionfabric-endpoint.sentinel")
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("component", "watchdog").Logger()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: watchdog <endpoint-binary> [args...]")
		os.Exit(2)
	}
	binary := os.Args[1]
	args := os.Args[2:]

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var crashTimes []time.Time

	for {
		cmd := exec.Command(binary, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin

		log.Info().Str("binary", binary).Msg("spawning endpoint")
		if err := cmd.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start endpoint")
		}

		exitCh := make(chan error, 1)
		go func() { exitCh <- cmd.Wait() }()

		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("forwarding signal to endpoint")
			_ = cmd.Process.Signal(sig)
			<-exitCh
			return
		case err := <-exitCh:
			deliberate := removeSentinelIfPresent(log)
			if deliberate {
				log.Info().Msg("endpoint exited for a deliberate restart, respawning immediately")
				continue
			}

			if err != nil {
				log.Warn().Err(err).Msg("endpoint exited unexpectedly")
			} else {
				log.Warn().Msg("endpoint exited with status 0 but left no restart sentinel")
			}

			now := time.Now()
			crashTimes = append(crashTimes, now)
			crashTimes = trimOlderThan(crashTimes, now.Add(-respawnWindow))

			if len(crashTimes) > maxRespawns {
				log.Error().
					Int("crashes", len(crashTimes)).
					Dur("window", respawnWindow).
					Msg("too many crashes, giving up")
				os.Exit(1)
			}

			log.Info().Int("crash_count", len(crashTimes)).Msg("respawning endpoint")
		}
	}
}

// removeSentinelIfPresent reports whether the restart sentinel exists,
// removing it so the next exit is judged fresh.
func removeSentinelIfPresent(log zerolog.Logger) bool {
	path := sentinelPath()
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Msg("failed to remove restart sentinel")
	}
	return true
}

func trimOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
