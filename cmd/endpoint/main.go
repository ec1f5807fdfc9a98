// Command endpoint runs the session-fabric endpoint agent: it connects to
// the hub, registers its capabilities, and executes dispatched commands.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/config"
	"github.com/markus-barta/sessionfabric/internal/endpoint"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")
	keyFile := flag.String("config", "", "path to a flat key=value config file")

	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("sessionfabric-endpoint %s\n", endpoint.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck(*keyFile))
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.LoadFromEnv(*keyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", endpoint.Version).
		Str("identity", cfg.Identity).
		Str("hub_url", cfg.HubURL).
		Msg("session fabric endpoint starting")

	ep, err := endpoint.New(cfg, *keyFile, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build endpoint")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		ep.Shutdown()
	}()

	if err := ep.Run(); err != nil {
		log.Fatal().Err(err).Msg("endpoint failed")
	}
}

func printUsage() {
	fmt.Printf(`Usage: sessionfabric-endpoint [options]

Session Fabric Endpoint %s - connects to the fabric hub and executes
dispatched commands on this session.

Options:
  -v, --version    Print version and exit
  -h, --help       Print this help and exit
  --check          Validate config and test hub connectivity
  --config PATH    Path to a flat key=value config file

Environment variables (all OVERRIDE_-prefixed, see config for the full set):
  OVERRIDE_endpoint.hub_url           Hub WebSocket URL
  OVERRIDE_endpoint.identity          Identity advertised at registration
  OVERRIDE_heartbeat.interval_s       Heartbeat cadence in seconds
  OVERRIDE_reconnect.initial_s        Initial reconnect backoff
  OVERRIDE_reconnect.max_s            Reconnect backoff ceiling
  OVERRIDE_command.default_timeout_s  Default command timeout
  OVERRIDE_worker_pool.size           Blocking-handler worker pool size
  OVERRIDE_log.dir                    Log directory
  OVERRIDE_log.level                  Log level: debug, info, warn, error
  OVERRIDE_hot_reload.enabled         Enable handler hot reload
  OVERRIDE_watchdog.enabled           Expect to run under the watchdog
`, endpoint.Version)
}

func runConfigCheck(keyFile string) int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.LoadFromEnv(keyFile)
	if err != nil {
		fmt.Printf("config error: %v\n", err)
		return 1
	}

	fmt.Println("config OK")
	fmt.Printf("  Identity:     %s\n", cfg.Identity)
	fmt.Printf("  Hub URL:      %s\n", cfg.HubURL)
	fmt.Printf("  Handlers dir: %s\n", cfg.HandlersDir)
	fmt.Println()

	fmt.Print("Testing hub connectivity... ")

	httpURL := cfg.HubURL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/ws/endpoint")
	httpURL = strings.TrimSuffix(httpURL, "/ws")
	httpURL = strings.TrimSuffix(httpURL, "/") + "/healthz"

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(httpURL)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("failed\n  error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
