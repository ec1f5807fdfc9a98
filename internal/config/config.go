// Package config handles endpoint configuration: compiled-in defaults,
// an optional flat keyed config file, and OVERRIDE_-prefixed environment
// variables layered on top (spec §4.14).
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds endpoint configuration.
type Config struct {
	// Connection
	HubURL   string // WebSocket dial target, e.g. ws://localhost:9998
	Identity string // advertised identity; defaults to OS username/hostname

	// Heartbeat / reconnect (spec §4.14)
	HeartbeatIntervalS  float64
	StaleMultiplier     float64
	ReconnectInitialS   float64
	ReconnectMaxS       float64
	ReconnectMultiplier float64
	ReconnectJitter     float64

	// Command scheduling
	DefaultTimeoutS float64
	WorkerPoolSize  int

	// Health monitor
	SampleIntervalS float64

	// Log manager
	LogDir      string
	LogMaxBytes int64
	LogBackups  int
	LogRingSize int

	// Hot reload
	HotReloadEnabled    bool
	HotReloadDebounceMS int
	HandlersDir         string

	// Watchdog
	UseWatchdog bool

	LogLevel string
}

// Default returns a config with every compiled-in default from spec §4.14.
func Default() *Config {
	return &Config{
		HubURL:   "ws://localhost:9998",
		Identity: stableIdentity(),

		HeartbeatIntervalS:  30,
		StaleMultiplier:     2.5,
		ReconnectInitialS:   1,
		ReconnectMaxS:       60,
		ReconnectMultiplier: 2,
		ReconnectJitter:     0.2,

		DefaultTimeoutS: 60,
		WorkerPoolSize:  4,

		SampleIntervalS: 5,

		LogDir:      "logs/",
		LogMaxBytes: 10 * 1024 * 1024,
		LogBackups:  5,
		LogRingSize: 1000,

		HotReloadEnabled:    true,
		HotReloadDebounceMS: 300,
		HandlersDir:         "plugins",

		UseWatchdog: false,
		LogLevel:    "info",
	}
}

// stableIdentity returns a stable host-scoped identity that doesn't change
// with network reconfiguration.
func stableIdentity() string {
	if runtime.GOOS == "darwin" {
		if out, err := exec.Command("scutil", "--get", "LocalHostName").Output(); err == nil {
			if name := strings.TrimSpace(string(out)); name != "" {
				return name
			}
		}
	}
	hostname, _ := os.Hostname()
	if idx := strings.Index(hostname, "."); idx != -1 {
		hostname = hostname[:idx]
	}
	if hostname == "" {
		hostname = "endpoint"
	}
	return hostname
}

// KeyFile reads a flat `key = value` config file into a map. The syntax
// itself is out of scope (spec §1); this reads every `key = value` line into
// the map and ignores blank lines and lines starting with '#'. The loader
// then picks out the handful of keys in §4.14.
func KeyFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open key file: %w", err)
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan key file: %w", err)
	}
	return out, nil
}

// LoadFromEnv builds a Config from Default(), optionally layering a key
// file (if keyFilePath is non-empty and exists) and then OVERRIDE_-prefixed
// environment variables on top, highest precedence last.
func LoadFromEnv(keyFilePath string) (*Config, error) {
	cfg := Default()

	if keyFilePath != "" {
		if _, err := os.Stat(keyFilePath); err == nil {
			kv, err := KeyFile(keyFilePath)
			if err != nil {
				return nil, err
			}
			applyKeyFile(cfg, kv)
		}
	}

	applyEnvOverrides(cfg)

	if v := os.Getenv("OVERRIDE_endpoint.identity"); v != "" {
		cfg.Identity = v
	}

	return cfg, cfg.Validate()
}

func applyKeyFile(cfg *Config, kv map[string]string) {
	if v, ok := kv["endpoint.hub_url"]; ok {
		cfg.HubURL = v
	}
	if v, ok := kv["endpoint.identity"]; ok {
		cfg.Identity = v
	}
	if v, ok := kv["heartbeat.interval_s"]; ok {
		cfg.HeartbeatIntervalS = parseFloat(v, cfg.HeartbeatIntervalS)
	}
	if v, ok := kv["heartbeat.stale_multiplier"]; ok {
		cfg.StaleMultiplier = parseFloat(v, cfg.StaleMultiplier)
	}
	if v, ok := kv["reconnect.initial_s"]; ok {
		cfg.ReconnectInitialS = parseFloat(v, cfg.ReconnectInitialS)
	}
	if v, ok := kv["reconnect.max_s"]; ok {
		cfg.ReconnectMaxS = parseFloat(v, cfg.ReconnectMaxS)
	}
	if v, ok := kv["reconnect.multiplier"]; ok {
		cfg.ReconnectMultiplier = parseFloat(v, cfg.ReconnectMultiplier)
	}
	if v, ok := kv["reconnect.jitter"]; ok {
		cfg.ReconnectJitter = parseFloat(v, cfg.ReconnectJitter)
	}
	if v, ok := kv["command.default_timeout_s"]; ok {
		cfg.DefaultTimeoutS = parseFloat(v, cfg.DefaultTimeoutS)
	}
	if v, ok := kv["worker_pool.size"]; ok {
		cfg.WorkerPoolSize = int(parseFloat(v, float64(cfg.WorkerPoolSize)))
	}
	if v, ok := kv["health.sample_interval_s"]; ok {
		cfg.SampleIntervalS = parseFloat(v, cfg.SampleIntervalS)
	}
	if v, ok := kv["log.dir"]; ok {
		cfg.LogDir = v
	}
	if v, ok := kv["log.max_bytes"]; ok {
		cfg.LogMaxBytes = int64(parseFloat(v, float64(cfg.LogMaxBytes)))
	}
	if v, ok := kv["log.backups"]; ok {
		cfg.LogBackups = int(parseFloat(v, float64(cfg.LogBackups)))
	}
	if v, ok := kv["log.ring_size"]; ok {
		cfg.LogRingSize = int(parseFloat(v, float64(cfg.LogRingSize)))
	}
	if v, ok := kv["hot_reload.enabled"]; ok {
		cfg.HotReloadEnabled = v == "true" || v == "1"
	}
	if v, ok := kv["hot_reload.debounce_ms"]; ok {
		cfg.HotReloadDebounceMS = int(parseFloat(v, float64(cfg.HotReloadDebounceMS)))
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OVERRIDE_endpoint.hub_url"); v != "" {
		cfg.HubURL = v
	}
	if v := os.Getenv("OVERRIDE_heartbeat.interval_s"); v != "" {
		cfg.HeartbeatIntervalS = parseFloat(v, cfg.HeartbeatIntervalS)
	}
	if v := os.Getenv("OVERRIDE_heartbeat.stale_multiplier"); v != "" {
		cfg.StaleMultiplier = parseFloat(v, cfg.StaleMultiplier)
	}
	if v := os.Getenv("OVERRIDE_reconnect.initial_s"); v != "" {
		cfg.ReconnectInitialS = parseFloat(v, cfg.ReconnectInitialS)
	}
	if v := os.Getenv("OVERRIDE_reconnect.max_s"); v != "" {
		cfg.ReconnectMaxS = parseFloat(v, cfg.ReconnectMaxS)
	}
	if v := os.Getenv("OVERRIDE_command.default_timeout_s"); v != "" {
		cfg.DefaultTimeoutS = parseFloat(v, cfg.DefaultTimeoutS)
	}
	if v := os.Getenv("OVERRIDE_worker_pool.size"); v != "" {
		cfg.WorkerPoolSize = int(parseFloat(v, float64(cfg.WorkerPoolSize)))
	}
	if v := os.Getenv("OVERRIDE_log.dir"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("OVERRIDE_hot_reload.enabled"); v != "" {
		cfg.HotReloadEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NIXFLEET_LOG_LEVEL"); v != "" { // legacy alias, still honored
		cfg.LogLevel = v
	}
	if v := os.Getenv("OVERRIDE_log.level"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OVERRIDE_watchdog.enabled"); v != "" {
		cfg.UseWatchdog = v == "true" || v == "1"
	}
}

func parseFloat(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

// Validate accumulates every configuration problem into one joined error
// rather than failing on the first, mirroring the hub loader's style.
func (c *Config) Validate() error {
	var errs []string
	if c.HubURL == "" {
		errs = append(errs, "endpoint.hub_url is required")
	}
	if c.Identity == "" {
		errs = append(errs, "endpoint.identity is required")
	}
	if c.HeartbeatIntervalS <= 0 {
		errs = append(errs, "heartbeat.interval_s must be positive")
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, "worker_pool.size must be positive")
	}
	if c.DefaultTimeoutS <= 0 {
		errs = append(errs, "command.default_timeout_s must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ConfigDiff is the result of comparing two loaded configurations, used by
// the endpoint's config hot-reload axis (spec §4.11.2).
type ConfigDiff struct {
	Changed         []string // dotted key names that differ
	RestartRequired bool     // true if any changed key cannot be applied live
}

// Diff compares old against updated, classifying each changed field as
// live-safe or restart-required. Connection identity, reconnect policy, the
// worker pool size, the log directory, the log ring/rotation sizing and the
// hot-reload/watchdog toggles themselves all reshape goroutines or on-disk
// layout (or, for rotation sizing, a fixed-size buffer allocated once at
// construction) that nothing in this process can safely rewire without a
// restart; heartbeat cadence, command timeout, health sampling cadence and
// log verbosity are plain parameters their owning components can pick up on
// the next tick.
func Diff(old, updated *Config) ConfigDiff {
	var d ConfigDiff
	changed := func(key string, isDifferent, restartRequired bool) {
		if !isDifferent {
			return
		}
		d.Changed = append(d.Changed, key)
		if restartRequired {
			d.RestartRequired = true
		}
	}

	changed("endpoint.hub_url", old.HubURL != updated.HubURL, true)
	changed("endpoint.identity", old.Identity != updated.Identity, true)
	changed("heartbeat.interval_s", old.HeartbeatIntervalS != updated.HeartbeatIntervalS, false)
	changed("heartbeat.stale_multiplier", old.StaleMultiplier != updated.StaleMultiplier, false)
	changed("reconnect.initial_s", old.ReconnectInitialS != updated.ReconnectInitialS, true)
	changed("reconnect.max_s", old.ReconnectMaxS != updated.ReconnectMaxS, true)
	changed("reconnect.multiplier", old.ReconnectMultiplier != updated.ReconnectMultiplier, true)
	changed("reconnect.jitter", old.ReconnectJitter != updated.ReconnectJitter, true)
	changed("command.default_timeout_s", old.DefaultTimeoutS != updated.DefaultTimeoutS, false)
	changed("worker_pool.size", old.WorkerPoolSize != updated.WorkerPoolSize, true)
	changed("health.sample_interval_s", old.SampleIntervalS != updated.SampleIntervalS, false)
	changed("log.dir", old.LogDir != updated.LogDir, true)
	changed("log.max_bytes", old.LogMaxBytes != updated.LogMaxBytes, true)
	changed("log.backups", old.LogBackups != updated.LogBackups, true)
	changed("log.ring_size", old.LogRingSize != updated.LogRingSize, true)
	changed("log.level", old.LogLevel != updated.LogLevel, false)
	changed("hot_reload.enabled", old.HotReloadEnabled != updated.HotReloadEnabled, true)
	changed("hot_reload.debounce_ms", old.HotReloadDebounceMS != updated.HotReloadDebounceMS, true)
	changed("handlers_dir", old.HandlersDir != updated.HandlersDir, true)
	changed("watchdog.enabled", old.UseWatchdog != updated.UseWatchdog, true)

	return d
}

// HeartbeatInterval returns the heartbeat cadence as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS * float64(time.Second))
}

// StaleThreshold returns the no-traffic duration after which the hub
// considers this endpoint stale (spec §4.6).
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.HeartbeatIntervalS * c.StaleMultiplier * float64(time.Second))
}

// DefaultTimeout returns the global command timeout as a time.Duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutS * float64(time.Second))
}

// SampleInterval returns the health-monitor sampling cadence.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalS * float64(time.Second))
}

// HotReloadDebounce returns the file-event debounce window.
func (c *Config) HotReloadDebounce() time.Duration {
	return time.Duration(c.HotReloadDebounceMS) * time.Millisecond
}

// ReconnectInitial returns the first reconnect backoff delay.
func (c *Config) ReconnectInitial() time.Duration {
	return time.Duration(c.ReconnectInitialS * float64(time.Second))
}

// ReconnectMax returns the backoff ceiling.
func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxS * float64(time.Second))
}
