package endpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/config"
	"github.com/markus-barta/sessionfabric/internal/protocol"
)

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		HubURL:              "ws://localhost:9998/ws/endpoint",
		Identity:            "test-endpoint",
		HeartbeatIntervalS:  30,
		StaleMultiplier:     2.5,
		DefaultTimeoutS:     5,
		WorkerPoolSize:      2,
		SampleIntervalS:     5,
		LogDir:              dir,
		LogMaxBytes:         1 << 20,
		LogBackups:          2,
		LogRingSize:         64,
		HotReloadEnabled:    false,
		HandlersDir:         filepath.Join(dir, "handlers"),
	}
	ep, err := New(cfg, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ep.logs.Close() })
	return ep
}

func TestEndpointOnEnvelopeWelcomeMarksRegistered(t *testing.T) {
	ep := newTestEndpoint(t)
	if ep.IsRegistered() {
		t.Fatal("expected a fresh endpoint to be unregistered")
	}

	env, _ := protocol.NewEnvelope(protocol.TypeWelcome, "reg-1", protocol.WelcomePayload{PeerID: 42})
	ep.OnEnvelope(env)

	if !ep.IsRegistered() {
		t.Fatal("expected the welcome envelope to mark the endpoint registered")
	}
	if ep.peerID != 42 {
		t.Fatalf("expected peerID 42, got %d", ep.peerID)
	}
}

func TestEndpointOnDisconnectedClearsRegistration(t *testing.T) {
	ep := newTestEndpoint(t)
	env, _ := protocol.NewEnvelope(protocol.TypeWelcome, "reg-1", protocol.WelcomePayload{PeerID: 1})
	ep.OnEnvelope(env)

	ep.OnDisconnected()

	if ep.IsRegistered() {
		t.Fatal("expected OnDisconnected to clear the registered flag")
	}
}

func TestEndpointReloadHandlersToleratesMissingDir(t *testing.T) {
	ep := newTestEndpoint(t)
	if err := ep.reloadHandlers(); err != nil {
		t.Fatalf("expected a missing handlers dir to be tolerated, got %v", err)
	}
}

func TestEndpointOnConnectedSendsRegisterEnvelope(t *testing.T) {
	ep := newTestEndpoint(t)
	var sent *protocol.Envelope
	ep.OnConnected(func(env *protocol.Envelope) error {
		sent = env
		return nil
	})

	if sent == nil || sent.Type != protocol.TypeRegister {
		t.Fatalf("expected a register envelope to be sent, got %+v", sent)
	}
	var payload protocol.RegisterPayload
	if err := sent.ParsePayload(&payload); err != nil {
		t.Fatalf("parse register payload: %v", err)
	}
	if payload.Identity != "test-endpoint" {
		t.Fatalf("expected identity to round-trip, got %q", payload.Identity)
	}
	if sent.ID == "" {
		t.Fatal("expected the register envelope to carry a generated id")
	}
}

func newTestEndpointWithKeyFile(t *testing.T, keyFilePath string) *Endpoint {
	t.Helper()
	// The log directory comes in through the environment, not by editing cfg
	// afterwards, so reloadConfig loads the same value again and its diff sees
	// only what a test changes in the key file.
	t.Setenv("OVERRIDE_log.dir", t.TempDir())
	cfg, err := config.LoadFromEnv(keyFilePath)
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	ep, err := New(cfg, keyFilePath, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ep.logs.Close() })
	ep.scheduler = NewScheduler(ep.handlers, noopSender{}, cfg.WorkerPoolSize, cfg.DefaultTimeout(), zerolog.Nop())
	return ep
}

type noopSender struct{}

func (noopSender) SendEnvelope(*protocol.Envelope) error { return nil }

func TestEndpointReloadConfigAppliesLiveSafeFieldsWithoutRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabric.conf")
	if err := os.WriteFile(path, []byte("heartbeat.interval_s = 30\ncommand.default_timeout_s = 5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ep := newTestEndpointWithKeyFile(t, path)

	if err := os.WriteFile(path, []byte("heartbeat.interval_s = 7\ncommand.default_timeout_s = 9\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ep.reloadConfig(); err != nil {
		t.Fatalf("reloadConfig: %v", err)
	}

	if got := time.Duration(ep.heartbeatIntervalNS.Load()); got != 7*time.Second {
		t.Fatalf("expected heartbeat interval to update live, got %v", got)
	}
	if got := ep.scheduler.DefaultTimeout(); got != 9*time.Second {
		t.Fatalf("expected scheduler default timeout to update live, got %v", got)
	}
	if required, _ := ep.RestartRequired(); required {
		t.Fatal("expected no restart required for live-safe-only changes")
	}
}

func TestEndpointReloadConfigFlagsRestartRequiredFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabric.conf")
	if err := os.WriteFile(path, []byte("endpoint.hub_url = ws://localhost:9998\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ep := newTestEndpointWithKeyFile(t, path)

	if err := os.WriteFile(path, []byte("endpoint.hub_url = ws://otherhub:9998\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ep.reloadConfig(); err != nil {
		t.Fatalf("reloadConfig: %v", err)
	}

	required, keys := ep.RestartRequired()
	if !required {
		t.Fatal("expected a hub_url change to require a restart")
	}
	found := false
	for _, k := range keys {
		if k == "endpoint.hub_url" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected endpoint.hub_url among the restart-required keys, got %v", keys)
	}
}
