// Package endpoint implements the session-fabric endpoint: the process
// that runs on a managed Windows session, registers with the hub, and
// executes commands dispatched to it (spec §4.3-§4.12).
package endpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/config"
	"github.com/markus-barta/sessionfabric/internal/handler"
	"github.com/markus-barta/sessionfabric/internal/idgen"
	"github.com/markus-barta/sessionfabric/internal/protocol"
)

// Version is the endpoint build version, advertised at registration.
const Version = "1.0.0"

// Endpoint is the owning value coordinating every endpoint component: the
// hub connection, the command scheduler, the heartbeat tracker, the health
// monitor, the log manager, hot reload and the watchdog client. Replaces
// the teacher's Agent-as-implicit-global-state shape with one explicit
// value threaded through every subordinate component (spec §9's "explicit
// Endpoint value" design note).
type Endpoint struct {
	cfg atomic.Pointer[config.Config] // swapped wholesale by reloadConfig
	log zerolog.Logger

	keyFilePath string

	handlers  *handler.Registry
	scheduler *Scheduler
	ws        *WebSocketClient
	heartbeat *heartbeatTracker
	health    *HealthMonitor
	logs      *LogManager
	reload    *ReloadHub
	watchdog  *WatchdogClient

	heartbeatIntervalNS atomic.Int64 // time.Duration, live-updatable by config reload
	restartRequired     atomic.Bool
	pendingRestartKeys  atomic.Pointer[[]string]

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	registered bool
	peerID     int64
}

// New builds an Endpoint from cfg, loaded from keyFilePath (which may be
// empty). The log manager, health monitor and handler registry are created
// here; the hub connection is established by Run. keyFilePath is kept so a
// config-axis hot reload (spec §4.11.2) can re-load and diff against it.
func New(cfg *config.Config, keyFilePath string, log zerolog.Logger) (*Endpoint, error) {
	logs, err := NewLogManager(cfg.LogDir, cfg.LogMaxBytes, cfg.LogBackups, cfg.LogRingSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{
		keyFilePath: keyFilePath,
		log:         log.With().Str("component", "endpoint").Logger(),
		handlers:    handler.NewRegistry(),
		health:      NewHealthMonitor(cfg.SampleInterval(), 120),
		logs:        logs,
		watchdog:    NewWatchdogClient(filepath.Join(os.TempDir(), "sessionfabric-endpoint.sentinel")),
		heartbeat:   newHeartbeatTracker(cfg.HeartbeatInterval()),
		ctx:         ctx,
		cancel:      cancel,
	}
	ep.cfg.Store(cfg)
	ep.heartbeatIntervalNS.Store(int64(cfg.HeartbeatInterval()))

	RegisterBuiltins(ep.handlers, ep)

	if cfg.HotReloadEnabled {
		reload, err := NewReloadHub(cfg.HotReloadDebounce(), ep.log)
		if err != nil {
			ep.log.Warn().Err(err).Msg("hot reload disabled: failed to start watcher")
		} else {
			ep.reload = reload
		}
	}

	return ep, nil
}

// cfgLoad returns the currently active configuration. Safe for concurrent
// use with reloadConfig, which swaps the pointer rather than mutating in
// place.
func (ep *Endpoint) cfgLoad() *config.Config {
	return ep.cfg.Load()
}

// Run connects to the hub and blocks until the context is canceled.
func (ep *Endpoint) Run() error {
	cfg := ep.cfgLoad()
	ep.log.Info().
		Str("hub_url", cfg.HubURL).
		Str("identity", cfg.Identity).
		Msg("starting endpoint")

	ep.ws = NewWebSocketClient(cfg, ep.log, ep)
	ep.scheduler = NewScheduler(ep.handlers, ep.ws, cfg.WorkerPoolSize, cfg.DefaultTimeout(), ep.log)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		ep.scheduler.Run(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ep.health.Run(stop)
	}()

	if ep.reload != nil {
		if err := ep.watchHandlersDir(); err != nil {
			ep.log.Warn().Err(err).Msg("failed to watch handlers directory")
		}
		if err := ep.watchConfigFile(); err != nil {
			ep.log.Warn().Err(err).Msg("failed to watch config file")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep.reload.Run(ep.reloadAxisOf, stop)
		}()
		ch, unsub := ep.reload.Subscribe()
		defer unsub()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					ep.log.Info().Str("axis", ev.Axis).Str("path", ev.Path).Msg("reload event observed")
					switch ev.Axis {
					case "config":
						if err := ep.reloadConfig(); err != nil {
							ep.log.Warn().Err(err).Msg("config hot reload failed")
						}
					default:
						if err := ep.reloadHandlers(); err != nil {
							ep.log.Warn().Err(err).Msg("handler hot reload failed")
						}
					}
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ep.heartbeatLoop(stop)
	}()

	ep.ws.Run(ep.ctx)

	close(stop)
	wg.Wait()
	_ = ep.logs.Close()
	ep.log.Info().Msg("endpoint stopped")
	return nil
}

// Shutdown initiates graceful shutdown.
func (ep *Endpoint) Shutdown() {
	ep.log.Info().Msg("shutting down")
	ep.cancel()
	if ep.ws != nil {
		_ = ep.ws.Close()
	}
}

// heartbeatLoop re-reads heartbeatIntervalNS every cycle so a config hot
// reload's new cadence (spec §4.11.2) takes effect on the next beat instead
// of requiring a restart.
func (ep *Endpoint) heartbeatLoop(stop <-chan struct{}) {
	for {
		timer := time.NewTimer(time.Duration(ep.heartbeatIntervalNS.Load()))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			if !ep.ws.IsConnected() {
				continue
			}
			if err := ep.heartbeat.send(ep.ws.SendEnvelope); err != nil {
				ep.log.Debug().Err(err).Msg("failed to send heartbeat")
			}
		}
	}
}

// OnConnected implements ConnectionHandler: sends the register envelope.
func (ep *Endpoint) OnConnected(send func(*protocol.Envelope) error) {
	ep.log.Info().Msg("connected to hub")
	env, err := protocol.NewEnvelope(protocol.TypeRegister, idgen.Generate(), protocol.RegisterPayload{
		Identity:     ep.cfgLoad().Identity,
		Capabilities: ep.handlers.List(),
		Version:      Version,
	})
	if err != nil {
		ep.log.Error().Err(err).Msg("failed to build register envelope")
		return
	}
	if err := send(env); err != nil {
		ep.log.Error().Err(err).Msg("failed to send register envelope")
	}
}

// OnDisconnected implements ConnectionHandler.
func (ep *Endpoint) OnDisconnected() {
	ep.mu.Lock()
	ep.registered = false
	ep.mu.Unlock()
	ep.log.Warn().Msg("disconnected from hub")
}

// OnEnvelope implements ConnectionHandler.
func (ep *Endpoint) OnEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomePayload
		if err := env.ParsePayload(&w); err != nil {
			ep.log.Error().Err(err).Msg("failed to parse welcome payload")
			return
		}
		ep.mu.Lock()
		ep.registered = true
		ep.peerID = w.PeerID
		ep.mu.Unlock()
		ep.log.Info().Int64("peer_id", w.PeerID).Msg("registered with hub")
	case protocol.TypeCommand:
		ep.scheduler.Submit(env)
	case protocol.TypeHeartbeat:
		ep.heartbeat.observeEcho(env)
	case protocol.TypeError:
		ep.log.Warn().Str("id", env.ID).Msg("hub reported a protocol error")
	default:
		ep.log.Warn().Str("type", env.Type).Msg("unhandled envelope type from hub")
	}
}

func (ep *Endpoint) watchHandlersDir() error {
	dir := ep.cfgLoad().HandlersDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create handlers dir: %w", err)
	}
	return ep.reload.Watch("handlers", dir)
}

// watchConfigFile adds the key file (axis 2 of spec §4.11.2) to the same
// watcher as the handlers directory, a no-op when no key file was given.
func (ep *Endpoint) watchConfigFile() error {
	if ep.keyFilePath == "" {
		return nil
	}
	if _, err := os.Stat(ep.keyFilePath); err != nil {
		return nil
	}
	return ep.reload.Watch("config", ep.keyFilePath)
}

// reloadAxisOf classifies a watched path as "handlers" or "config" for
// ReloadHub.Run, since both axes share one fsnotify watcher.
func (ep *Endpoint) reloadAxisOf(path string) string {
	if ep.keyFilePath != "" && path == ep.keyFilePath {
		return "config"
	}
	return "handlers"
}

// reloadConfig re-loads and validates the key file, diffs it against the
// active configuration, applies every live-safe field to its owning
// component, and records restartRequired if any changed field cannot be
// applied without restarting the process (spec §4.11.2).
func (ep *Endpoint) reloadConfig() error {
	updated, err := config.LoadFromEnv(ep.keyFilePath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	old := ep.cfgLoad()
	diff := config.Diff(old, updated)
	if len(diff.Changed) == 0 {
		return nil
	}

	ep.cfg.Store(updated)
	ep.heartbeatIntervalNS.Store(int64(updated.HeartbeatInterval()))
	ep.scheduler.SetDefaultTimeout(updated.DefaultTimeout())
	ep.health.SetInterval(updated.SampleInterval())
	if lvl, err := zerolog.ParseLevel(updated.LogLevel); err == nil {
		ep.logs.SetLevel(lvl)
	}

	if diff.RestartRequired {
		ep.restartRequired.Store(true)
		ep.pendingRestartKeys.Store(&diff.Changed)
		ep.log.Warn().Strs("changed", diff.Changed).Msg("config changed; restart required to fully apply")
	} else {
		ep.log.Info().Strs("changed", diff.Changed).Msg("config reloaded live")
	}
	return nil
}

// reloadHandlers re-scans the handlers directory for *.so modules and
// calls each one's exported Register(*handler.Registry) function, allowing
// a module to add or replace handlers (spec §4.3, §4.11). Nothing is
// de-registered: a name a module no longer registers keeps its previous
// handler. plugin.Open returns the already-loaded plugin for a path it has
// opened before, so a module file changed in place is not re-read.
func (ep *Endpoint) reloadHandlers() error {
	dir := ep.cfgLoad().HandlersDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".so" {
			continue
		}
		path := filepath.Join(dir, de.Name())
		p, err := plugin.Open(path)
		if err != nil {
			ep.log.Warn().Err(err).Str("module", de.Name()).Msg("failed to open handler module")
			continue
		}
		sym, err := p.Lookup("Register")
		if err != nil {
			ep.log.Warn().Err(err).Str("module", de.Name()).Msg("module has no Register symbol")
			continue
		}
		registerFn, ok := sym.(func(*handler.Registry))
		if !ok {
			ep.log.Warn().Str("module", de.Name()).Msg("Register symbol has the wrong signature")
			continue
		}
		registerFn(ep.handlers)
		ep.log.Info().Str("module", de.Name()).Msg("loaded handler module")
	}
	return nil
}

// IsRegistered reports whether the endpoint has completed the register/
// welcome handshake with the hub.
func (ep *Endpoint) IsRegistered() bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.registered
}

// RestartRequired reports whether a config hot reload changed a field that
// cannot take effect without restarting the process, and which keys those
// were, for the hot_reload status action (spec §4.11.3).
func (ep *Endpoint) RestartRequired() (bool, []string) {
	required := ep.restartRequired.Load()
	keys := ep.pendingRestartKeys.Load()
	if keys == nil {
		return required, nil
	}
	return required, *keys
}
