package endpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/handler"
	"github.com/markus-barta/sessionfabric/internal/protocol"
)

// RegisterBuiltins wires the endpoint's core built-in handlers (spec
// §6.4): health_status, get_logs, set_log_level, get_log_stats, hot_reload,
// restart_client, list_handlers. These are the only command names the core
// ever hard-codes; every other command name comes from handler modules
// loaded at runtime.
func RegisterBuiltins(reg *handler.Registry, ep *Endpoint) {
	reg.Register("health_status", handler.Cooperative, ep.handleHealthStatus, 5)
	reg.Register("get_logs", handler.Cooperative, ep.handleGetLogs, 5)
	reg.Register("set_log_level", handler.Cooperative, ep.handleSetLogLevel, 5)
	reg.Register("get_log_stats", handler.Cooperative, ep.handleGetLogStats, 5)
	reg.Register("hot_reload", handler.Blocking, ep.handleHotReload, 30)
	reg.Register("restart_client", handler.Cooperative, ep.handleRestartClient, 10)
	reg.Register("list_handlers", handler.Cooperative, ep.handleListHandlers, 5)
}

func (ep *Endpoint) handleHealthStatus(_ handler.Context) (any, error) {
	latest := ep.health.Latest()
	return latest, nil
}

type getLogsParams struct {
	Limit int `json:"limit"`
}

func (ep *Endpoint) handleGetLogs(ctx handler.Context) (any, error) {
	var p getLogsParams
	if len(ctx.Params) > 0 {
		if err := json.Unmarshal(ctx.Params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	return ep.logs.Recent(p.Limit), nil
}

type setLogLevelParams struct {
	Level string `json:"level"`
}

func (ep *Endpoint) handleSetLogLevel(ctx handler.Context) (any, error) {
	var p setLogLevelParams
	if err := json.Unmarshal(ctx.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	lvl, err := zerolog.ParseLevel(p.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", p.Level, err)
	}
	ep.logs.SetLevel(lvl)
	return map[string]string{"level": lvl.String()}, nil
}

func (ep *Endpoint) handleGetLogStats(_ handler.Context) (any, error) {
	return ep.logs.Stats(), nil
}

type hotReloadParams struct {
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
}

// handleHotReload dispatches on action (spec §6.4 hot_reload{action, target?},
// §4.11.3): "status" reports current state without reloading anything,
// "reload_module"/"reload_config" run one axis, "reload_all" runs both.
func (ep *Endpoint) handleHotReload(ctx handler.Context) (any, error) {
	var p hotReloadParams
	if len(ctx.Params) > 0 {
		if err := json.Unmarshal(ctx.Params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	switch p.Action {
	case "", "status":
		required, keys := ep.RestartRequired()
		return map[string]any{
			"handlers":         ep.handlers.List(),
			"restart_required": required,
			"pending_keys":     keys,
		}, nil
	case "reload_module":
		return ep.reloadModuleAction()
	case "reload_config":
		if err := ep.reloadConfig(); err != nil {
			return nil, err
		}
		required, keys := ep.RestartRequired()
		return map[string]any{"restart_required": required, "pending_keys": keys}, nil
	case "reload_all":
		modResult, err := ep.reloadModuleAction()
		if err != nil {
			return nil, err
		}
		if err := ep.reloadConfig(); err != nil {
			return nil, err
		}
		required, keys := ep.RestartRequired()
		return map[string]any{
			"handlers":         modResult,
			"restart_required": required,
			"pending_keys":     keys,
		}, nil
	default:
		return nil, protocol.NewCodedError(protocol.CodeInvalidParams, "unknown hot_reload action: "+p.Action)
	}
}

func (ep *Endpoint) reloadModuleAction() (map[string][]string, error) {
	before := ep.handlers.Snapshot()
	if err := ep.reloadHandlers(); err != nil {
		return nil, err
	}
	after := ep.handlers.Snapshot()
	return diffHandlerNames(before, after), nil
}

func diffHandlerNames(before, after map[string]*handler.Handler) map[string][]string {
	added, removed := []string{}, []string{}
	for name := range after {
		if _, ok := before[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return map[string][]string{"added": added, "removed": removed}
}

func (ep *Endpoint) handleRestartClient(_ handler.Context) (any, error) {
	if err := ep.watchdog.RequestRestart("restart_client command"); err != nil {
		return nil, fmt.Errorf("failed to write restart sentinel: %w", err)
	}
	go func() {
		time.Sleep(200 * time.Millisecond) // let the response reach the hub
		ep.Shutdown()
	}()
	return map[string]string{"status": "restarting"}, nil
}

func (ep *Endpoint) handleListHandlers(_ handler.Context) (any, error) {
	names := ep.handlers.List()
	sort.Strings(names)
	return names, nil
}
