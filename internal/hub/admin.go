package hub

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/protocol"
)

// adminAPI implements the hub's built-in admin command set (spec §6.3):
// list_clients, get_stats, disconnect_client, reload_plugins. These are
// ordinary commands dispatched by name, distinct from forward_command and
// broadcast_command which the router owns.
type adminAPI struct {
	hub *Hub
	log zerolog.Logger
}

func newAdminAPI(h *Hub, log zerolog.Logger) *adminAPI {
	return &adminAPI{hub: h, log: log.With().Str("component", "admin").Logger()}
}

type disconnectClientParams struct {
	Identity string `json:"identity"`
}

type statsResponse struct {
	EndpointsConnected int     `json:"endpoints_connected"`
	AdminsConnected    int     `json:"admins_connected"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

func (a *adminAPI) handle(p *Peer, originalID string, cmd protocol.CommandPayload) {
	start := time.Now()
	switch cmd.Command {
	case "list_clients":
		a.listClients(p, originalID, start)
	case "get_stats":
		a.getStats(p, originalID, start)
	case "disconnect_client":
		a.disconnectClient(p, originalID, cmd.Params, start)
	case "reload_plugins":
		a.reloadPlugins(p, originalID, start)
	default:
		a.reply(p, originalID, protocol.Failure(cmd.Command, protocol.CodeUnknownCommand,
			"no such admin command: "+cmd.Command, "", nil, time.Since(start)))
	}
}

func (a *adminAPI) listClients(p *Peer, originalID string, start time.Time) {
	endpoints := a.hub.reg.endpoints()
	snapshots := make([]Snapshot, 0, len(endpoints))
	for _, ep := range endpoints {
		snapshots = append(snapshots, ep.snapshot())
	}
	a.reply(p, originalID, protocol.Success("list_clients", snapshots, "", time.Since(start)))
}

func (a *adminAPI) getStats(p *Peer, originalID string, start time.Time) {
	all := a.hub.reg.all()
	endpointCount, adminCount := 0, 0
	for _, peer := range all {
		if peer.Role == RoleEndpoint {
			endpointCount++
		} else {
			adminCount++
		}
	}
	stats := statsResponse{
		EndpointsConnected: endpointCount,
		AdminsConnected:    adminCount,
		UptimeSeconds:      time.Since(a.hub.startedAt).Seconds(),
	}
	a.reply(p, originalID, protocol.Success("get_stats", stats, "", time.Since(start)))
}

func (a *adminAPI) disconnectClient(p *Peer, originalID string, params json.RawMessage, start time.Time) {
	var req disconnectClientParams
	if err := parseParams(params, &req); err != nil || req.Identity == "" {
		a.reply(p, originalID, protocol.Failure("disconnect_client", protocol.CodeInvalidParams,
			"params must include a non-empty identity", "", nil, time.Since(start)))
		return
	}
	target := a.hub.reg.endpointByIdentity(req.Identity)
	if target == nil {
		a.reply(p, originalID, protocol.Failure("disconnect_client", protocol.CodeUnknownTarget,
			"no endpoint registered with that identity", "", nil, time.Since(start)))
		return
	}
	a.hub.router.failAllForEndpoint(target.PeerID, protocol.CodeDisconnect, "disconnected by admin request")
	a.hub.reg.remove(target)
	target.Close()
	a.reply(p, originalID, protocol.Success("disconnect_client", nil, "disconnected", time.Since(start)))
}

func (a *adminAPI) reloadPlugins(p *Peer, originalID string, start time.Time) {
	result, err := a.hub.plugins.Reload()
	if err != nil {
		a.reply(p, originalID, protocol.Failure("reload_plugins", protocol.CodeReloadFailed, err.Error(), "", nil, time.Since(start)))
		return
	}
	a.reply(p, originalID, protocol.Success("reload_plugins", result, "", time.Since(start)))
}

func (a *adminAPI) reply(p *Peer, originalID string, resp *protocol.Response) {
	env, err := protocol.NewEnvelope(protocol.TypeResponse, originalID, resp)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to build admin response envelope")
		return
	}
	p.SendEnvelope(env)
}
