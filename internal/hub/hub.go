package hub

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/metrics"
	"github.com/markus-barta/sessionfabric/internal/protocol"
)

// inboundEnvelope pairs a decoded envelope with the peer that sent it, the
// unit of work handed from a Peer's readPump to the Hub's dispatch loop.
type inboundEnvelope struct {
	peer *Peer
	env  *protocol.Envelope
}

// Hub is the control plane's session registry, router and admin surface
// wired together (spec §4.7, §4.8, §4.13).
type Hub struct {
	log zerolog.Logger
	cfg *Config
	db  *sql.DB

	reg     *registry
	router  *router
	admin   *adminAPI
	plugins *pluginLoader

	inbound    chan inboundEnvelope
	unregister chan *Peer

	startedAt time.Time
}

// NewHub wires a Hub from its configuration. db may be nil if persistence
// is disabled.
func NewHub(cfg *Config, db *sql.DB, log zerolog.Logger) *Hub {
	h := &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		cfg:        cfg,
		db:         db,
		reg:        newRegistry(),
		inbound:    make(chan inboundEnvelope, 1024),
		unregister: make(chan *Peer, 64),
		startedAt:  time.Now(),
	}
	h.router = newRouter(h, h.log)
	h.admin = newAdminAPI(h, h.log)
	h.plugins = newPluginLoader(cfg.PluginDir, db, h.log)
	return h
}

// Run drives the dispatch loop until ctx is canceled, restarting the loop
// body on panic the way the teacher's Hub.Run/runLoop pair do, so a bug in
// one envelope's handling never takes the whole hub down.
func (h *Hub) Run(ctx context.Context) {
	staleTicker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer staleTicker.Stop()

	for {
		if h.runLoop(ctx, staleTicker.C) {
			return
		}
		h.log.Warn().Msg("hub dispatch loop recovered from panic, restarting")
	}
}

func (h *Hub) runLoop(ctx context.Context, staleC <-chan time.Time) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("hub dispatch loop panicked")
			done = false
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true
		case in := <-h.inbound:
			h.dispatch(in.peer, in.env)
		case p := <-h.unregister:
			h.handleUnregister(p)
		case <-staleC:
			h.evictStale()
		}
	}
}

// AcceptEndpoint allocates a peer_id for a newly-upgraded endpoint
// connection and starts its pumps. The connection must send a register
// envelope as its first message; until then the peer is unbound.
func (h *Hub) AcceptEndpoint(conn *websocket.Conn) *Peer {
	id := h.reg.allocatePeerID()
	p := newPeer(h, conn, id, RoleEndpoint, h.log)
	go p.writePump()
	go p.readPump()
	return p
}

// AcceptAdmin allocates a peer_id for a newly-upgraded admin connection.
// Admins have no register handshake: they are usable immediately.
func (h *Hub) AcceptAdmin(conn *websocket.Conn) *Peer {
	id := h.reg.allocatePeerID()
	p := newPeer(h, conn, id, RoleAdmin, h.log)
	h.reg.addAdmin(p)
	metrics.PeersConnected.WithLabelValues("admin").Inc()
	go p.writePump()
	go p.readPump()
	return p
}

func (h *Hub) dispatch(p *Peer, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegister:
		h.handleRegister(p, env)
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(p, env)
	case protocol.TypeCommand:
		h.handleCommand(p, env)
	case protocol.TypeResponse:
		h.router.handleResponse(env)
	case protocol.TypeError:
		h.log.Warn().Int64("peer_id", p.PeerID).Msg("peer reported protocol error")
	default:
		h.log.Warn().Str("type", env.Type).Msg("unhandled envelope type")
	}
}

func (h *Hub) handleRegister(p *Peer, env *protocol.Envelope) {
	if p.Role != RoleEndpoint {
		return
	}
	var reg protocol.RegisterPayload
	if err := env.ParsePayload(&reg); err != nil {
		h.log.Warn().Err(err).Msg("malformed register payload")
		return
	}
	p.Identity = reg.Identity
	p.setCapabilities(reg.Capabilities)

	evicted := h.reg.bindEndpoint(p)
	if evicted != nil {
		h.log.Info().Str("identity", p.Identity).
			Int64("evicted_peer_id", evicted.PeerID).
			Int64("peer_id", p.PeerID).
			Msg("evicting prior connection for re-registering identity")
		h.router.failAllForEndpoint(evicted.PeerID, protocol.CodeEvicted, "superseded by a new registration for this identity")
		evicted.Close()
		metrics.Evictions.Inc()
	} else {
		metrics.PeersConnected.WithLabelValues("endpoint").Inc()
	}

	if h.db != nil {
		capsCSV := ""
		for i, c := range reg.Capabilities {
			if i > 0 {
				capsCSV += ","
			}
			capsCSV += c
		}
		if err := RecordPeerSeen(h.db, p.Identity, capsCSV, p.PeerID); err != nil {
			h.log.Warn().Err(err).Msg("failed to record peer directory entry")
		}
	}

	welcome, err := protocol.NewEnvelope(protocol.TypeWelcome, env.ID, protocol.WelcomePayload{
		PeerID:     p.PeerID,
		ServerTime: time.Now(),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build welcome envelope")
		return
	}
	p.SendEnvelope(welcome)
}

func (h *Hub) handleHeartbeat(p *Peer, env *protocol.Envelope) {
	echo, err := protocol.NewEnvelope(protocol.TypeHeartbeat, env.ID, nil)
	if err != nil {
		return
	}
	p.SendEnvelope(echo)
}

func (h *Hub) handleCommand(p *Peer, env *protocol.Envelope) {
	if p.Role != RoleAdmin {
		h.log.Warn().Int64("peer_id", p.PeerID).Msg("endpoint sent a command envelope, ignoring")
		return
	}
	var cmd protocol.CommandPayload
	if err := env.ParsePayload(&cmd); err != nil {
		h.router.replyError(p, env.ID, "", protocol.CodeInvalidParams, "malformed command payload")
		return
	}

	switch cmd.Command {
	case "forward_command":
		var fwd protocol.ForwardCommandPayload
		if err := parseParams(cmd.Params, &fwd); err != nil {
			h.router.replyError(p, env.ID, cmd.Command, protocol.CodeInvalidParams, err.Error())
			return
		}
		h.router.forward(p, env.ID, fwd, h.cfg.HubGrace)
	case "broadcast_command":
		var bc protocol.BroadcastCommandPayload
		if err := parseParams(cmd.Params, &bc); err != nil {
			h.router.replyError(p, env.ID, cmd.Command, protocol.CodeInvalidParams, err.Error())
			return
		}
		h.router.broadcast(p, env.ID, bc, h.cfg.HubGrace)
	default:
		h.admin.handle(p, env.ID, cmd)
	}
}

func parseParams(raw []byte, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	env := protocol.Envelope{Payload: raw}
	return env.ParsePayload(target)
}

func (h *Hub) handleUnregister(p *Peer) {
	known := h.reg.remove(p)
	p.Close()
	if !known {
		return
	}
	if p.Role == RoleEndpoint {
		h.router.failAllForEndpoint(p.PeerID, protocol.CodeDisconnect, "endpoint disconnected")
		metrics.PeersConnected.WithLabelValues("endpoint").Dec()
	} else {
		metrics.PeersConnected.WithLabelValues("admin").Dec()
	}
}

func (h *Hub) evictStale() {
	threshold := h.cfg.StaleThreshold()
	now := time.Now()
	for _, p := range h.reg.endpoints() {
		p.mu.RLock()
		last := p.lastHeartbeat
		p.mu.RUnlock()
		if now.Sub(last) <= threshold {
			continue
		}
		p.markStale()
		h.log.Info().Int64("peer_id", p.PeerID).Str("identity", p.Identity).
			Dur("silence", now.Sub(last)).Msg("evicting stale endpoint")
		h.router.failAllForEndpoint(p.PeerID, protocol.CodeStaleEndpoint, "no traffic within heartbeat_interval * stale_multiplier")
		h.reg.remove(p)
		p.Close()
		metrics.Evictions.Inc()
		metrics.PeersConnected.WithLabelValues("endpoint").Dec()
	}
}
