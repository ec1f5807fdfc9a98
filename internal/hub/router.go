package hub

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/metrics"
	"github.com/markus-barta/sessionfabric/internal/protocol"
)

// pendingCommand is a command in flight from an admin to an endpoint
// (spec §3). It is owned exclusively by the router and removed on
// resolution or deadline.
type pendingCommand struct {
	correlationID  string
	originalID     string
	adminPeerID    int64
	endpointPeerID int64
	issuedAt       time.Time
	deadline       time.Time
	timer          *time.Timer

	// set for broadcast fan-out members; nil for a plain forward
	broadcast *broadcastState
}

// broadcastState coordinates the N pending commands spawned by a single
// broadcast_command, collecting (identity, response) pairs until all have
// resolved or timed out, then emitting one admin response (spec §4.8).
type broadcastState struct {
	mu        sync.Mutex
	remaining int
	results   map[string]*protocol.Response // identity -> response
	admin     *Peer
	originalID string
}

func (b *broadcastState) resolve(identity string, resp *protocol.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[identity] = resp
	b.remaining--
	if b.remaining == 0 {
		b.emit()
	}
}

func (b *broadcastState) emit() {
	identities := make([]string, 0, len(b.results))
	for id := range b.results {
		identities = append(identities, id)
	}
	sort.Strings(identities)

	type pair struct {
		Identity string             `json:"identity"`
		Response *protocol.Response `json:"response"`
	}
	pairs := make([]pair, 0, len(identities))
	for _, id := range identities {
		pairs = append(pairs, pair{Identity: id, Response: b.results[id]})
	}

	env, err := protocol.NewEnvelope(protocol.TypeResponse, b.originalID, pairs)
	if err == nil {
		b.admin.SendEnvelope(env)
	}
}

// router implements the hub's forward_command/broadcast_command contract
// (spec §4.8) on top of the session registry.
type router struct {
	hub *Hub
	log zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand // correlation_id -> pending
}

func newRouter(h *Hub, log zerolog.Logger) *router {
	return &router{
		hub:     h,
		log:     log.With().Str("component", "router").Logger(),
		pending: make(map[string]*pendingCommand),
	}
}

func correlationID(adminPeerID int64, originalID string) string {
	return fmt.Sprintf("%d:%s", adminPeerID, originalID)
}

// forward handles a single forward_command from an admin (spec §4.8).
func (rt *router) forward(admin *Peer, originalID string, payload protocol.ForwardCommandPayload, grace time.Duration) {
	target := rt.hub.reg.endpointByIdentity(payload.TargetIdentity)
	if target == nil {
		rt.replyError(admin, originalID, "forward_command", protocol.CodeUnknownTarget,
			fmt.Sprintf("no endpoint registered with identity %q", payload.TargetIdentity))
		metrics.CommandsForwarded.WithLabelValues("unknown_target").Inc()
		return
	}

	timeout := effectiveRouterTimeout(payload.TimeoutS)
	corrID := correlationID(admin.PeerID, originalID)
	deadline := time.Now().Add(timeout + grace)

	pc := &pendingCommand{
		correlationID:  corrID,
		originalID:     originalID,
		adminPeerID:    admin.PeerID,
		endpointPeerID: target.PeerID,
		issuedAt:       time.Now(),
		deadline:       deadline,
	}

	rt.mu.Lock()
	rt.pending[corrID] = pc
	rt.mu.Unlock()

	pc.timer = time.AfterFunc(time.Until(deadline), func() {
		rt.resolveTimeout(corrID)
	})

	inner, err := protocol.NewEnvelope(protocol.TypeCommand, corrID, protocol.CommandPayload{
		Command:  payload.InnerCommand,
		Params:   payload.InnerParams,
		TimeoutS: payload.TimeoutS,
	})
	if err != nil {
		rt.cancelPending(corrID)
		rt.replyError(admin, originalID, "forward_command", protocol.CodeHandlerFailed, err.Error())
		return
	}
	target.SendEnvelope(inner)
}

// broadcast handles broadcast_command: fan out to every endpoint (spec §4.8).
func (rt *router) broadcast(admin *Peer, originalID string, payload protocol.BroadcastCommandPayload, grace time.Duration) {
	targets := rt.hub.reg.endpoints()
	if len(targets) == 0 {
		env, _ := protocol.NewEnvelope(protocol.TypeResponse, originalID, []any{})
		admin.SendEnvelope(env)
		return
	}

	bs := &broadcastState{
		remaining:  len(targets),
		results:    make(map[string]*protocol.Response, len(targets)),
		admin:      admin,
		originalID: originalID,
	}

	timeout := effectiveRouterTimeout(payload.TimeoutS)
	for _, target := range targets {
		corrID := correlationID(admin.PeerID, originalID+":"+target.Identity)
		deadline := time.Now().Add(timeout + grace)

		pc := &pendingCommand{
			correlationID:  corrID,
			originalID:     originalID,
			adminPeerID:    admin.PeerID,
			endpointPeerID: target.PeerID,
			issuedAt:       time.Now(),
			deadline:       deadline,
			broadcast:      bs,
		}
		identity := target.Identity

		rt.mu.Lock()
		rt.pending[corrID] = pc
		rt.mu.Unlock()

		pc.timer = time.AfterFunc(time.Until(deadline), func() {
			rt.resolveBroadcastTimeout(corrID, identity)
		})

		inner, err := protocol.NewEnvelope(protocol.TypeCommand, corrID, protocol.CommandPayload{
			Command:  payload.InnerCommand,
			Params:   payload.InnerParams,
			TimeoutS: payload.TimeoutS,
		})
		if err != nil {
			rt.cancelPending(corrID)
			bs.resolve(identity, protocol.Failure(payload.InnerCommand, protocol.CodeHandlerFailed, err.Error(), "", nil, 0))
			continue
		}
		target.SendEnvelope(inner)
	}
}

// handleResponse consumes a response envelope from an endpoint and routes
// it back to the requesting admin (spec §4.8). A correlation id with no
// matching pending entry (deadline already fired, or a stale duplicate) is
// silently discarded per spec: "a later, late response ... is discarded".
func (rt *router) handleResponse(env *protocol.Envelope) {
	rt.mu.Lock()
	pc, ok := rt.pending[env.ID]
	if ok {
		delete(rt.pending, env.ID)
		pc.timer.Stop()
	}
	rt.mu.Unlock()
	if !ok {
		return
	}

	var resp protocol.Response
	if err := env.ParsePayload(&resp); err != nil {
		rt.log.Warn().Err(err).Msg("failed to parse response payload from endpoint")
		return
	}

	if pc.broadcast != nil {
		endpoint := rt.hub.reg.byID(pc.endpointPeerID)
		identity := ""
		if endpoint != nil {
			identity = endpoint.Identity
		}
		pc.broadcast.resolve(identity, &resp)
		metrics.CommandsForwarded.WithLabelValues("ok").Inc()
		return
	}

	admin := rt.hub.reg.byID(pc.adminPeerID)
	if admin == nil {
		// Admin disconnected; response dropped on return (spec §4.8).
		return
	}
	outEnv, err := protocol.NewEnvelope(protocol.TypeResponse, pc.originalID, resp)
	if err == nil {
		admin.SendEnvelope(outEnv)
	}
	metrics.CommandsForwarded.WithLabelValues("ok").Inc()
}

func (rt *router) resolveTimeout(corrID string) {
	rt.mu.Lock()
	pc, ok := rt.pending[corrID]
	if ok {
		delete(rt.pending, corrID)
	}
	rt.mu.Unlock()
	if !ok {
		return
	}
	admin := rt.hub.reg.byID(pc.adminPeerID)
	if admin == nil {
		return
	}
	rt.replyError(admin, pc.originalID, "", protocol.CodeTimeout, "command timed out")
	metrics.CommandsForwarded.WithLabelValues("timeout").Inc()
}

func (rt *router) resolveBroadcastTimeout(corrID, identity string) {
	rt.mu.Lock()
	pc, ok := rt.pending[corrID]
	if ok {
		delete(rt.pending, corrID)
	}
	rt.mu.Unlock()
	if !ok {
		return
	}
	pc.broadcast.resolve(identity, protocol.Failure("", protocol.CodeTimeout, "command timed out", "", nil, 0))
	metrics.CommandsForwarded.WithLabelValues("timeout").Inc()
}

// failAllForEndpoint resolves every pending command targeting peerID with
// the given error code, used on stale eviction and disconnect (spec §4.6,
// §4.7, §4.8).
func (rt *router) failAllForEndpoint(peerID int64, code, message string) {
	rt.mu.Lock()
	var matched []*pendingCommand
	for corrID, pc := range rt.pending {
		if pc.endpointPeerID == peerID {
			matched = append(matched, pc)
			delete(rt.pending, corrID)
		}
	}
	rt.mu.Unlock()

	for _, pc := range matched {
		pc.timer.Stop()
		if pc.broadcast != nil {
			endpoint := rt.hub.reg.byID(pc.endpointPeerID)
			identity := ""
			if endpoint != nil {
				identity = endpoint.Identity
			}
			pc.broadcast.resolve(identity, protocol.Failure("", code, message, "", nil, 0))
			continue
		}
		admin := rt.hub.reg.byID(pc.adminPeerID)
		if admin == nil {
			continue
		}
		rt.replyError(admin, pc.originalID, "", code, message)
	}
}

func (rt *router) cancelPending(corrID string) {
	rt.mu.Lock()
	if pc, ok := rt.pending[corrID]; ok {
		pc.timer.Stop()
		delete(rt.pending, corrID)
	}
	rt.mu.Unlock()
}

func (rt *router) replyError(admin *Peer, originalID, command, code, message string) {
	resp := protocol.Failure(command, code, message, "", nil, 0)
	env, err := protocol.NewEnvelope(protocol.TypeResponse, originalID, resp)
	if err != nil {
		return
	}
	admin.SendEnvelope(env)
}

// effectiveRouterTimeout resolves the hub's own deadline for a pending
// forwarded/broadcast command. It is deliberately coarser than the
// endpoint-side scheduler's timeout_s=0 short circuit: the hub always waits
// at least its fallback window for a response (the endpoint itself replies
// TIMEOUT immediately when timeoutS is an explicit zero), so a nil or
// non-positive pointer both fall back to the same default here.
func effectiveRouterTimeout(timeoutS *float64) time.Duration {
	if timeoutS != nil && *timeoutS > 0 {
		return time.Duration(*timeoutS * float64(time.Second))
	}
	return 60 * time.Second
}
