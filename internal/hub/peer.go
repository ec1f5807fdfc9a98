package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/metrics"
	"github.com/markus-barta/sessionfabric/internal/protocol"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	sendQueueSize = 256
)

// Role distinguishes the two kinds of peer the hub accepts.
type Role string

const (
	RoleEndpoint Role = "endpoint"
	RoleAdmin    Role = "admin"
)

// Status is a Peer's connection lifecycle state (spec §3).
type Status string

const (
	StatusConnected Status = "connected"
	StatusStale     Status = "stale"
	StatusClosing   Status = "closing"
)

// Peer is an active connection endpoint of the hub (spec §3).
type Peer struct {
	PeerID      int64
	Role        Role
	Identity    string // endpoint-provided; anonymous/labeled for admins

	conn *websocket.Conn
	hub  *Hub
	log  zerolog.Logger

	mu           sync.RWMutex
	capabilities map[string]bool
	connectedAt  time.Time
	lastHeartbeat time.Time
	latencyMS    float64 // EMA
	status       Status

	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
}

func newPeer(hub *Hub, conn *websocket.Conn, peerID int64, role Role, log zerolog.Logger) *Peer {
	now := time.Now()
	return &Peer{
		PeerID:        peerID,
		Role:          role,
		conn:          conn,
		hub:           hub,
		log:           log.With().Int64("peer_id", peerID).Str("role", string(role)).Logger(),
		capabilities:  make(map[string]bool),
		connectedAt:   now,
		lastHeartbeat: now,
		status:        StatusConnected,
		send:          make(chan []byte, sendQueueSize),
	}
}

// SafeSend writes data to the peer's outbound queue without panicking on a
// closed channel, mirroring the teacher's Client.SafeSend race guard:
// Close() may run concurrently with a send, so the closed check and the
// channel send are not atomic and must both tolerate a lost race.
func (p *Peer) SafeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if p.closed.Load() {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		p.log.Warn().Msg("peer send queue full, dropping message")
		return false
	}
}

// SendEnvelope encodes and sends an envelope, returning false if the queue
// is full or the peer already closed.
func (p *Peer) SendEnvelope(env *protocol.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		p.log.Error().Err(err).Msg("failed to encode envelope")
		return false
	}
	ok := p.SafeSend(data)
	if ok {
		metrics.WSMessagesTotal.WithLabelValues("out").Inc()
	}
	return ok
}

// Close closes the send channel exactly once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.send)
	})
}

func (p *Peer) touchHeartbeat() {
	p.mu.Lock()
	p.lastHeartbeat = time.Now()
	p.status = StatusConnected
	p.mu.Unlock()
}

func (p *Peer) markStale() {
	p.mu.Lock()
	p.status = StatusStale
	p.mu.Unlock()
}

func (p *Peer) setCapabilities(names []string) {
	p.mu.Lock()
	p.capabilities = make(map[string]bool, len(names))
	for _, n := range names {
		p.capabilities[n] = true
	}
	p.mu.Unlock()
}

// Snapshot is the JSON-serializable view of a Peer for list_clients.
type Snapshot struct {
	PeerID          int64     `json:"peer_id"`
	Identity        string    `json:"identity"`
	Capabilities    []string  `json:"capabilities"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Status          string    `json:"status"`
}

func (p *Peer) snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	caps := make([]string, 0, len(p.capabilities))
	for c := range p.capabilities {
		caps = append(caps, c)
	}
	return Snapshot{
		PeerID:          p.PeerID,
		Identity:        p.Identity,
		Capabilities:    caps,
		ConnectedAt:     p.connectedAt,
		LastHeartbeatAt: p.lastHeartbeat,
		Status:          string(p.status),
	}
}

// readPump reads envelopes from the peer's connection and hands them to the
// hub's dispatch loop. Runs until the connection errors or closes.
func (p *Peer) readPump() {
	defer func() {
		p.hub.unregister <- p
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(protocol.MaxEnvelopeBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	p.conn.SetPingHandler(func(appData string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return p.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				p.log.Debug().Err(err).Msg("peer read error")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		p.touchHeartbeat()

		env, err := protocol.Decode(data, protocol.MaxEnvelopeBytes)
		if err != nil {
			p.log.Warn().Err(err).Msg("dropping malformed envelope, closing connection")
			return
		}
		metrics.WSMessagesTotal.WithLabelValues("in").Inc()
		p.hub.inbound <- inboundEnvelope{peer: p, env: env}
	}
}

// writePump drains the peer's outbound queue to its connection, pinging on
// idle, exactly the teacher's ticker-driven keepalive shape.
func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
