package endpoint

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/config"
	"github.com/markus-barta/sessionfabric/internal/protocol"
)

// ConnectionHandler is notified of connection lifecycle events and handed
// every inbound envelope.
type ConnectionHandler interface {
	OnConnected(send func(*protocol.Envelope) error)
	OnDisconnected()
	OnEnvelope(env *protocol.Envelope)
}

const (
	pongWait  = 60 * time.Second
	writeWait = 10 * time.Second
)

// WebSocketClient owns the hub connection and its reconnect loop (spec
// §4.5). Backoff parameters come from Config's reconnect settings.
type WebSocketClient struct {
	cfg     *config.Config
	log     zerolog.Logger
	handler ConnectionHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// NewWebSocketClient builds a client targeting cfg.HubURL.
func NewWebSocketClient(cfg *config.Config, log zerolog.Logger, handler ConnectionHandler) *WebSocketClient {
	return &WebSocketClient{
		cfg:     cfg,
		log:     log.With().Str("component", "websocket").Logger(),
		handler: handler,
	}
}

// Run connects to the hub and maintains the connection, reconnecting with
// exponential backoff and jitter on every failure, until ctx is canceled.
func (c *WebSocketClient) Run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectInitial()
	policy.MaxInterval = c.cfg.ReconnectMax()
	policy.Multiplier = c.cfg.ReconnectMultiplier
	policy.RandomizationFactor = c.cfg.ReconnectJitter

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			d := policy.NextBackOff()
			c.log.Warn().Err(err).Dur("retry_in", d).Msg("connect to hub failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}

		policy.Reset()
		c.readLoop(ctx)
	}
}

func (c *WebSocketClient) connect(ctx context.Context) error {
	c.log.Debug().Str("url", c.cfg.HubURL).Msg("connecting to hub")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.HubURL, http.Header{})
	if err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.handler.OnConnected(c.SendEnvelope)
	return nil
}

func (c *WebSocketClient) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		c.handler.OnDisconnected()
	}()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	conn.SetReadLimit(protocol.MaxEnvelopeBytes)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("hub connection read error")
			}
			return
		}

		env, err := protocol.Decode(data, protocol.MaxEnvelopeBytes)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed envelope from hub")
			return
		}
		c.handler.OnEnvelope(env)
	}
}

// SendEnvelope encodes and writes an envelope to the hub connection. The
// write lock is held across WriteMessage itself, not just the conn lookup:
// gorilla panics on concurrent writes to the same connection, and the
// scheduler's worker-pool goroutines and the heartbeat loop both call this
// concurrently, mirroring the teacher's Client.SendMessage.
func (c *WebSocketClient) SendEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return websocket.ErrCloseSent
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// IsConnected reports whether the hub connection is currently live.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close gracefully closes the current connection, if any.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	deadline := time.Now().Add(5 * time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), deadline)
	return c.conn.Close()
}
