// Package protocol defines the wire envelope shared between hub, endpoint
// and admin peers, and the canonical response format handlers produce.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope types.
const (
	TypeRegister  = "register"
	TypeWelcome   = "welcome"
	TypeCommand   = "command"
	TypeResponse  = "response"
	TypeHeartbeat = "heartbeat"
	TypeEvent     = "event"
	TypeError     = "error"
)

// MaxEnvelopeBytes is the default decoded-size ceiling, generous enough for
// base64-inlined screenshot payloads. Configurable per connection.
const MaxEnvelopeBytes = 16 * 1024 * 1024

// Envelope is the unit of transport between any two peers. It is immutable
// once sent: nothing in this package mutates a decoded Envelope in place.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ParseError is returned by Decode for malformed frames or envelopes
// missing a required field. It is a protocol error per spec §7: the
// connection that produced it should be closed, not retried.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "protocol: " + e.Reason }

// NewEnvelope builds an envelope carrying the given payload, marshaled to
// JSON. The timestamp is stamped at construction time.
func NewEnvelope(typ, id string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal payload: %w", err)
		}
		raw = data
	}
	return &Envelope{
		Type:      typ,
		ID:        id,
		Timestamp: time.Now(),
		Payload:   raw,
	}, nil
}

// Decode parses a single frame into an Envelope, enforcing the maxBytes
// ceiling and the required-field invariants of spec §4.1. maxBytes<=0 uses
// MaxEnvelopeBytes.
func Decode(frame []byte, maxBytes int) (*Envelope, error) {
	if maxBytes <= 0 {
		maxBytes = MaxEnvelopeBytes
	}
	if len(frame) > maxBytes {
		return nil, &ParseError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit %d", len(frame), maxBytes)}
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &ParseError{Reason: "malformed JSON: " + err.Error()}
	}
	if env.Type == "" {
		return nil, &ParseError{Reason: "envelope missing type"}
	}
	if env.ID == "" {
		return nil, &ParseError{Reason: "envelope missing id"}
	}
	return &env, nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ParsePayload unmarshals the envelope's payload into target.
func (e *Envelope) ParsePayload(target any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, target)
}

// RegisterPayload is carried by a register envelope, endpoint→hub.
type RegisterPayload struct {
	Identity     string   `json:"identity"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// WelcomePayload is carried by a welcome envelope, hub→peer on accept.
type WelcomePayload struct {
	PeerID     int64     `json:"peer_id"`
	ServerTime time.Time `json:"server_time"`
}

// CommandPayload is carried by a command envelope, sender→receiver. TimeoutS
// is a pointer so an explicit `timeout_s: 0` (resolves as an immediate
// TIMEOUT, spec §8) can be told apart from an absent field (falls through
// the handler/global default precedence) despite the `omitempty` tag: a nil
// pointer is omitted, a pointer to 0.0 is not.
type CommandPayload struct {
	Command  string          `json:"command"`
	Params   json.RawMessage `json:"params,omitempty"`
	TimeoutS *float64        `json:"timeout_s,omitempty"`
}

// ForwardCommandPayload is the admin→hub wrapping of a command destined for
// a specific endpoint, under the built-in "forward_command" command name.
type ForwardCommandPayload struct {
	TargetIdentity string          `json:"target_identity"`
	InnerCommand   string          `json:"inner_command"`
	InnerParams    json.RawMessage `json:"inner_params,omitempty"`
	TimeoutS       *float64        `json:"timeout_s,omitempty"`
}

// BroadcastCommandPayload fans a command out to every registered endpoint.
type BroadcastCommandPayload struct {
	InnerCommand string          `json:"inner_command"`
	InnerParams  json.RawMessage `json:"inner_params,omitempty"`
	TimeoutS     *float64        `json:"timeout_s,omitempty"`
}

// ErrorPayload is carried by an error envelope: a protocol-level problem
// that prevents normal response delivery (spec §6.1).
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
