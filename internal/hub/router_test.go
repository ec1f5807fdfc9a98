package hub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/protocol"
)

func newTestPeer(peerID int64, role Role, identity string) *Peer {
	p := testPeer(peerID, role, identity)
	p.send = make(chan []byte, 8)
	return p
}

func newTestRouterHub() (*Hub, *router) {
	h := &Hub{reg: newRegistry()}
	rt := newRouter(h, zerolog.Nop())
	h.router = rt
	return h, rt
}

func floatPtr(v float64) *float64 {
	return &v
}

func decodeEnvelope(t *testing.T, data []byte) *protocol.Envelope {
	t.Helper()
	env, err := protocol.Decode(data, 0)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestRouterForwardUnknownTargetRepliesImmediately(t *testing.T) {
	_, rt := newTestRouterHub()
	admin := newTestPeer(1, RoleAdmin, "")

	rt.forward(admin, "req-1", protocol.ForwardCommandPayload{
		TargetIdentity: "ghost",
		InnerCommand:   "health_status",
	}, 0)

	select {
	case data := <-admin.send:
		env := decodeEnvelope(t, data)
		var resp protocol.Response
		if err := env.ParsePayload(&resp); err != nil {
			t.Fatalf("parse response: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != protocol.CodeUnknownTarget {
			t.Fatalf("expected UNKNOWN_TARGET, got %+v", resp.Error)
		}
	default:
		t.Fatal("expected an immediate error response on the admin's queue")
	}
}

func TestRouterForwardAndHandleResponse(t *testing.T) {
	h, rt := newTestRouterHub()
	admin := newTestPeer(1, RoleAdmin, "")
	target := newTestPeer(2, RoleEndpoint, "desk-01")
	h.reg.addAdmin(admin)
	h.reg.bindEndpoint(target)

	rt.forward(admin, "req-1", protocol.ForwardCommandPayload{
		TargetIdentity: "desk-01",
		InnerCommand:   "health_status",
	}, 0)

	var inner *protocol.Envelope
	select {
	case data := <-target.send:
		inner = decodeEnvelope(t, data)
	default:
		t.Fatal("expected the inner command to reach the target endpoint")
	}

	resp := protocol.Success("health_status", map[string]string{"status": "healthy"}, "", 0)
	respEnv, err := protocol.NewEnvelope(protocol.TypeResponse, inner.ID, resp)
	if err != nil {
		t.Fatalf("build response envelope: %v", err)
	}
	rt.handleResponse(respEnv)

	select {
	case data := <-admin.send:
		env := decodeEnvelope(t, data)
		if env.ID != "req-1" {
			t.Fatalf("expected the response to carry the original request id, got %q", env.ID)
		}
	default:
		t.Fatal("expected the admin to receive the routed response")
	}

	if len(rt.pending) != 0 {
		t.Fatalf("expected the pending entry to be cleared, got %d remaining", len(rt.pending))
	}
}

func TestRouterHandleResponseDiscardsUnmatchedCorrelation(t *testing.T) {
	_, rt := newTestRouterHub()
	env, _ := protocol.NewEnvelope(protocol.TypeResponse, "never-issued", protocol.Success("x", nil, "", 0))
	rt.handleResponse(env) // must not panic
}

func TestRouterForwardTimesOut(t *testing.T) {
	h, rt := newTestRouterHub()
	admin := newTestPeer(1, RoleAdmin, "")
	target := newTestPeer(2, RoleEndpoint, "desk-02")
	h.reg.addAdmin(admin)
	h.reg.bindEndpoint(target)

	rt.forward(admin, "req-2", protocol.ForwardCommandPayload{
		TargetIdentity: "desk-02",
		InnerCommand:   "health_status",
		TimeoutS:       floatPtr(0.01),
	}, 0)

	select {
	case data := <-admin.send:
		env := decodeEnvelope(t, data)
		var resp protocol.Response
		if err := env.ParsePayload(&resp); err != nil {
			t.Fatalf("parse response: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != protocol.CodeTimeout {
			t.Fatalf("expected TIMEOUT, got %+v", resp.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a timeout response within a second")
	}
}

func TestRouterFailAllForEndpoint(t *testing.T) {
	h, rt := newTestRouterHub()
	admin := newTestPeer(1, RoleAdmin, "")
	target := newTestPeer(2, RoleEndpoint, "desk-03")
	h.reg.addAdmin(admin)
	h.reg.bindEndpoint(target)

	rt.forward(admin, "req-3", protocol.ForwardCommandPayload{
		TargetIdentity: "desk-03",
		InnerCommand:   "health_status",
	}, 0)
	<-target.send // drain the forwarded command

	rt.failAllForEndpoint(target.PeerID, protocol.CodeStaleEndpoint, "endpoint went stale")

	select {
	case data := <-admin.send:
		env := decodeEnvelope(t, data)
		var resp protocol.Response
		if err := env.ParsePayload(&resp); err != nil {
			t.Fatalf("parse response: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != protocol.CodeStaleEndpoint {
			t.Fatalf("expected STALE_ENDPOINT, got %+v", resp.Error)
		}
	default:
		t.Fatal("expected the admin to be notified of the stale eviction")
	}
	if len(rt.pending) != 0 {
		t.Fatalf("expected no pending entries left, got %d", len(rt.pending))
	}
}
