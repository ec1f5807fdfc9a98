package hub

import "testing"

func testPeer(peerID int64, role Role, identity string) *Peer {
	return &Peer{
		PeerID:       peerID,
		Role:         role,
		Identity:     identity,
		capabilities: make(map[string]bool),
	}
}

func TestRegistryAllocatePeerIDMonotonic(t *testing.T) {
	r := newRegistry()
	a := r.allocatePeerID()
	b := r.allocatePeerID()
	if b != a+1 {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", a, b)
	}
}

func TestRegistryBindEndpointEvictsPriorIdentity(t *testing.T) {
	r := newRegistry()
	first := testPeer(1, RoleEndpoint, "desk-01")
	second := testPeer(2, RoleEndpoint, "desk-01")

	if evicted := r.bindEndpoint(first); evicted != nil {
		t.Fatalf("expected no eviction on first bind, got %+v", evicted)
	}
	evicted := r.bindEndpoint(second)
	if evicted != first {
		t.Fatalf("expected the first peer to be evicted, got %+v", evicted)
	}
	if r.endpointByIdentity("desk-01") != second {
		t.Fatal("expected the identity to now resolve to the second peer")
	}
	if r.byID(1) != nil {
		t.Fatal("expected the evicted peer_id to no longer resolve")
	}
}

func TestRegistryRemoveClearsBothIndexes(t *testing.T) {
	r := newRegistry()
	p := testPeer(1, RoleEndpoint, "desk-02")
	r.bindEndpoint(p)

	if !r.remove(p) {
		t.Fatal("expected remove to report the peer was known")
	}
	if r.byID(1) != nil || r.endpointByIdentity("desk-02") != nil {
		t.Fatal("expected both indexes cleared after remove")
	}
	if r.remove(p) {
		t.Fatal("expected a second remove of the same peer to report false")
	}
}

func TestRegistryAddAdminHasNoIdentityBinding(t *testing.T) {
	r := newRegistry()
	admin := testPeer(1, RoleAdmin, "")
	r.addAdmin(admin)

	if r.byID(1) != admin {
		t.Fatal("expected the admin peer to resolve by peer_id")
	}
	eps := r.endpoints()
	if len(eps) != 0 {
		t.Fatalf("expected zero endpoints, got %d", len(eps))
	}
}

func TestRegistryWithCapability(t *testing.T) {
	r := newRegistry()
	p := testPeer(1, RoleEndpoint, "desk-03")
	p.setCapabilities([]string{"health_status", "get_logs"})
	r.bindEndpoint(p)

	if got := r.withCapability("get_logs"); len(got) != 1 || got[0] != p {
		t.Fatalf("expected exactly the one capable peer, got %+v", got)
	}
	if got := r.withCapability("nope"); len(got) != 0 {
		t.Fatalf("expected no peers for an unadvertised capability, got %+v", got)
	}
}
