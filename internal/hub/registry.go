package hub

import "sync"

// registry maps peer_id → Peer and identity → peer_id for endpoints
// (spec §4.7). Admins have no identity binding; only their peer_id
// identifies them.
type registry struct {
	mu        sync.RWMutex
	byPeerID  map[int64]*Peer
	byIdentity map[string]int64 // endpoint identity -> peer_id
	nextID    int64
}

func newRegistry() *registry {
	return &registry{
		byPeerID:   make(map[int64]*Peer),
		byIdentity: make(map[string]int64),
	}
}

// allocatePeerID returns the next monotonic peer_id, unique and never
// reused within the hub's lifetime (spec §3 invariant).
func (r *registry) allocatePeerID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// addAdmin registers an admin peer, which has no identity binding.
func (r *registry) addAdmin(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPeerID[p.PeerID] = p
}

// bindEndpoint registers an endpoint under its identity, evicting and
// returning any prior peer bound to the same identity. The caller is
// responsible for closing the evicted peer *outside* this call (the
// registry never performs external I/O under its own lock), mirroring the
// teacher's handleAgentRegister two-phase lock-then-external-ops pattern.
func (r *registry) bindEndpoint(p *Peer) (evicted *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldID, ok := r.byIdentity[p.Identity]; ok {
		if old, ok := r.byPeerID[oldID]; ok && old != p {
			evicted = old
			delete(r.byPeerID, oldID)
		}
	}
	r.byPeerID[p.PeerID] = p
	r.byIdentity[p.Identity] = p.PeerID
	return evicted
}

// remove deletes a peer from every index. Returns true if it was known.
func (r *registry) remove(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPeerID[p.PeerID]; !ok {
		return false
	}
	delete(r.byPeerID, p.PeerID)
	if p.Role == RoleEndpoint {
		if r.byIdentity[p.Identity] == p.PeerID {
			delete(r.byIdentity, p.Identity)
		}
	}
	return true
}

// byID looks up a peer by its peer_id.
func (r *registry) byID(peerID int64) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPeerID[peerID]
}

// endpointByIdentity looks up the current endpoint bound to an identity.
func (r *registry) endpointByIdentity(identity string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIdentity[identity]
	if !ok {
		return nil
	}
	return r.byPeerID[id]
}

// endpoints returns a snapshot slice of every registered endpoint peer.
func (r *registry) endpoints() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.byIdentity))
	for _, id := range r.byIdentity {
		if p, ok := r.byPeerID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// all returns every peer (endpoints and admins).
func (r *registry) all() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.byPeerID))
	for _, p := range r.byPeerID {
		out = append(out, p)
	}
	return out
}

// withCapability returns endpoints whose advertised capability set
// contains name, supporting capability-based lookup (spec §4.7).
func (r *registry) withCapability(name string) []*Peer {
	var out []*Peer
	for _, p := range r.endpoints() {
		p.mu.RLock()
		has := p.capabilities[name]
		p.mu.RUnlock()
		if has {
			out = append(out, p)
		}
	}
	return out
}
