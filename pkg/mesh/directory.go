package mesh

import (
	"sync"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/herrors"
	"github.com/handreceipt/handreceipt/pkg/ports"
)

// Directory is the in-memory, single-writer peer table: only the mesh
// package itself writes to it. PeerStore (peerstore.go) durably
// persists the same data for restart continuity.
type Directory struct {
	mu    sync.RWMutex
	peers map[uuid.UUID]*Peer
	cfg   Config
	clock ports.Clock
	store PeerStore // optional durable backing; may be nil
}

// NewDirectory creates an empty Directory. store may be nil for a
// memory-only deployment (tests, or a node that never restarts).
func NewDirectory(cfg Config, clock ports.Clock, store PeerStore) *Directory {
	return &Directory{peers: make(map[uuid.UUID]*Peer), cfg: cfg, clock: clock, store: store}
}

// Load repopulates the directory from the durable store, if one is
// configured. Call once at startup before serving traffic.
func (d *Directory) Load() error {
	if d.store == nil {
		return nil
	}
	peers, err := d.store.LoadAll()
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range peers {
		d.peers[p.ID] = p
	}
	return nil
}

// AddPeer registers a new peer, enforcing MaxPeers.
func (d *Directory) AddPeer(p *Peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.peers[p.ID]; !exists && len(d.peers) >= d.cfg.MaxPeers {
		return herrors.New(herrors.KindQueueFull, "mesh.AddPeer", errMaxPeers)
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = d.clock.Now()
	}
	if p.Capabilities == nil {
		p.Capabilities = make(map[Capability]bool)
	}
	if p.AuthState == "" {
		p.AuthState = AuthUnverified
	}
	d.peers[p.ID] = p
	return d.persist(p)
}

// RemovePeer drops a peer from the directory.
func (d *Directory) RemovePeer(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
	if d.store != nil {
		_ = d.store.Remove(id)
	}
}

// Get returns the peer with the given id, or nil if unknown.
func (d *Directory) Get(id uuid.UUID) *Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.peers[id]
}

// UpdateLastSeen bumps a known peer's LastSeen to now.
func (d *Directory) UpdateLastSeen(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if !ok {
		return
	}
	p.LastSeen = d.clock.Now()
	_ = d.persist(p)
}

// CleanupStale removes every peer whose LastSeen is older than
// PeerTimeout, returning the ids removed.
func (d *Directory) CleanupStale() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	var removed []uuid.UUID
	for id, p := range d.peers {
		if now.Sub(p.LastSeen) > d.cfg.PeerTimeout {
			removed = append(removed, id)
			delete(d.peers, id)
			if d.store != nil {
				_ = d.store.Remove(id)
			}
		}
	}
	return removed
}

// ByCapability returns every peer currently Verified that advertises
// cap -- the capability-routing filter gossip delivery uses.
func (d *Directory) ByCapability(cap Capability) []*Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Peer
	for _, p := range d.peers {
		if p.AuthState == AuthVerified && p.HasCapability(cap) {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot returns every peer currently known, for status reporting.
func (d *Directory) Snapshot() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	return out
}

// setAuthState transitions a peer's auth state under the directory
// lock and persists the change; used by the handshake in auth.go.
func (d *Directory) setAuthState(id uuid.UUID, state AuthState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if !ok {
		return
	}
	p.AuthState = state
	_ = d.persist(p)
}

func (d *Directory) persist(p *Peer) error {
	if d.store == nil {
		return nil
	}
	return d.store.Save(p)
}

var errMaxPeers = maxPeersErr{}

type maxPeersErr struct{}

func (maxPeersErr) Error() string { return "max peers reached" }
