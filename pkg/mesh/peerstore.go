package mesh

import (
	"encoding/json"
	"sync"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/herrors"
)

// PeerStore durably persists the peer directory so it survives process
// restart; Directory is the canonical in-memory view during operation.
type PeerStore interface {
	Save(p *Peer) error
	Remove(id uuid.UUID) error
	LoadAll() ([]*Peer, error)
}

// peerKeyPrefix namespaces peer records within a shared dbm.DB (the
// same database instance also backs GossipDedupStore).
const peerKeyPrefix = "peer/"

// DBPeerStore wraps a github.com/cometbft/cometbft-db dbm.DB following
// this codebase's Get/SetSync-over-dbm.DB idiom, generalized here to a
// typed Peer store instead of raw KV passthrough.
type DBPeerStore struct {
	db dbm.DB
}

// NewDBPeerStore wraps db for peer persistence.
func NewDBPeerStore(db dbm.DB) *DBPeerStore {
	return &DBPeerStore{db: db}
}

func (s *DBPeerStore) key(id uuid.UUID) []byte {
	return []byte(peerKeyPrefix + id.String())
}

// Save writes p durably (SetSync): a peer record change must survive a
// crash immediately, not wait for a batched flush.
func (s *DBPeerStore) Save(p *Peer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return herrors.New(herrors.KindInternal, "mesh.DBPeerStore.Save", err)
	}
	if err := s.db.SetSync(s.key(p.ID), data); err != nil {
		return herrors.New(herrors.KindStorage, "mesh.DBPeerStore.Save", err)
	}
	return nil
}

// Remove deletes the peer record for id, if any.
func (s *DBPeerStore) Remove(id uuid.UUID) error {
	if err := s.db.DeleteSync(s.key(id)); err != nil {
		return herrors.New(herrors.KindStorage, "mesh.DBPeerStore.Remove", err)
	}
	return nil
}

// prefixUpperBound returns the smallest key strictly greater than every
// key with the given prefix, for use as an Iterator's exclusive end
// bound -- cometbft-db's Iterator takes [start, end) ranges with no
// built-in prefix-scan helper.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix was all 0xff bytes; unbounded end
}

// LoadAll iterates every persisted peer record.
func (s *DBPeerStore) LoadAll() ([]*Peer, error) {
	itr, err := s.db.Iterator([]byte(peerKeyPrefix), prefixUpperBound([]byte(peerKeyPrefix)))
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, "mesh.DBPeerStore.LoadAll", err)
	}
	defer itr.Close()

	var out []*Peer
	for ; itr.Valid(); itr.Next() {
		var p Peer
		if err := json.Unmarshal(itr.Value(), &p); err != nil {
			return nil, herrors.New(herrors.KindStorage, "mesh.DBPeerStore.LoadAll", err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// GossipDedupStore durably records gossip message ids already processed
// so at-least-once delivery can be made idempotent across a process
// restart, not just within one.
type GossipDedupStore struct {
	mu sync.Mutex
	db dbm.DB
}

const dedupKeyPrefix = "gossip-seen/"

// NewGossipDedupStore wraps db for message-id dedup tracking.
func NewGossipDedupStore(db dbm.DB) *GossipDedupStore {
	return &GossipDedupStore{db: db}
}

// SeenAndMark reports whether messageID has already been processed,
// recording it as seen if not (an atomic test-and-set from the caller's
// perspective, since s.mu serializes the Get and SetSync pair).
func (s *GossipDedupStore) SeenAndMark(messageID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := []byte(dedupKeyPrefix + messageID.String())
	existing, err := s.db.Get(key)
	if err != nil {
		return false, herrors.New(herrors.KindStorage, "mesh.GossipDedupStore.SeenAndMark", err)
	}
	if existing != nil {
		return true, nil
	}
	if err := s.db.SetSync(key, []byte{1}); err != nil {
		return false, herrors.New(herrors.KindStorage, "mesh.GossipDedupStore.SeenAndMark", err)
	}
	return false, nil
}
