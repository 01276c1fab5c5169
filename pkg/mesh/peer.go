// Package mesh implements HandReceipt's mesh peer layer (C6): peer
// lifecycle, a challenge-response authentication handshake, and
// capability-routed gossip of typed messages. The peer directory
// generalizes original_source's types/mesh.rs (Peer/AuthStatus/
// capability-set model); its persistence wraps
// github.com/cometbft/cometbft-db the same embedded-KV way this
// module's other local state is backed.
package mesh

import (
	"time"

	"github.com/google/uuid"
)

// Capability is one function a peer advertises support for; gossip
// messages of certain kinds are only delivered to peers that advertise
// the matching capability.
type Capability string

const (
	CapabilitySync      Capability = "sync"
	CapabilityStorage   Capability = "storage"
	CapabilityRelay     Capability = "relay"
	CapabilityGateway   Capability = "gateway"
	CapabilityScanner   Capability = "scanner"
	CapabilityValidator Capability = "validator"
)

// AuthState is a peer's position in the authentication handshake.
type AuthState string

const (
	AuthUnverified AuthState = "unverified"
	AuthPending    AuthState = "pending"
	AuthVerified   AuthState = "verified"
	AuthRevoked    AuthState = "revoked"
)

// Peer is one known mesh participant.
type Peer struct {
	ID           uuid.UUID
	Address      string
	Capabilities map[Capability]bool
	LastSeen     time.Time
	AuthState    AuthState
	PublicKey    []byte // Ed25519 public key, populated once known (directory lookup or prior handshake)
	AuthFailures int
}

// HasCapability reports whether the peer advertises cap.
func (p *Peer) HasCapability(cap Capability) bool {
	return p.Capabilities != nil && p.Capabilities[cap]
}

// Config controls peer discovery and lifecycle defaults.
type Config struct {
	BroadcastInterval time.Duration
	PeerTimeout       time.Duration
	MaxPeers          int
	AuthTimeout       time.Duration
	MaxAuthFailures   int // repeated handshake failures before Revoked
}

// DefaultConfig returns this module's default peer-layer settings.
func DefaultConfig() Config {
	return Config{
		BroadcastInterval: 30 * time.Second,
		PeerTimeout:       180 * time.Second,
		MaxPeers:          100,
		AuthTimeout:       10 * time.Second,
		MaxAuthFailures:   3,
	}
}
