package mesh

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind numbers the gossip message taxonomy; the numeric value
// is what the wire frame carries as kind_u8.
type MessageKind uint8

const (
	KindDiscoveryPing MessageKind = iota
	KindDiscoveryPong
	KindDiscoveryAnnounce
	KindDiscoveryLeave
	KindAsset
	KindLocation
	KindTransferRequest
	KindTransferValidation
	KindTransferComplete
	KindSyncStateRequest
	KindSyncStateResponse
)

// RequiredCapability returns the capability gossip delivery of this
// kind requires: sync messages require CapabilitySync. Discovery/
// Transfer/Asset/Location messages have no
// capability requirement: they return "" and are delivered to every
// verified peer.
func (k MessageKind) RequiredCapability() Capability {
	switch k {
	case KindSyncStateRequest, KindSyncStateResponse:
		return CapabilitySync
	default:
		return ""
	}
}

// Message is one typed gossip payload, identified for at-least-once-
// delivery dedup by ID.
type Message struct {
	ID        uuid.UUID
	Kind      MessageKind
	FromPeer  uuid.UUID
	Timestamp time.Time
	Payload   map[string]any
}

// AnnouncePayload updates the receiver's peer directory.
type AnnouncePayload struct {
	Address      string       `json:"address"`
	Capabilities []Capability `json:"capabilities"`
}

// TransferRequestPayload carries an initiate-transfer request over
// gossip, forwarded to C3 after peer verification.
type TransferRequestPayload struct {
	PropertyID      uuid.UUID `json:"property_id"`
	FromCustodianID uuid.UUID `json:"from_custodian_id"`
	ToCustodianID   uuid.UUID `json:"to_custodian_id"`
	Method          string    `json:"method"`
}

// SyncStateRequestPayload asks for every asset state modified since
// Since that is at or below RequesterClearance.
type SyncStateRequestPayload struct {
	Since               time.Time `json:"since"`
	RequesterClearance  int       `json:"requester_clearance"`
}
