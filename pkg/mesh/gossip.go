package mesh

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/herrors"
)

// Sender transmits an already-framed message to one peer. Implemented
// by a concrete transport a host application supplies (BLE, TCP, QUIC);
// this package never opens a socket itself.
type Sender interface {
	SendTo(ctx context.Context, peer *Peer, frame []byte) error
}

// TransferForwarder hands a verified Transfer::Request off to C3/C7.
// Kept as a narrow function type rather than a direct pkg/orchestrator
// import, so pkg/mesh has no dependency on pkg/orchestrator.
type TransferForwarder func(ctx context.Context, req TransferRequestPayload, fromPeer uuid.UUID) error

// StateProvider answers Sync::StateRequest by returning every asset
// state modified since `since` at or below `clearance`.
type StateProvider func(ctx context.Context, since time.Time, clearance int) (map[string]any, error)

// Handler dispatches incoming gossip Messages after the sending peer is
// already Verified -- capability routing and dedup happen in Handle.
type Handler struct {
	dir       *Directory
	dedup     *GossipDedupStore
	sender    Sender
	forward   TransferForwarder
	stateFn   StateProvider
	logger    *log.Logger
}

// NewHandler wires a gossip Handler. forward/stateFn may be nil if this
// node does not serve those message kinds.
func NewHandler(dir *Directory, dedup *GossipDedupStore, sender Sender, forward TransferForwarder, stateFn StateProvider) *Handler {
	return &Handler{dir: dir, dedup: dedup, sender: sender, forward: forward, stateFn: stateFn, logger: log.New(os.Stderr, "[Mesh] ", log.LstdFlags)}
}

// Handle processes one inbound message from fromPeer. It enforces:
// dedup by message id (at-least-once delivery must be idempotent),
// capability routing (the message kind's required capability, if any,
// must be advertised by the receiving node -- checked by the caller
// before Handle is reached for forwarded/relay paths; Handle itself
// refuses a Sync::StateRequest when this node has no StateProvider or
// the sending peer does not advertise CapabilitySync),
// and peer verification (only Verified peers' messages are accepted).
func (h *Handler) Handle(ctx context.Context, fromPeer uuid.UUID, msg *Message) error {
	peer := h.dir.Get(fromPeer)
	if peer == nil || peer.AuthState != AuthVerified {
		return herrors.New(herrors.KindUnauthorized, "mesh.Handle", errUnverifiedPeer)
	}

	if h.dedup != nil {
		seen, err := h.dedup.SeenAndMark(msg.ID)
		if err != nil {
			return err
		}
		if seen {
			return nil // at-least-once delivery: already processed, no-op
		}
	}

	h.dir.UpdateLastSeen(fromPeer)

	switch msg.Kind {
	case KindDiscoveryPing:
		return h.replyPong(ctx, peer, msg)
	case KindDiscoveryPong:
		return nil // no side effect
	case KindDiscoveryAnnounce:
		return h.handleAnnounce(peer, msg)
	case KindDiscoveryLeave:
		h.dir.RemovePeer(fromPeer)
		return nil
	case KindTransferRequest:
		return h.handleTransferRequest(ctx, fromPeer, msg)
	case KindSyncStateRequest:
		return h.handleSyncStateRequest(ctx, peer, msg)
	default:
		return nil // Asset/Location/Transfer::Validation|Complete/Sync::StateResponse: host-level consumers handle these
	}
}

func (h *Handler) replyPong(ctx context.Context, peer *Peer, in *Message) error {
	pong := &Message{ID: uuid.New(), Kind: KindDiscoveryPong, FromPeer: in.FromPeer, Timestamp: time.Now()}
	frame, err := EncodeFrame(pong)
	if err != nil {
		return err
	}
	return h.sender.SendTo(ctx, peer, frame)
}

func (h *Handler) handleAnnounce(peer *Peer, msg *Message) error {
	addr, _ := msg.Payload["address"].(string)
	if addr != "" {
		peer.Address = addr
	}
	if caps, ok := msg.Payload["capabilities"].([]any); ok {
		updated := make(map[Capability]bool, len(caps))
		for _, c := range caps {
			if s, ok := c.(string); ok {
				updated[Capability(s)] = true
			}
		}
		peer.Capabilities = updated
	}
	return h.dir.persist(peer)
}

func (h *Handler) handleTransferRequest(ctx context.Context, fromPeer uuid.UUID, msg *Message) error {
	if h.forward == nil {
		return nil
	}
	propertyID, _ := parseUUIDField(msg.Payload, "property_id")
	fromID, _ := parseUUIDField(msg.Payload, "from_custodian_id")
	toID, _ := parseUUIDField(msg.Payload, "to_custodian_id")
	method, _ := msg.Payload["method"].(string)

	return h.forward(ctx, TransferRequestPayload{
		PropertyID:      propertyID,
		FromCustodianID: fromID,
		ToCustodianID:   toID,
		Method:          method,
	}, fromPeer)
}

func (h *Handler) handleSyncStateRequest(ctx context.Context, peer *Peer, msg *Message) error {
	if h.stateFn == nil || !peer.HasCapability(CapabilitySync) {
		return herrors.New(herrors.KindUnauthorized, "mesh.handleSyncStateRequest", errCapabilityRequired)
	}

	since, _ := msg.Payload["since"].(string)
	sinceTime, _ := time.Parse(time.RFC3339, since)
	clearance, _ := msg.Payload["requester_clearance"].(float64)

	states, err := h.stateFn(ctx, sinceTime, int(clearance))
	if err != nil {
		return err
	}

	resp := &Message{ID: uuid.New(), Kind: KindSyncStateResponse, FromPeer: msg.FromPeer, Timestamp: time.Now(), Payload: states}
	frame, err := EncodeFrame(resp)
	if err != nil {
		return err
	}
	return h.sender.SendTo(ctx, peer, frame)
}

func parseUUIDField(payload map[string]any, key string) (uuid.UUID, bool) {
	s, ok := payload[key].(string)
	if !ok {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

var errUnverifiedPeer = unverifiedPeerErr{}
var errCapabilityRequired = capabilityRequiredErr{}

type unverifiedPeerErr struct{}

func (unverifiedPeerErr) Error() string { return "message from unverified peer rejected" }

type capabilityRequiredErr struct{}

func (capabilityRequiredErr) Error() string { return "peer lacks required capability for this message kind" }
