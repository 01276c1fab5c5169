// Package transfer implements HandReceipt's property-transfer state
// machine (C3): states, the required-approvals-by-verification-method
// table, idempotent approval application, and the Manual override. It
// generalizes original_source's PropertyTransferRecord/TransferStatus
// (backend/src/domain/models/transfer.rs), adding the InProgress and
// Confirmed states and the Approved/PendingApproval split the Rust
// source modeled with separate booleans rather than one enum.
package transfer

import (
	"time"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/keystore"
)

// Status is the transfer lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPendingApproval  Status = "pending_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusInProgress       Status = "in_progress"
	StatusConfirmed        Status = "confirmed"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

// VerificationMethod determines which approvals are required before a
// transfer may complete.
type VerificationMethod string

const (
	MethodQRCode     VerificationMethod = "qr_code"
	MethodManual     VerificationMethod = "manual"
	MethodBlockchain VerificationMethod = "blockchain"
	MethodNFC        VerificationMethod = "nfc"
	MethodRFID       VerificationMethod = "rfid"
)

// ApprovalKind names one required signature/confirmation on a transfer.
type ApprovalKind string

const (
	ApprovalCommandChain        ApprovalKind = "command_chain"
	ApprovalPropertyManager     ApprovalKind = "property_manager"
	ApprovalSecurityOfficer     ApprovalKind = "security_officer"
	ApprovalMaintenanceAuthority ApprovalKind = "maintenance_authority"
)

// Approval is one recorded sign-off against a transfer. Application is
// idempotent: applying the same (Kind, ApproverID) pair twice has no
// additional effect.
type Approval struct {
	Kind       ApprovalKind
	ApproverID uuid.UUID
	Signature  []byte
	AppliedAt  time.Time
}

// PropertyTransfer is one in-flight or completed custody transfer.
type PropertyTransfer struct {
	ID                 uuid.UUID
	PropertyID         uuid.UUID
	FromCustodianID    uuid.UUID
	ToCustodianID      uuid.UUID
	VerificationMethod VerificationMethod
	Status             Status
	ManualOverride     bool
	Approvals          []Approval
	InitiationSig      []byte
	CompletionSig      []byte
	ExternalAnchor     []byte // Keccak-256 commitment; required before a Blockchain-method transfer completes
	// RejectionReason explains a terminal Rejected status (e.g. "invalid
	// completion signature", "conflict: superseded by an earlier-signed
	// completion"). Empty outside Rejected.
	RejectionReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	// SequenceNo totally orders transfers against the same property --
	// the per-property logical clock the concurrency model requires.
	SequenceNo uint64
}

// HasApproval reports whether kind has already been recorded from
// approverID, making ApplyApproval idempotent.
func (t *PropertyTransfer) HasApproval(kind ApprovalKind, approverID uuid.UUID) bool {
	for _, a := range t.Approvals {
		if a.Kind == kind && a.ApproverID == approverID {
			return true
		}
	}
	return false
}

// SigningPayload is the canonical byte sequence signed at initiation
// and at completion -- see CanonicalBytes in signing.go for the encoding rule.
type SigningPayload struct {
	TransferID         uuid.UUID
	PropertyID         uuid.UUID
	FromCustodianID    uuid.UUID
	ToCustodianID      uuid.UUID
	VerificationMethod VerificationMethod
	Stage              string // "initiation" or "completion"
	Timestamp          time.Time
}

// SigningKeyProvider resolves which SigningKey a party should sign with;
// satisfied by *keystore.KeyStore in production.
type SigningKeyProvider interface {
	Current() *keystore.SigningKey
}
