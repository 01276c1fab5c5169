package transfer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/config"
	"github.com/handreceipt/handreceipt/pkg/herrors"
	"github.com/handreceipt/handreceipt/pkg/keystore"
)

// New creates a Pending transfer. The orchestrator signs the
// initiation payload and attaches it to InitiationSig separately, after
// confirming authorization and party resolution.
func New(propertyID, fromCustodian, toCustodian uuid.UUID, method VerificationMethod, now time.Time) *PropertyTransfer {
	return &PropertyTransfer{
		ID:                 uuid.New(),
		PropertyID:         propertyID,
		FromCustodianID:    fromCustodian,
		ToCustodianID:      toCustodian,
		VerificationMethod: method,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// requiredApprovalKinds resolves the approval kinds needed for method
// from the deployment policy.
func requiredApprovalKinds(policy *config.Policy, method VerificationMethod) []ApprovalKind {
	kinds := policy.RequiredApprovals[string(method)]
	out := make([]ApprovalKind, len(kinds))
	for i, k := range kinds {
		out[i] = ApprovalKind(k)
	}
	return out
}

// hasAllRequiredApprovals checks role-set coverage: every required
// approval kind must have at least one recorded Approval, the set-
// membership analogue of a weight-threshold quorum check.
func hasAllRequiredApprovals(t *PropertyTransfer, required []ApprovalKind) bool {
	have := make(map[ApprovalKind]bool, len(t.Approvals))
	for _, a := range t.Approvals {
		have[a.Kind] = true
	}
	for _, k := range required {
		if !have[k] {
			return false
		}
	}
	return true
}

// ApplyApproval idempotently records an approval. If this approval
// satisfies the full required-approval set (or ManualOverride is set),
// the transfer advances from PendingApproval to Approved. The returned
// bool reports whether this call actually recorded a new approval, as
// opposed to a no-op resubmission of an (kind, approverID) pair already
// on file -- callers must not treat a no-op as a fresh event.
func ApplyApproval(policy *config.Policy, t *PropertyTransfer, kind ApprovalKind, approverID uuid.UUID, sig []byte, now time.Time) (bool, error) {
	if t.Status != StatusPending && t.Status != StatusPendingApproval {
		return false, herrors.New(herrors.KindConflict, "transfer.ApplyApproval",
			fmt.Errorf("transfer %s is %s, not pending", t.ID, t.Status))
	}

	if t.Status == StatusPending {
		t.Status = StatusPendingApproval
	}

	if t.HasApproval(kind, approverID) {
		return false, nil // idempotent: already recorded
	}

	t.Approvals = append(t.Approvals, Approval{
		Kind:       kind,
		ApproverID: approverID,
		Signature:  sig,
		AppliedAt:  now,
	})
	t.UpdatedAt = now

	required := requiredApprovalKinds(policy, t.VerificationMethod)
	if t.ManualOverride || hasAllRequiredApprovals(t, required) {
		t.Status = StatusApproved
	}

	return true, nil
}

// Reject moves a transfer to Rejected. Valid from Pending or
// PendingApproval only.
func Reject(t *PropertyTransfer, now time.Time) error {
	if t.Status != StatusPending && t.Status != StatusPendingApproval {
		return herrors.New(herrors.KindConflict, "transfer.Reject",
			fmt.Errorf("transfer %s is %s, cannot reject", t.ID, t.Status))
	}
	t.Status = StatusRejected
	t.UpdatedAt = now
	return nil
}

// Cancel moves a transfer to Cancelled. Valid from any non-terminal
// state; Completed, Confirmed, Rejected and Cancelled are terminal.
func Cancel(t *PropertyTransfer, now time.Time) error {
	switch t.Status {
	case StatusCompleted, StatusConfirmed, StatusRejected, StatusCancelled:
		return herrors.New(herrors.KindConflict, "transfer.Cancel",
			fmt.Errorf("transfer %s is already terminal (%s)", t.ID, t.Status))
	}
	t.Status = StatusCancelled
	t.UpdatedAt = now
	return nil
}

// BeginVerification moves an Approved transfer to InProgress, the
// point at which the recipient's completion signature is expected.
func BeginVerification(t *PropertyTransfer, now time.Time) error {
	if t.Status != StatusApproved {
		return herrors.New(herrors.KindConflict, "transfer.BeginVerification",
			fmt.Errorf("transfer %s is %s, not approved", t.ID, t.Status))
	}
	t.Status = StatusInProgress
	t.UpdatedAt = now
	return nil
}

// CompleteTransfer verifies the completion signature against the
// signing party's key and advances InProgress -> Completed, recording
// the signature. An invalid signature moves the transfer to the
// terminal Rejected state instead, with RejectionReason set -- a
// forged or corrupted completion attempt is not "try again later," it
// is grounds to kill the transfer and force re-initiation.
// Blockchain-method transfers must also carry a non-empty
// ExternalAnchor commitment before completion is accepted. Confirm
// (below) is the separate, later, post-hoc receiver acknowledgment --
// Completed and Confirmed are not the same step.
func CompleteTransfer(ks *keystore.KeyStore, t *PropertyTransfer, sig []byte, now time.Time) error {
	if t.Status != StatusInProgress {
		return herrors.New(herrors.KindConflict, "transfer.CompleteTransfer",
			fmt.Errorf("transfer %s is %s, not in progress", t.ID, t.Status))
	}

	payload := SigningPayload{
		TransferID:         t.ID,
		PropertyID:         t.PropertyID,
		FromCustodianID:    t.FromCustodianID,
		ToCustodianID:      t.ToCustodianID,
		VerificationMethod: t.VerificationMethod,
		Stage:              "completion",
		Timestamp:          t.UpdatedAt,
	}

	ok, err := VerifySignature(ks, payload, sig)
	if err != nil {
		return err
	}
	if !ok {
		t.Status = StatusRejected
		t.RejectionReason = "invalid completion signature"
		t.UpdatedAt = now
		return herrors.New(herrors.KindCrypto, "transfer.CompleteTransfer", herrors.ErrInvalidSignature)
	}

	if t.VerificationMethod == MethodBlockchain && len(t.ExternalAnchor) == 0 {
		return herrors.New(herrors.KindValidation, "transfer.CompleteTransfer",
			fmt.Errorf("blockchain verification method requires an external anchor commitment"))
	}

	t.CompletionSig = sig
	t.Status = StatusCompleted
	t.UpdatedAt = now
	return nil
}

// RejectConflictingCompletion moves the losing side of two concurrent
// Completed attempts on the same property to Rejected with a Conflict
// reason, per the earliest-signed-wins rule in
// ResolveConflictingCompletion.
func RejectConflictingCompletion(t *PropertyTransfer, now time.Time) error {
	if t.Status != StatusCompleted {
		return herrors.New(herrors.KindConflict, "transfer.RejectConflictingCompletion",
			fmt.Errorf("transfer %s is %s, not completed", t.ID, t.Status))
	}
	t.Status = StatusRejected
	t.RejectionReason = "conflict: superseded by an earlier-signed completion"
	t.UpdatedAt = now
	return nil
}

// Confirm records the receiver's post-hoc acknowledgment of a
// Completed transfer. It and RejectConflictingCompletion are the only
// edges out of the Completed state.
func Confirm(t *PropertyTransfer, now time.Time) error {
	if t.Status != StatusCompleted {
		return herrors.New(herrors.KindConflict, "transfer.Confirm",
			fmt.Errorf("transfer %s is %s, not completed", t.ID, t.Status))
	}
	t.Status = StatusConfirmed
	t.UpdatedAt = now
	return nil
}

// ResolveConflictingCompletion implements the "earliest-signed-wins"
// rule for two independently completed records of the same transfer
// (e.g. surfaced by mesh sync): the one with the earlier completion
// timestamp is authoritative.
func ResolveConflictingCompletion(a, b *PropertyTransfer) *PropertyTransfer {
	if a.UpdatedAt.Before(b.UpdatedAt) {
		return a
	}
	if b.UpdatedAt.Before(a.UpdatedAt) {
		return b
	}
	// Exact tie: fall back to id ordering for a deterministic, total
	// order across replicas.
	if a.ID.String() <= b.ID.String() {
		return a
	}
	return b
}
