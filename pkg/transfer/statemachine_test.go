package transfer

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/config"
	"github.com/handreceipt/handreceipt/pkg/keystore"
)

// TestApplyApprovalIsIdempotent covers the idempotent-resubmission
// scenario directly at the state-machine level: applying the same
// (kind, approverID) pair twice records exactly one Approval and only
// the first call reports changed.
func TestApplyApprovalIsIdempotent(t *testing.T) {
	now := time.Now()
	policy := config.DefaultPolicy()
	tr := New(uuid.New(), uuid.New(), uuid.New(), MethodManual, now)

	approver := uuid.New()

	changed, err := ApplyApproval(policy, tr, ApprovalPropertyManager, approver, []byte("sig"), now)
	if err != nil {
		t.Fatalf("ApplyApproval: %v", err)
	}
	if !changed {
		t.Fatal("expected the first application to report changed")
	}
	if len(tr.Approvals) != 1 {
		t.Fatalf("expected 1 recorded approval, got %d", len(tr.Approvals))
	}

	changed, err = ApplyApproval(policy, tr, ApprovalPropertyManager, approver, []byte("sig"), now.Add(time.Second))
	if err != nil {
		t.Fatalf("ApplyApproval (duplicate): %v", err)
	}
	if changed {
		t.Fatal("expected a duplicate (kind, approverID) resubmission to report unchanged")
	}
	if len(tr.Approvals) != 1 {
		t.Fatalf("expected the duplicate resubmission to leave exactly 1 recorded approval, got %d", len(tr.Approvals))
	}
}

// TestApplyApprovalReachesApprovedOnFullSet covers the non-duplicate
// path: distinct approvers for every required kind advance the
// transfer to Approved.
func TestApplyApprovalReachesApprovedOnFullSet(t *testing.T) {
	now := time.Now()
	policy := config.DefaultPolicy()
	tr := New(uuid.New(), uuid.New(), uuid.New(), MethodManual, now)

	for _, kind := range []ApprovalKind{ApprovalPropertyManager, ApprovalMaintenanceAuthority} {
		changed, err := ApplyApproval(policy, tr, kind, uuid.New(), []byte("sig"), now)
		if err != nil {
			t.Fatalf("ApplyApproval(%s): %v", kind, err)
		}
		if !changed {
			t.Fatalf("expected a fresh approver/kind pair to report changed for %s", kind)
		}
	}

	if tr.Status != StatusApproved {
		t.Fatalf("expected Approved once every required kind has an approval, got %s", tr.Status)
	}
}

// TestCompleteTransferRejectsOnBadSignature covers the signature-
// verification-failure edge directly: CompleteTransfer must move the
// transfer to the terminal Rejected state with a reason recorded, not
// leave it sitting in InProgress for a retry.
func TestCompleteTransferRejectsOnBadSignature(t *testing.T) {
	now := time.Now()
	ks := keystore.New(keystore.Unclassified)
	tr := New(uuid.New(), uuid.New(), uuid.New(), MethodManual, now)
	tr.Status = StatusInProgress

	err := CompleteTransfer(ks, tr, []byte("not-a-real-signature-00000000000000000000000000000000000000000000"), now)
	if err == nil {
		t.Fatal("expected an error for an invalid completion signature")
	}

	if tr.Status != StatusRejected {
		t.Fatalf("expected Rejected after a bad completion signature, got %s", tr.Status)
	}
	if tr.RejectionReason == "" {
		t.Fatal("expected a RejectionReason to be recorded")
	}
}

// TestCompleteTransferAdvancesOnValidSignature is the companion happy
// path: a signature that verifies against the keystore's current key
// completes the transfer.
func TestCompleteTransferAdvancesOnValidSignature(t *testing.T) {
	now := time.Now()
	ks := keystore.New(keystore.Unclassified)
	fromID, toID := uuid.New(), uuid.New()
	tr := New(uuid.New(), fromID, toID, MethodManual, now)
	tr.Status = StatusInProgress

	payload := SigningPayload{
		TransferID:         tr.ID,
		PropertyID:         tr.PropertyID,
		FromCustodianID:    tr.FromCustodianID,
		ToCustodianID:      tr.ToCustodianID,
		VerificationMethod: tr.VerificationMethod,
		Stage:              "completion",
		Timestamp:          tr.UpdatedAt,
	}
	sig, err := Sign(ks.Current(), payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := CompleteTransfer(ks, tr, sig, now.Add(time.Second)); err != nil {
		t.Fatalf("CompleteTransfer: %v", err)
	}
	if tr.Status != StatusCompleted {
		t.Fatalf("expected Completed, got %s", tr.Status)
	}
}

// TestResolveConflictingCompletionEarliestWins covers the conflict-
// resolution scenario directly: two independently completed records of
// the same transfer resolve to the one with the earlier completion
// timestamp, and RejectConflictingCompletion moves the loser to
// Rejected(Conflict).
func TestResolveConflictingCompletionEarliestWins(t *testing.T) {
	base := time.Now()
	propertyID, fromID, toID := uuid.New(), uuid.New(), uuid.New()

	a := New(propertyID, fromID, toID, MethodQRCode, base)
	a.Status = StatusCompleted
	a.UpdatedAt = base.Add(10 * time.Millisecond)

	b := New(propertyID, fromID, toID, MethodQRCode, base)
	b.Status = StatusCompleted
	b.UpdatedAt = base.Add(40 * time.Millisecond)

	winner := ResolveConflictingCompletion(a, b)
	if winner != a {
		t.Fatal("expected the earlier-signed completion to win")
	}

	var loser *PropertyTransfer
	if winner == a {
		loser = b
	} else {
		loser = a
	}
	if err := RejectConflictingCompletion(loser, base.Add(50*time.Millisecond)); err != nil {
		t.Fatalf("RejectConflictingCompletion: %v", err)
	}
	if loser.Status != StatusRejected {
		t.Fatalf("expected the losing completion to move to Rejected, got %s", loser.Status)
	}
	if loser.RejectionReason == "" {
		t.Fatal("expected a RejectionReason to be recorded on the losing completion")
	}
	if winner.Status != StatusCompleted {
		t.Fatalf("expected the winning completion to remain Completed, got %s", winner.Status)
	}
}

// TestResolveConflictingCompletionTieBreaksOnID covers the exact-tie
// edge: equal UpdatedAt falls back to deterministic id ordering.
func TestResolveConflictingCompletionTieBreaksOnID(t *testing.T) {
	ts := time.Now()
	propertyID, fromID, toID := uuid.New(), uuid.New(), uuid.New()

	a := New(propertyID, fromID, toID, MethodQRCode, ts)
	a.UpdatedAt = ts
	b := New(propertyID, fromID, toID, MethodQRCode, ts)
	b.UpdatedAt = ts

	want := a
	if b.ID.String() < a.ID.String() {
		want = b
	}
	if got := ResolveConflictingCompletion(a, b); got != want {
		t.Fatalf("expected deterministic id-ordered tiebreak to pick %s, got %s", want.ID, got.ID)
	}
}
