package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/chain"
	"github.com/handreceipt/handreceipt/pkg/config"
	"github.com/handreceipt/handreceipt/pkg/herrors"
	"github.com/handreceipt/handreceipt/pkg/keystore"
	"github.com/handreceipt/handreceipt/pkg/ports"
	"github.com/handreceipt/handreceipt/pkg/queue"
	"github.com/handreceipt/handreceipt/pkg/transfer"
)

// memChainStore is an in-memory ports.ChainStore for tests.
type memChainStore struct {
	mu     sync.Mutex
	blocks [][]byte
}

func (s *memChainStore) AppendBlock(_ context.Context, index uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index != uint64(len(s.blocks)) {
		return herrors.New(herrors.KindConflict, "memChainStore.AppendBlock", errOutOfOrder)
	}
	s.blocks = append(s.blocks, data)
	return nil
}

func (s *memChainStore) ReadBlock(_ context.Context, index uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= uint64(len(s.blocks)) {
		return nil, herrors.New(herrors.KindNotFound, "memChainStore.ReadBlock", errOutOfOrder)
	}
	return s.blocks[index], nil
}

func (s *memChainStore) Head(_ context.Context) (uint64, []byte, error) {
	return 0, nil, nil
}

func (s *memChainStore) BlockCount(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.blocks)), nil
}

type staticClock struct{ t time.Time }

func (c staticClock) Now() time.Time { return c.t }

type memPropertyStore struct {
	mu         sync.Mutex
	properties map[uuid.UUID]*ports.PropertyRecord
}

func newMemPropertyStore() *memPropertyStore {
	return &memPropertyStore{properties: make(map[uuid.UUID]*ports.PropertyRecord)}
}

func (s *memPropertyStore) Get(_ context.Context, id uuid.UUID) (*ports.PropertyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.properties[id]
	if !ok {
		return nil, herrors.New(herrors.KindNotFound, "memPropertyStore.Get", errOutOfOrder)
	}
	cp := *p
	return &cp, nil
}

func (s *memPropertyStore) UpdateCustodian(_ context.Context, id uuid.UUID, newCustodian uuid.UUID, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.properties[id]
	if !ok {
		return herrors.New(herrors.KindNotFound, "memPropertyStore.UpdateCustodian", errOutOfOrder)
	}
	if p.Version != expectedVersion {
		return herrors.New(herrors.KindConflict, "memPropertyStore.UpdateCustodian", errOutOfOrder)
	}
	p.CustodianID = newCustodian
	p.Version++
	return nil
}

func (s *memPropertyStore) ListByCustodian(_ context.Context, custodianID uuid.UUID) ([]*ports.PropertyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ports.PropertyRecord
	for _, p := range s.properties {
		if p.CustodianID == custodianID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type recordingAuditSink struct {
	mu      sync.Mutex
	records []string
}

func (s *recordingAuditSink) Record(_ context.Context, eventType string, _ uuid.UUID, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, eventType)
	return nil
}

type trivialError struct{ msg string }

func (e trivialError) Error() string { return e.msg }

var errOutOfOrder = trivialError{"test fixture error"}

func newTestOrchestrator(t *testing.T, now time.Time) (*Orchestrator, *memPropertyStore, uuid.UUID, uuid.UUID, uuid.UUID) {
	t.Helper()

	clock := staticClock{t: now}
	store := &memChainStore{}
	c, err := chain.New(context.Background(), store, clock, chain.DefaultConfig())
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}

	q := queue.New(queue.DefaultConfig())
	keys := keystore.New(keystore.Unclassified)
	audit := &recordingAuditSink{}
	properties := newMemPropertyStore()

	propertyID := uuid.New()
	fromID := uuid.New()
	toID := uuid.New()
	properties.properties[propertyID] = &ports.PropertyRecord{ID: propertyID, CustodianID: fromID, Version: 1}

	o := New(Config{
		Properties: properties,
		Audit:      audit,
		Chain:      c,
		Queue:      q,
		Keys:       keys,
		Clock:      clock,
	})

	return o, properties, propertyID, fromID, toID
}

func fullAuthCtx(caller uuid.UUID) AuthContext {
	return AuthContext{
		CallerID:  caller,
		Clearance: keystore.Classified,
		Permissions: map[Permission]bool{
			PermissionTransferInitiate: true,
			PermissionTransferApprove:  true,
			PermissionTransferComplete: true,
		},
	}
}

// TestTransferEndToEnd runs the seed single-transfer scenario: initiate,
// gather every required approval for the Blockchain method, complete
// with a valid recipient signature, and confirm receipt.
func TestTransferEndToEnd(t *testing.T) {
	now := time.Now()
	o, properties, propertyID, fromID, toID := newTestOrchestrator(t, now)
	policy := config.DefaultPolicy()

	initiator := fromID
	transferID, err := o.InitiateTransfer(context.Background(), InitiateRequest{
		PropertyID:         propertyID,
		ToCustodianID:      toID,
		VerificationMethod: transfer.MethodBlockchain,
		Classification:     keystore.Unclassified,
	}, fullAuthCtx(initiator))
	if err != nil {
		t.Fatalf("InitiateTransfer: %v", err)
	}

	t1, ok := o.Get(transferID)
	if !ok {
		t.Fatal("transfer not found after initiate")
	}
	if t1.Status != transfer.StatusPending {
		t.Fatalf("expected Pending after initiate, got %s", t1.Status)
	}

	for _, kind := range []transfer.ApprovalKind{
		transfer.ApprovalCommandChain,
		transfer.ApprovalPropertyManager,
		transfer.ApprovalSecurityOfficer,
	} {
		if err := o.ApplyApproval(context.Background(), transferID, policy, kind, fullAuthCtx(uuid.New()), []byte("sig")); err != nil {
			t.Fatalf("ApplyApproval(%s): %v", kind, err)
		}
	}

	if t1.Status != transfer.StatusInProgress {
		t.Fatalf("expected InProgress after all approvals, got %s", t1.Status)
	}

	t1.ExternalAnchor = []byte{0x01, 0x02, 0x03}

	completionPayload := transfer.SigningPayload{
		PropertyID:         t1.PropertyID,
		FromCustodianID:    t1.FromCustodianID,
		ToCustodianID:      t1.ToCustodianID,
		VerificationMethod: t1.VerificationMethod,
		Stage:              "completion",
		Timestamp:          t1.UpdatedAt,
	}
	sig, err := transfer.Sign(o.keys.Current(), completionPayload)
	if err != nil {
		t.Fatalf("Sign completion: %v", err)
	}

	if err := o.ConfirmCompletion(context.Background(), transferID, sig, fullAuthCtx(toID)); err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}
	if t1.Status != transfer.StatusCompleted {
		t.Fatalf("expected Completed, got %s", t1.Status)
	}

	property, err := properties.Get(context.Background(), propertyID)
	if err != nil {
		t.Fatalf("properties.Get: %v", err)
	}
	if property.CustodianID != toID {
		t.Fatalf("expected custodian %s, got %s", toID, property.CustodianID)
	}

	if err := o.AcknowledgeReceipt(context.Background(), transferID, fullAuthCtx(toID)); err != nil {
		t.Fatalf("AcknowledgeReceipt: %v", err)
	}
	if t1.Status != transfer.StatusConfirmed {
		t.Fatalf("expected Confirmed, got %s", t1.Status)
	}

	if o.chain.BlockCount() != 0 {
		t.Fatalf("expected no sealed blocks yet (below block size), got %d", o.chain.BlockCount())
	}
	if _, err := o.chain.SealPending(context.Background()); err != nil {
		t.Fatalf("SealPending: %v", err)
	}
	if ok, _ := o.chain.VerifyChain(); !ok {
		t.Fatal("expected chain to verify after sealing")
	}
}

// TestApplyApprovalIsIdempotentAgainstChainEvents resubmits the same
// (kind, approverID) approval twice and asserts it produces exactly one
// chain event -- the duplicate must be a true no-op, not a second
// ApprovalRecorded entry for an approval already on file.
func TestApplyApprovalIsIdempotentAgainstChainEvents(t *testing.T) {
	now := time.Now()
	o, _, propertyID, fromID, toID := newTestOrchestrator(t, now)
	policy := config.DefaultPolicy()

	transferID, err := o.InitiateTransfer(context.Background(), InitiateRequest{
		PropertyID:         propertyID,
		ToCustodianID:      toID,
		VerificationMethod: transfer.MethodManual,
	}, fullAuthCtx(fromID))
	if err != nil {
		t.Fatalf("InitiateTransfer: %v", err)
	}

	approver := uuid.New()
	for i := 0; i < 2; i++ {
		if err := o.ApplyApproval(context.Background(), transferID, policy, transfer.ApprovalPropertyManager, fullAuthCtx(approver), []byte("sig")); err != nil {
			t.Fatalf("ApplyApproval (attempt %d): %v", i, err)
		}
	}

	tr, _ := o.Get(transferID)
	if len(tr.Approvals) != 1 {
		t.Fatalf("expected exactly one recorded approval after a duplicate resubmission, got %d", len(tr.Approvals))
	}

	block, err := o.chain.SealPending(context.Background())
	if err != nil {
		t.Fatalf("SealPending: %v", err)
	}
	if block == nil {
		t.Fatal("expected a sealed block")
	}

	approvalEvents := 0
	for _, e := range block.Events {
		if e.Kind == chain.KindApprovalRecorded {
			approvalEvents++
		}
	}
	if approvalEvents != 1 {
		t.Fatalf("expected exactly one ApprovalRecorded chain event, got %d", approvalEvents)
	}
}

func TestInitiateTransferRejectsSameCustodian(t *testing.T) {
	now := time.Now()
	o, _, propertyID, fromID, _ := newTestOrchestrator(t, now)

	_, err := o.InitiateTransfer(context.Background(), InitiateRequest{
		PropertyID:         propertyID,
		ToCustodianID:      fromID,
		VerificationMethod: transfer.MethodManual,
	}, fullAuthCtx(fromID))
	if err == nil || herrors.KindOf(err) != herrors.KindValidation {
		t.Fatalf("expected KindValidation for from==to, got %v", err)
	}
}

func TestInitiateTransferRequiresPermission(t *testing.T) {
	now := time.Now()
	o, _, propertyID, _, toID := newTestOrchestrator(t, now)

	_, err := o.InitiateTransfer(context.Background(), InitiateRequest{
		PropertyID:         propertyID,
		ToCustodianID:      toID,
		VerificationMethod: transfer.MethodManual,
	}, AuthContext{CallerID: uuid.New()})
	if err == nil || herrors.KindOf(err) != herrors.KindUnauthorized {
		t.Fatalf("expected KindUnauthorized without permission, got %v", err)
	}
}

func TestConfirmCompletionRejectsBadSignature(t *testing.T) {
	now := time.Now()
	o, _, propertyID, fromID, toID := newTestOrchestrator(t, now)
	policy := config.DefaultPolicy()

	transferID, err := o.InitiateTransfer(context.Background(), InitiateRequest{
		PropertyID:         propertyID,
		ToCustodianID:      toID,
		VerificationMethod: transfer.MethodManual,
	}, fullAuthCtx(fromID))
	if err != nil {
		t.Fatalf("InitiateTransfer: %v", err)
	}

	for _, kind := range []transfer.ApprovalKind{transfer.ApprovalPropertyManager, transfer.ApprovalMaintenanceAuthority} {
		if err := o.ApplyApproval(context.Background(), transferID, policy, kind, fullAuthCtx(uuid.New()), []byte("sig")); err != nil {
			t.Fatalf("ApplyApproval(%s): %v", kind, err)
		}
	}

	err = o.ConfirmCompletion(context.Background(), transferID, []byte("not-a-valid-signature-at-all-00000000000000000000000000000000000000"), fullAuthCtx(toID))
	if err == nil || herrors.KindOf(err) != herrors.KindCrypto {
		t.Fatalf("expected KindCrypto for bad completion signature, got %v", err)
	}

	tr, _ := o.Get(transferID)
	if tr.Status != transfer.StatusRejected {
		t.Fatalf("expected transfer to move to Rejected after bad signature, got %s", tr.Status)
	}
	if tr.RejectionReason == "" {
		t.Fatal("expected a RejectionReason to be recorded")
	}
}
