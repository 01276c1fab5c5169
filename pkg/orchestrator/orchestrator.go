// Package orchestrator implements HandReceipt's transfer orchestrator
// (C7): the one component authorized to call across the crypto,
// chain, queue, mesh, and audit subsystems, translating their typed
// errors into a small set of user-facing categories and owning the
// partial-failure handling between the audit chain and the offline
// queue. It generalizes original_source's
// backend/src/services/transfer_service.rs orchestration sequence
// (authorize -> resolve -> construct -> sign -> append -> enqueue ->
// audit) into a dependency-injected service struct.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/chain"
	"github.com/handreceipt/handreceipt/pkg/config"
	"github.com/handreceipt/handreceipt/pkg/herrors"
	"github.com/handreceipt/handreceipt/pkg/keystore"
	"github.com/handreceipt/handreceipt/pkg/ports"
	"github.com/handreceipt/handreceipt/pkg/queue"
	"github.com/handreceipt/handreceipt/pkg/transfer"
)

// Permission names the action an AuthContext is checked against.
type Permission string

const (
	PermissionTransferInitiate Permission = "transfer:initiate"
	PermissionTransferApprove  Permission = "transfer:approve"
	PermissionTransferComplete Permission = "transfer:complete"
)

// AuthContext carries the caller identity the orchestrator authorizes
// every operation against: the permission set it holds and the highest
// data classification it is cleared to move.
type AuthContext struct {
	CallerID   uuid.UUID
	Clearance  keystore.Classification
	Permissions map[Permission]bool
}

// HasPermission reports whether ctx holds perm.
func (c AuthContext) HasPermission(perm Permission) bool {
	return c.Permissions != nil && c.Permissions[perm]
}

// InitiateRequest is the caller-supplied intent to start a transfer.
type InitiateRequest struct {
	PropertyID         uuid.UUID
	ToCustodianID      uuid.UUID
	VerificationMethod transfer.VerificationMethod
	Classification     keystore.Classification
}

// Orchestrator wires the keystore, chain, transfer state machine
// (applied in place), queue, property store, and audit sink into one
// request sequence. It holds no transfer state itself beyond an
// in-memory index; a production deployment backs that
// index with its own durable store behind the same methods.
type Orchestrator struct {
	properties ports.PropertyStore
	audit      ports.AuditSink
	chain      *chain.Chain
	queue      *queue.Queue
	keys       *keystore.KeyStore
	clock      ports.Clock

	transfers map[uuid.UUID]*transfer.PropertyTransfer
	logger    *log.Logger
}

// Config bundles the collaborators an Orchestrator needs.
type Config struct {
	Properties ports.PropertyStore
	Audit      ports.AuditSink
	Chain      *chain.Chain
	Queue      *queue.Queue
	Keys       *keystore.KeyStore
	Clock      ports.Clock
	Logger     *log.Logger
}

// New wires an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[Orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		properties: cfg.Properties,
		audit:      cfg.Audit,
		chain:      cfg.Chain,
		queue:      cfg.Queue,
		keys:       cfg.Keys,
		clock:      cfg.Clock,
		transfers:  make(map[uuid.UUID]*transfer.PropertyTransfer),
		logger:     logger,
	}
}

// Get returns a previously initiated transfer by id.
func (o *Orchestrator) Get(id uuid.UUID) (*transfer.PropertyTransfer, bool) {
	t, ok := o.transfers[id]
	return t, ok
}

// InitiateTransfer runs the full initiation sequence: authorize,
// resolve parties, construct the Pending transfer, sign the
// initiation payload, append
// it to the chain, enqueue it for sync, and emit a High-severity audit
// event. The chain-append-then-queue-enqueue ordering, and how a
// subsequent queue failure is handled, are deliberate: see the
// partial-failure comment on appendAndEnqueue.
func (o *Orchestrator) InitiateTransfer(ctx context.Context, req InitiateRequest, authCtx AuthContext) (uuid.UUID, error) {
	if !authCtx.HasPermission(PermissionTransferInitiate) {
		return uuid.Nil, herrors.New(herrors.KindUnauthorized, "orchestrator.InitiateTransfer",
			fmt.Errorf("caller %s lacks transfer:initiate", authCtx.CallerID))
	}
	if authCtx.Clearance < req.Classification {
		return uuid.Nil, herrors.New(herrors.KindUnauthorized, "orchestrator.InitiateTransfer",
			fmt.Errorf("caller clearance %d below required classification %d", authCtx.Clearance, req.Classification))
	}

	property, err := o.properties.Get(ctx, req.PropertyID)
	if err != nil {
		return uuid.Nil, err
	}

	now := o.clock.Now()
	t := transfer.New(req.PropertyID, property.CustodianID, req.ToCustodianID, req.VerificationMethod, now)
	if t.FromCustodianID == t.ToCustodianID {
		return uuid.Nil, herrors.New(herrors.KindValidation, "orchestrator.InitiateTransfer",
			fmt.Errorf("from and to custodian must differ"))
	}

	payload := transfer.SigningPayload{
		TransferID:         t.ID,
		PropertyID:         t.PropertyID,
		FromCustodianID:    t.FromCustodianID,
		ToCustodianID:      t.ToCustodianID,
		VerificationMethod: t.VerificationMethod,
		Stage:              "initiation",
		Timestamp:          now,
	}
	sig, err := transfer.Sign(o.keys.Current(), payload)
	if err != nil {
		return uuid.Nil, err
	}
	t.InitiationSig = sig

	event := &chain.Event{
		ID:             uuid.New(),
		Kind:           chain.KindTransferInitiated,
		Action:         "transfer.initiate",
		ActorID:        authCtx.CallerID,
		ResourceID:     t.PropertyID,
		Classification: chain.Classification(req.Classification),
		Severity:       chain.SeverityHigh,
		Status:         chain.StatusSuccess,
		Timestamp:      now,
		Details: map[string]any{
			"transfer_id":  t.ID.String(),
			"to_custodian": t.ToCustodianID.String(),
			"method":       string(t.VerificationMethod),
		},
	}

	if err := o.appendAndEnqueue(ctx, event, t); err != nil {
		return uuid.Nil, err
	}

	o.transfers[t.ID] = t
	o.recordAudit(ctx, "transfer.initiate", t.PropertyID, map[string]any{"transfer_id": t.ID.String()})

	return t.ID, nil
}

// appendAndEnqueue implements the partial-failure rule: the event
// is appended to the chain first; if that succeeds but the subsequent
// queue enqueue fails, the event is left on-chain and not rolled back,
// since the chain is the source of truth and the queue is only a
// replication aid. The enqueue failure is only logged and the call
// returns nil; this package does not flag or enqueue the event again, so
// it reaches the queue only if a later caller enqueues it.
// If the chain append itself fails, nothing was enqueued yet so there
// is nothing to roll back.
func (o *Orchestrator) appendAndEnqueue(ctx context.Context, event *chain.Event, t *transfer.PropertyTransfer) error {
	if _, err := o.chain.Append(ctx, event); err != nil {
		return herrors.Wrap(herrors.KindStorage, "orchestrator.appendAndEnqueue", "chain append: %w", err)
	}

	payload, err := encodeEventPayload(event)
	if err != nil {
		return err
	}
	item := &queue.Item{
		ID:         event.ID,
		Payload:    payload,
		Priority:   queue.PriorityHigh,
		InsertedAt: o.clock.Now(),
		Status:     queue.StatusPending,
	}
	if err := o.queue.Enqueue(item); err != nil {
		o.logger.Printf("enqueue failed for event %s after chain append; retained on chain, not enqueued: %v", event.ID, err)
	}
	return nil
}

// ApplyApproval idempotently records an approval against transfer_id,
// advancing its state through the approval-chain policy. Reaching
// Approved triggers custody
// hand-off verification: ApplyApproval itself calls
// transfer.BeginVerification, moving the transfer straight to
// InProgress to await the recipient's completion signature.
func (o *Orchestrator) ApplyApproval(ctx context.Context, transferID uuid.UUID, policy *config.Policy, kind transfer.ApprovalKind, authCtx AuthContext, sig []byte) error {
	if !authCtx.HasPermission(PermissionTransferApprove) {
		return herrors.New(herrors.KindUnauthorized, "orchestrator.ApplyApproval",
			fmt.Errorf("caller %s lacks transfer:approve", authCtx.CallerID))
	}

	t, ok := o.transfers[transferID]
	if !ok {
		return herrors.New(herrors.KindNotFound, "orchestrator.ApplyApproval", fmt.Errorf("transfer %s not found", transferID))
	}

	now := o.clock.Now()
	changed, err := transfer.ApplyApproval(policy, t, kind, authCtx.CallerID, sig, now)
	if err != nil {
		return err
	}
	if !changed {
		// Idempotent resubmission of an approval already on file: no new
		// fact to record, so no chain event -- appending one here would
		// double-count the same approval on every retry.
		return nil
	}

	event := &chain.Event{
		ID:         uuid.New(),
		Kind:       chain.KindApprovalRecorded,
		Action:     "transfer.apply_approval",
		ActorID:    authCtx.CallerID,
		ResourceID: t.PropertyID,
		Severity:   chain.SeverityMedium,
		Status:     chain.StatusSuccess,
		Timestamp:  now,
		Details: map[string]any{
			"transfer_id":      t.ID.String(),
			"approval_kind":    string(kind),
			"resulting_status": string(t.Status),
		},
	}
	if err := o.appendAndEnqueue(ctx, event, t); err != nil {
		return err
	}

	if t.Status == transfer.StatusApproved {
		if err := transfer.BeginVerification(t, now); err != nil {
			return err
		}
	}

	return nil
}

// ConfirmCompletion verifies the recipient's completion signature,
// advances the transfer to Completed, updates the property's custodian
// pointer via compare-and-set, appends the completion event, and
// enqueues it for sync. It does not itself move the transfer to
// Confirmed -- that is a later, separate receiver acknowledgment (see
// transfer.Confirm), issued through AcknowledgeReceipt below.
func (o *Orchestrator) ConfirmCompletion(ctx context.Context, transferID uuid.UUID, sig []byte, authCtx AuthContext) error {
	if !authCtx.HasPermission(PermissionTransferComplete) {
		return herrors.New(herrors.KindUnauthorized, "orchestrator.ConfirmCompletion",
			fmt.Errorf("caller %s lacks transfer:complete", authCtx.CallerID))
	}

	t, ok := o.transfers[transferID]
	if !ok {
		return herrors.New(herrors.KindNotFound, "orchestrator.ConfirmCompletion", fmt.Errorf("transfer %s not found", transferID))
	}

	property, err := o.properties.Get(ctx, t.PropertyID)
	if err != nil {
		return err
	}

	now := o.clock.Now()
	if err := transfer.CompleteTransfer(o.keys, t, sig, now); err != nil {
		if herrors.Is(err, herrors.KindCrypto) {
			// An invalid completion signature moves the transfer to the
			// terminal Rejected state (transfer.CompleteTransfer already
			// did this); record both the chain event and the human-facing
			// mirror so the rejection is auditable, then surface the error
			// to the caller.
			rejectEvent := &chain.Event{
				ID:         uuid.New(),
				Kind:       chain.KindTransferRejected,
				Action:     "transfer.complete_signature_rejected",
				ActorID:    authCtx.CallerID,
				ResourceID: t.PropertyID,
				Severity:   chain.SeverityHigh,
				Status:     chain.StatusFailure,
				Timestamp:  now,
				Details: map[string]any{
					"transfer_id": t.ID.String(),
					"reason":      t.RejectionReason,
				},
			}
			if _, appendErr := o.chain.Append(ctx, rejectEvent); appendErr != nil {
				o.logger.Printf("chain append failed for rejected completion of transfer %s: %v", t.ID, appendErr)
			}
			o.recordAudit(ctx, "transfer.complete_signature_rejected", t.PropertyID, map[string]any{
				"transfer_id": t.ID.String(),
				"reason":      err.Error(),
			})
		}
		return err
	}

	if err := o.properties.UpdateCustodian(ctx, property.ID, t.ToCustodianID, property.Version); err != nil {
		return herrors.Wrap(herrors.KindConflict, "orchestrator.ConfirmCompletion", "update custodian: %w", err)
	}

	event := &chain.Event{
		ID:         uuid.New(),
		Kind:       chain.KindTransferCompleted,
		Action:     "transfer.complete",
		ActorID:    authCtx.CallerID,
		ResourceID: t.PropertyID,
		Severity:   chain.SeverityHigh,
		Status:     chain.StatusSuccess,
		Timestamp:  now,
		Details: map[string]any{
			"transfer_id":  t.ID.String(),
			"to_custodian": t.ToCustodianID.String(),
		},
	}
	return o.appendAndEnqueue(ctx, event, t)
}

// AcknowledgeReceipt applies the receiver's post-hoc acknowledgment,
// moving a Completed transfer to Confirmed.
func (o *Orchestrator) AcknowledgeReceipt(ctx context.Context, transferID uuid.UUID, authCtx AuthContext) error {
	t, ok := o.transfers[transferID]
	if !ok {
		return herrors.New(herrors.KindNotFound, "orchestrator.AcknowledgeReceipt", fmt.Errorf("transfer %s not found", transferID))
	}
	if t.ToCustodianID != authCtx.CallerID {
		return herrors.New(herrors.KindUnauthorized, "orchestrator.AcknowledgeReceipt",
			fmt.Errorf("only the receiving custodian may confirm transfer %s", transferID))
	}

	now := o.clock.Now()
	if err := transfer.Confirm(t, now); err != nil {
		return err
	}

	event := &chain.Event{
		ID:         uuid.New(),
		Kind:       chain.KindTransferConfirmed,
		Action:     "transfer.confirm",
		ActorID:    authCtx.CallerID,
		ResourceID: t.PropertyID,
		Severity:   chain.SeverityMedium,
		Status:     chain.StatusSuccess,
		Timestamp:  now,
		Details:    map[string]any{"transfer_id": t.ID.String()},
	}
	_, err := o.chain.Append(ctx, event)
	return err
}

// recordAudit is a best-effort mirror write to the human-facing sink;
// its failure never blocks or fails the calling operation.
func (o *Orchestrator) recordAudit(ctx context.Context, eventType string, subjectID uuid.UUID, details map[string]any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Record(ctx, eventType, subjectID, details); err != nil {
		o.logger.Printf("audit sink record failed (non-fatal): %v", err)
	}
}

// encodeEventPayload produces the queue item payload for a chain event:
// its own leaf hash, prefixed with the event id so a receiving peer can
// correlate the replicated record with its on-chain counterpart.
func encodeEventPayload(e *chain.Event) ([]byte, error) {
	b, err := e.LeafHash()
	if err != nil {
		return nil, herrors.New(herrors.KindInternal, "orchestrator.encodeEventPayload", err)
	}
	return append([]byte(e.ID.String()+"|"), b...), nil
}
