// Package syncresolve implements HandReceipt's sync/conflict resolver
// (C5): per-resource-type resolution strategies for changes arriving
// from a local producer or a remote mesh peer. It generalizes
// original_source's resolver.rs (backend/src/services/network/mesh/
// sync/resolver.rs) but is rebuilt as a typed registry (a
// sync.RWMutex-guarded map with Register.../Get... pairs, the
// teacher's usual shape for a pluggable-strategy table) in place of
// the Rust version's HashMap<String, ResolutionStrategy>.
package syncresolve

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of change a Change record carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationMerge  Operation = "merge"
)

// Change is one proposed mutation to a resource, originating locally or
// from a remote peer via gossip.
type Change struct {
	ID         uuid.UUID
	ResourceID uuid.UUID
	Operation  Operation
	Data       map[string]any
	Version    int64
	Timestamp  time.Time
	Metadata   map[string]string
}

// Strategy is the resolution policy for one resource type.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyMergeChanges  Strategy = "merge_changes"
	StrategyRequireManual Strategy = "require_manual"
	StrategyCustom        Strategy = "custom"
)

// Outcome tags what Resolve decided.
type Outcome string

const (
	OutcomeAccept Outcome = "accept"
	OutcomeMerge  Outcome = "merge"
	OutcomeReject Outcome = "reject"
)

// Resolution is the result of resolving local against remote.
type Resolution struct {
	Outcome Outcome
	Change  *Change // the winning (Accept) or newly produced (Merge) change; nil on Reject
}

// CustomResolver is a user-provided deterministic resolver for
// StrategyCustom entries.
type CustomResolver func(local, remote *Change) Resolution

const defaultResourceType = "default"

// Registry maps resource type to a resolution Strategy, guarded by a
// sync.RWMutex, with a "default" fallback of LastWriteWins.
type Registry struct {
	mu          sync.RWMutex
	strategies  map[string]Strategy
	customs     map[string]CustomResolver
	manualStore ManualReviewStore
}

// NewRegistry returns a Registry with the default strategy
// (LastWriteWins for any resource type that has no explicit entry) and
// an in-process ManualReviewStore backing RequireManual.
func NewRegistry() *Registry {
	return NewRegistryWithManualStore(NewMemoryManualReviewStore())
}

// NewRegistryWithManualStore returns a Registry whose RequireManual
// strategy persists rejected changes to store instead of the default
// in-process one -- a deployment with its own durable manual-review
// queue wires it in here rather than through a setter.
func NewRegistryWithManualStore(store ManualReviewStore) *Registry {
	return &Registry{
		strategies:  map[string]Strategy{defaultResourceType: StrategyLastWriteWins},
		customs:     map[string]CustomResolver{},
		manualStore: store,
	}
}

// RegisterStrategy assigns resourceType to strategy.
func (r *Registry) RegisterStrategy(resourceType string, strategy Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[resourceType] = strategy
}

// RegisterCustom assigns resourceType to StrategyCustom backed by fn.
func (r *Registry) RegisterCustom(resourceType string, fn CustomResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[resourceType] = StrategyCustom
	r.customs[resourceType] = fn
}

// ManualReviewStore returns the store backing RequireManual, so a
// caller (or a test) can list or dispose of pending entries.
func (r *Registry) ManualReviewStore() ManualReviewStore {
	return r.manualStore
}

// GetStrategy returns the strategy for resourceType, falling back to
// the registry's default.
func (r *Registry) GetStrategy(resourceType string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[resourceType]; ok {
		return s
	}
	return r.strategies[defaultResourceType]
}

// Resolve applies resourceType's strategy to local vs remote changes of
// the same resource. Accepted/merged changes are the caller's
// responsibility to re-drive into the transfer state machine (if the
// resource is a transfer) or directly into the audit chain as events;
// Resolve itself only decides.
func (r *Registry) Resolve(resourceType string, local, remote *Change) Resolution {
	switch r.GetStrategy(resourceType) {
	case StrategyMergeChanges:
		return resolveMerge(local, remote)
	case StrategyRequireManual:
		return r.resolveRequireManual(local, remote)
	case StrategyCustom:
		r.mu.RLock()
		fn := r.customs[resourceType]
		r.mu.RUnlock()
		if fn != nil {
			return fn(local, remote)
		}
		return resolveLastWriteWins(local, remote)
	default:
		return resolveLastWriteWins(local, remote)
	}
}

// resolveRequireManual rejects the conflicting pair outright and moves
// the remote change -- the arriving side that could not be
// auto-resolved against what is already on file -- into the manual
// review store, tagged with the local change it conflicted with, so a
// human disposing of it later has both sides of the conflict.
func (r *Registry) resolveRequireManual(local, remote *Change) Resolution {
	if r.manualStore != nil {
		pending := *remote
		pending.Metadata = make(map[string]string, len(remote.Metadata)+1)
		for k, v := range remote.Metadata {
			pending.Metadata[k] = v
		}
		pending.Metadata["conflicts_with_local_change_id"] = local.ID.String()
		_ = r.manualStore.Save(&pending) // best-effort: Resolve has no error return to surface this on
	}
	return Resolution{Outcome: OutcomeReject}
}

// resolveLastWriteWins picks the change with the higher version,
// tiebreaking on timestamp then lexicographic id.
func resolveLastWriteWins(local, remote *Change) Resolution {
	winner := local
	if remote.Version > local.Version {
		winner = remote
	} else if remote.Version == local.Version {
		if remote.Timestamp.After(local.Timestamp) {
			winner = remote
		} else if remote.Timestamp.Equal(local.Timestamp) && remote.ID.String() < local.ID.String() {
			winner = remote
		}
	}
	return Resolution{Outcome: OutcomeAccept, Change: winner}
}

// resolveMerge produces a new Change whose version is
// max(local,remote)+1, whose metadata is the union of both (later
// writer wins on key collisions), and whose data is merged field-wise
// (later writer wins on scalar collisions, set-union on arrays) -- a
// fuller merge contract than original_source's resolver.rs, which only
// ever merged metadata.
func resolveMerge(local, remote *Change) Resolution {
	later, earlier := remote, local
	if local.Timestamp.After(remote.Timestamp) {
		later, earlier = local, remote
	}

	version := local.Version
	if remote.Version > version {
		version = remote.Version
	}
	version++

	metadata := make(map[string]string, len(earlier.Metadata)+len(later.Metadata))
	for k, v := range earlier.Metadata {
		metadata[k] = v
	}
	for k, v := range later.Metadata {
		metadata[k] = v // later writer wins on key collisions
	}

	data := mergeData(earlier.Data, later.Data)

	merged := &Change{
		ID:         uuid.New(),
		ResourceID: local.ResourceID,
		Operation:  OperationMerge,
		Data:       data,
		Version:    version,
		Timestamp:  later.Timestamp,
		Metadata:   metadata,
	}
	return Resolution{Outcome: OutcomeMerge, Change: merged}
}

// mergeData merges two data maps field-wise: scalar collisions are
// resolved in favor of later's value; when both sides hold a slice for
// the same key, the result is their set-union (de-duplicated,
// comparable-value elements only).
func mergeData(earlier, later map[string]any) map[string]any {
	out := make(map[string]any, len(earlier)+len(later))
	for k, v := range earlier {
		out[k] = v
	}
	for k, lv := range later {
		ev, existed := earlier[k]
		if !existed {
			out[k] = lv
			continue
		}
		if es, ok := ev.([]any); ok {
			if ls, ok := lv.([]any); ok {
				out[k] = unionSlice(es, ls)
				continue
			}
		}
		out[k] = lv // later writer wins on scalar collisions
	}
	return out
}

func unionSlice(a, b []any) []any {
	seen := make(map[any]bool, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, v := range a {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
