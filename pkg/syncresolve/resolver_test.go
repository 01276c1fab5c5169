package syncresolve

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func change(version int64, ts time.Time) *Change {
	return &Change{ID: uuid.New(), ResourceID: uuid.New(), Operation: OperationUpdate, Version: version, Timestamp: ts, Data: map[string]any{}, Metadata: map[string]string{}}
}

func TestLastWriteWinsHigherVersion(t *testing.T) {
	now := time.Now()
	local := change(1, now)
	remote := change(2, now)

	r := NewRegistry()
	res := r.Resolve("widget", local, remote)
	if res.Outcome != OutcomeAccept || res.Change.ID != remote.ID {
		t.Fatalf("expected remote (higher version) to win, got %+v", res)
	}
}

func TestLastWriteWinsTimestampTiebreak(t *testing.T) {
	now := time.Now()
	local := change(1, now)
	remote := change(1, now.Add(time.Second))

	r := NewRegistry()
	res := r.Resolve("widget", local, remote)
	if res.Change.ID != remote.ID {
		t.Fatalf("expected later-timestamp change to win on version tie")
	}
}

func TestMergeChangesVersionAndMetadata(t *testing.T) {
	now := time.Now()
	local := change(1, now)
	local.Metadata["loc"] = "site-a"
	remote := change(3, now.Add(time.Second))
	remote.Metadata["loc"] = "site-b"

	r := NewRegistry()
	r.RegisterStrategy("widget", StrategyMergeChanges)

	res := r.Resolve("widget", local, remote)
	if res.Outcome != OutcomeMerge {
		t.Fatalf("expected merge outcome, got %v", res.Outcome)
	}
	if res.Change.Version != 4 {
		t.Fatalf("expected merged version max(1,3)+1=4, got %d", res.Change.Version)
	}
	if res.Change.Metadata["loc"] != "site-b" {
		t.Fatalf("expected later writer to win metadata collision, got %q", res.Change.Metadata["loc"])
	}
}

func TestMergeChangesArrayUnion(t *testing.T) {
	now := time.Now()
	local := change(1, now)
	local.Data["tags"] = []any{"a", "b"}
	remote := change(1, now.Add(time.Second))
	remote.Data["tags"] = []any{"b", "c"}

	r := NewRegistry()
	r.RegisterStrategy("widget", StrategyMergeChanges)
	res := r.Resolve("widget", local, remote)

	got := res.Change.Data["tags"].([]any)
	if len(got) != 3 {
		t.Fatalf("expected set-union of 3 elements, got %v", got)
	}
}

func TestRequireManualRejects(t *testing.T) {
	now := time.Now()
	r := NewRegistry()
	r.RegisterStrategy("widget", StrategyRequireManual)

	local := change(1, now)
	remote := change(2, now)
	res := r.Resolve("widget", local, remote)
	if res.Outcome != OutcomeReject {
		t.Fatalf("expected reject outcome for RequireManual, got %v", res.Outcome)
	}

	pending, err := r.ManualReviewStore().List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected the rejected change to land in the manual review store, got %d entries", len(pending))
	}
	if pending[0].ID != remote.ID {
		t.Fatalf("expected the remote change to be saved for review, got %s", pending[0].ID)
	}
	if pending[0].Metadata["conflicts_with_local_change_id"] != local.ID.String() {
		t.Fatalf("expected the saved change to record which local change it conflicted with")
	}
}

func TestDefaultFallsBackToLastWriteWins(t *testing.T) {
	now := time.Now()
	r := NewRegistry()
	res := r.Resolve("unregistered_type", change(1, now), change(2, now))
	if res.Outcome != OutcomeAccept {
		t.Fatalf("expected default LastWriteWins to accept, got %v", res.Outcome)
	}
}
