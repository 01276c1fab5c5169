package propertystore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/config"
	"github.com/handreceipt/handreceipt/pkg/herrors"
)

var testStore *Store

func TestMain(m *testing.M) {
	connStr := os.Getenv("HANDRECEIPT_TEST_DB")
	if connStr == "" {
		os.Exit(0)
	}

	var err error
	testStore, err = New(&config.Config{DatabaseURL: connStr})
	if err != nil {
		panic("failed to connect to test database: " + err.Error())
	}
	if err := testStore.Migrate(context.Background()); err != nil {
		panic("failed to migrate test database: " + err.Error())
	}

	code := m.Run()
	testStore.Close()
	os.Exit(code)
}

func TestGetAndUpdateCustodianCAS(t *testing.T) {
	if testStore == nil {
		t.Skip("HANDRECEIPT_TEST_DB not configured")
	}
	ctx := context.Background()

	id := uuid.New()
	from := uuid.New()
	to := uuid.New()

	if err := testStore.Seed(ctx, id, from); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	rec, err := testStore.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.CustodianID != from || rec.Version != 1 {
		t.Fatalf("unexpected seed state: %+v", rec)
	}

	if err := testStore.UpdateCustodian(ctx, id, to, rec.Version); err != nil {
		t.Fatalf("UpdateCustodian: %v", err)
	}

	rec, err = testStore.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if rec.CustodianID != to || rec.Version != 2 {
		t.Fatalf("expected custodian %s version 2, got %+v", to, rec)
	}
}

func TestUpdateCustodianStaleVersionConflict(t *testing.T) {
	if testStore == nil {
		t.Skip("HANDRECEIPT_TEST_DB not configured")
	}
	ctx := context.Background()

	id := uuid.New()
	from := uuid.New()
	if err := testStore.Seed(ctx, id, from); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	err := testStore.UpdateCustodian(ctx, id, uuid.New(), 999)
	if err == nil || herrors.KindOf(err) != herrors.KindConflict {
		t.Fatalf("expected KindConflict for stale version, got %v", err)
	}
}

func TestGetMissingPropertyNotFound(t *testing.T) {
	if testStore == nil {
		t.Skip("HANDRECEIPT_TEST_DB not configured")
	}
	_, err := testStore.Get(context.Background(), uuid.New())
	if err == nil || herrors.KindOf(err) != herrors.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestListByCustodian(t *testing.T) {
	if testStore == nil {
		t.Skip("HANDRECEIPT_TEST_DB not configured")
	}
	ctx := context.Background()

	custodian := uuid.New()
	a, b := uuid.New(), uuid.New()
	if err := testStore.Seed(ctx, a, custodian); err != nil {
		t.Fatalf("Seed a: %v", err)
	}
	if err := testStore.Seed(ctx, b, custodian); err != nil {
		t.Fatalf("Seed b: %v", err)
	}

	recs, err := testStore.ListByCustodian(ctx, custodian)
	if err != nil {
		t.Fatalf("ListByCustodian: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 properties for custodian, got %d", len(recs))
	}
}
