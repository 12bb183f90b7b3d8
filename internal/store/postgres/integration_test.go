//go:build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"taxledger/internal/store"
)

// Integration tests need a reachable PostgreSQL.
// Run with: POSTGRES_URL=postgres://... go test -tags=integration ./internal/store/postgres

func openTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}
	s, err := Open(context.Background(), url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIntegration_RecordLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := "it-" + uuid.NewString()

	jan := civil.Date{Year: 2025, Month: time.January, Day: 5}
	a, err := s.Create(ctx, store.Row{OwnerID: owner, Vendor: "a", AmountCents: 100, Date: jan, Category: "travel", Deductible: true, DeductibleAmountCents: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, store.Row{OwnerID: owner, Vendor: "b", AmountCents: 100, Date: jan, Category: "personal"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rows, err := s.Read(ctx, store.Filter{OwnerID: owner})
	if err != nil || len(rows) != 2 || rows[0].Vendor != "a" || rows[0].Date != jan {
		t.Fatalf("unexpected rows %+v err=%v", rows, err)
	}

	stale := int64(7)
	vendor := "a2"
	if _, err := s.Update(ctx, store.Filter{OwnerID: owner, ID: a.ID}, store.RowPatch{Vendor: &vendor, IfVersion: &stale}); !errors.Is(err, store.ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	updated, err := s.Update(ctx, store.Filter{OwnerID: owner, ID: a.ID}, store.RowPatch{Vendor: &vendor})
	if err != nil || updated.Version != 2 || updated.Vendor != "a2" {
		t.Fatalf("unexpected update %+v err=%v", updated, err)
	}
	if err := s.Delete(ctx, store.Filter{OwnerID: owner, ID: a.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, store.Filter{OwnerID: owner, ID: a.ID}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIntegration_ChangeFeed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := "it-" + uuid.NewString()

	signals := make(chan struct{}, 4)
	sub, err := s.Subscribe(ctx, owner, func() { signals <- struct{}{} })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if _, err := s.Create(ctx, store.Row{OwnerID: owner, Vendor: "x", Date: civil.Date{Year: 2025, Month: 1, Day: 1}, Category: "personal"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-signals:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if sub.Err() != nil {
		t.Fatalf("clean unsubscribe should leave Err nil, got %v", sub.Err())
	}
}
