package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"taxledger/internal/store"
)

func date(y, m, d int) civil.Date {
	return civil.Date{Year: y, Month: time.Month(m), Day: d}
}

func TestMemoryStoreCreateAndRead(t *testing.T) {
	s := New()
	ctx := context.Background()

	mustCreate := func(owner, vendor string, d civil.Date) store.Row {
		t.Helper()
		row, err := s.Create(ctx, store.Row{OwnerID: owner, Vendor: vendor, Date: d})
		if err != nil {
			t.Fatalf("create %s: %v", vendor, err)
		}
		return row
	}
	first := mustCreate("alice", "first", date(2025, 1, 10))
	mustCreate("alice", "second", date(2025, 1, 10))
	mustCreate("alice", "newest", date(2025, 2, 1))
	mustCreate("bob", "other owner", date(2025, 3, 1))

	if first.ID == "" || first.CreatedAt.IsZero() || first.Version != 1 {
		t.Fatalf("identity fields not assigned: %+v", first)
	}

	rows, err := s.Read(ctx, store.Filter{OwnerID: "alice"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []string{"newest", "first", "second"}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i, v := range want {
		if rows[i].Vendor != v {
			t.Fatalf("row %d = %q, want %q", i, rows[i].Vendor, v)
		}
	}

	one, err := s.Read(ctx, store.Filter{OwnerID: "bob", ID: first.ID})
	if err != nil || len(one) != 0 {
		t.Fatalf("another owner must not see the row: rows=%v err=%v", one, err)
	}
}

func TestMemoryStoreUpdateAndDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	row, _ := s.Create(ctx, store.Row{OwnerID: "alice", Vendor: "cafe", AmountCents: 100})

	vendor := "bistro"
	updated, err := s.Update(ctx, store.Filter{OwnerID: "alice", ID: row.ID}, store.RowPatch{Vendor: &vendor})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Vendor != "bistro" || updated.AmountCents != 100 || updated.Version != 2 {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	stale := int64(1)
	if _, err := s.Update(ctx, store.Filter{OwnerID: "alice", ID: row.ID}, store.RowPatch{Vendor: &vendor, IfVersion: &stale}); !errors.Is(err, store.ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	if _, err := s.Update(ctx, store.Filter{OwnerID: "bob", ID: row.ID}, store.RowPatch{Vendor: &vendor}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for another owner, got %v", err)
	}
	if err := s.Delete(ctx, store.Filter{OwnerID: "bob", ID: row.ID}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for another owner, got %v", err)
	}
	if err := s.Delete(ctx, store.Filter{OwnerID: "alice", ID: row.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, store.Filter{OwnerID: "alice", ID: row.ID}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestMemoryStoreReadDuringWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	row, _ := s.Create(ctx, store.Row{OwnerID: "alice", Vendor: "cafe", AmountCents: 100, Date: date(2025, 1, 1)})
	s.Create(ctx, store.Row{OwnerID: "alice", Vendor: "deli", AmountCents: 200, Date: date(2025, 1, 2)})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			d := date(2025, 1, 1+i%28)
			cents := int64(100 + i)
			if _, err := s.Update(ctx, store.Filter{OwnerID: "alice", ID: row.ID}, store.RowPatch{Date: &d, AmountCents: &cents}); err != nil {
				t.Errorf("update: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			rows, err := s.Read(ctx, store.Filter{OwnerID: "alice"})
			if err != nil {
				t.Errorf("read: %v", err)
				return
			}
			if len(rows) != 2 {
				t.Errorf("read %d rows, want 2", len(rows))
				return
			}
		}
	}()
	wg.Wait()

	rows, _ := s.Read(ctx, store.Filter{OwnerID: "alice"})
	if rows[0].Version != 201 && rows[1].Version != 201 {
		t.Fatalf("expected 200 updates applied, got %+v", rows)
	}
}

func TestMemoryStoreUploadOverwrite(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref, err := s.Upload(ctx, "alice/r1", []byte("one"), store.UploadOptions{ContentType: "image/png", Overwrite: true})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	ref2, err := s.Upload(ctx, "alice/r1", []byte("two"), store.UploadOptions{ContentType: "image/png", Overwrite: true})
	if err != nil || ref2 != ref {
		t.Fatalf("overwrite should keep the reference: %q vs %q err=%v", ref, ref2, err)
	}
	data, ct, ok := s.Blob("alice/r1")
	if !ok || string(data) != "two" || ct != "image/png" {
		t.Fatalf("unexpected blob %q %q %v", data, ct, ok)
	}
	if _, err := s.Upload(ctx, "alice/r1", []byte("three"), store.UploadOptions{}); err == nil {
		t.Fatal("upload without overwrite should fail on an existing key")
	}
}

func TestMemoryFeedSignalsOwnerOnly(t *testing.T) {
	s := New()
	ctx := context.Background()

	signals := make(chan struct{}, 10)
	sub, err := s.Subscribe(ctx, "alice", func() { signals <- struct{}{} })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := s.Create(ctx, store.Row{OwnerID: "bob"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, store.Row{OwnerID: "alice"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-signals:
	case <-time.After(time.Second):
		t.Fatal("expected a change signal")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	if sub.Err() != nil {
		t.Fatalf("clean unsubscribe should leave Err nil, got %v", sub.Err())
	}
	if s.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", s.Subscribers())
	}
}

func TestMemoryFeedDrop(t *testing.T) {
	s := New()
	sub, err := s.Subscribe(context.Background(), "alice", func() {})
	if err != nil {
		t.Fatal(err)
	}
	s.DropFeeds()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("dropped subscription should be done")
	}
	if !errors.Is(sub.Err(), ErrFeedDropped) {
		t.Fatalf("expected ErrFeedDropped, got %v", sub.Err())
	}
}
