// Package memory keeps records, receipt blobs and the change feed in
// process. It backs tests and the zero-configuration dev setup.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"taxledger/internal/store"
)

type entry struct {
	seq int64
	row store.Row
}

type Store struct {
	mu    sync.Mutex
	seq   int64
	rows  map[string]*entry
	blobs map[string]blob
	subs  map[*subscriber]struct{}
	now   func() time.Time
}

type blob struct {
	data        []byte
	contentType string
}

func New() *Store {
	return &Store{
		rows:  make(map[string]*entry),
		blobs: make(map[string]blob),
		subs:  make(map[*subscriber]struct{}),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Backend exposes s as every collaborator at once.
func (s *Store) Backend() store.Backend {
	return store.Backend{Records: s, Blobs: s, Changes: s}
}

// Create stores the row and returns it with identity fields assigned.
func (s *Store) Create(_ context.Context, row store.Row) (store.Row, error) {
	s.mu.Lock()
	s.seq++
	row.ID = uuid.NewString()
	row.CreatedAt = s.now()
	row.Version = 1
	s.rows[row.ID] = &entry{seq: s.seq, row: row}
	s.mu.Unlock()

	s.notify(row.OwnerID)
	return row, nil
}

// Read returns the owner's rows, newest date first.
func (s *Store) Read(_ context.Context, f store.Filter) ([]store.Row, error) {
	s.mu.Lock()
	matched := make([]entry, 0, len(s.rows))
	for _, e := range s.rows {
		if matches(e.row, f) {
			matched = append(matched, *e)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(matched, func(a, b entry) int {
		if c := store.CompareDates(b.row.Date, a.row.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]store.Row, len(matched))
	for i, e := range matched {
		out[i] = e.row
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, f store.Filter, p store.RowPatch) (store.Row, error) {
	s.mu.Lock()
	e, ok := s.rows[f.ID]
	if !ok || !matches(e.row, f) {
		s.mu.Unlock()
		return store.Row{}, store.ErrNotFound
	}
	if p.IfVersion != nil && *p.IfVersion != e.row.Version {
		s.mu.Unlock()
		return store.Row{}, store.ErrVersionMismatch
	}
	applyPatch(&e.row, p)
	e.row.Version++
	row := e.row
	s.mu.Unlock()

	s.notify(row.OwnerID)
	return row, nil
}

func (s *Store) Delete(_ context.Context, f store.Filter) error {
	s.mu.Lock()
	e, ok := s.rows[f.ID]
	if !ok || !matches(e.row, f) {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.rows, f.ID)
	s.mu.Unlock()

	s.notify(f.OwnerID)
	return nil
}

// Upload stores data under key and returns a mem:// reference.
func (s *Store) Upload(_ context.Context, key string, data []byte, opts store.UploadOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[key]; exists && !opts.Overwrite {
		return "", fmt.Errorf("blob %q already exists", key)
	}
	s.blobs[key] = blob{data: append([]byte(nil), data...), contentType: opts.ContentType}
	return "mem://receipts/" + key, nil
}

// Receipt implements store.ReceiptReader.
func (s *Store) Receipt(_ context.Context, key string) ([]byte, string, error) {
	data, ct, ok := s.Blob(key)
	if !ok {
		return nil, "", store.ErrNotFound
	}
	return append([]byte(nil), data...), ct, nil
}

// Blob returns a stored blob and its content type.
func (s *Store) Blob(key string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	return b.data, b.contentType, ok
}

func matches(row store.Row, f store.Filter) bool {
	if row.OwnerID != f.OwnerID {
		return false
	}
	return f.ID == "" || row.ID == f.ID
}

func applyPatch(row *store.Row, p store.RowPatch) {
	if p.Vendor != nil {
		row.Vendor = *p.Vendor
	}
	if p.AmountCents != nil {
		row.AmountCents = *p.AmountCents
	}
	if p.Date != nil {
		row.Date = *p.Date
	}
	if p.Category != nil {
		row.Category = *p.Category
	}
	if p.Deductible != nil {
		row.Deductible = *p.Deductible
	}
	if p.DeductibleAmountCents != nil {
		row.DeductibleAmountCents = *p.DeductibleAmountCents
	}
	if p.Description != nil {
		row.Description = *p.Description
	}
	if p.ReceiptImageRef != nil {
		row.ReceiptImageRef = *p.ReceiptImageRef
	}
}
