// Package ledger is the owner-scoped expense API: it validates drafts,
// prices deductions and translates between domain records and the rows
// of the record store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"taxledger/internal/core"
	"taxledger/internal/log"
	"taxledger/internal/store"
)

// ErrReceiptUnavailable means the configured blob store is write-only.
var ErrReceiptUnavailable = errors.New("receipt download not supported by blob store")

// Session identifies the authenticated owner of a call.
type Session struct {
	OwnerID string
}

// Owner returns the owner id or ErrUnauthenticated.
func (s Session) Owner() (string, error) {
	if strings.TrimSpace(s.OwnerID) == "" {
		return "", core.ErrUnauthenticated
	}
	return s.OwnerID, nil
}

// Concurrency selects how updates treat concurrent writers.
type Concurrency int

const (
	// LastWriteWins sends updates without a version guard.
	LastWriteWins Concurrency = iota
	// VersionChecked rejects an update when the record changed since it
	// was read, surfacing core.ErrConflict.
	VersionChecked
)

func (c Concurrency) String() string {
	switch c {
	case VersionChecked:
		return "version-checked"
	default:
		return "last-write-wins"
	}
}

// ParseConcurrency maps a config value to a Concurrency.
func ParseConcurrency(s string) (Concurrency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last-write-wins":
		return LastWriteWins, nil
	case "version-checked":
		return VersionChecked, nil
	default:
		return LastWriteWins, fmt.Errorf("unknown concurrency policy %q", s)
	}
}

type Option func(*Ledger)

// WithConcurrency sets the update policy. The default is LastWriteWins.
func WithConcurrency(c Concurrency) Option {
	return func(l *Ledger) { l.concurrency = c }
}

// WithLogger sets the logger used for operation logs.
func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) { l.logger = logger.WithComponent(log.ComponentLedger) }
}

type Ledger struct {
	records     store.Records
	blobs       store.Blobs
	concurrency Concurrency
	logger      *log.Logger
}

func New(records store.Records, blobs store.Blobs, opts ...Option) *Ledger {
	l := &Ledger{
		records: records,
		blobs:   blobs,
		logger:  log.Default().WithComponent(log.ComponentLedger),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// List returns the owner's records, newest date first.
func (l *Ledger) List(ctx context.Context, sess Session) ([]core.ExpenseRecord, error) {
	owner, err := sess.Owner()
	if err != nil {
		return nil, err
	}
	rows, err := l.records.Read(ctx, store.Filter{OwnerID: owner})
	if err != nil {
		return nil, core.StoreError("list expenses", err)
	}
	out := make([]core.ExpenseRecord, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

// Get returns one of the owner's records.
func (l *Ledger) Get(ctx context.Context, sess Session, id string) (core.ExpenseRecord, error) {
	owner, err := sess.Owner()
	if err != nil {
		return core.ExpenseRecord{}, err
	}
	return l.get(ctx, owner, id)
}

func (l *Ledger) get(ctx context.Context, owner, id string) (core.ExpenseRecord, error) {
	if strings.TrimSpace(id) == "" {
		return core.ExpenseRecord{}, core.ErrNotFound
	}
	rows, err := l.records.Read(ctx, store.Filter{OwnerID: owner, ID: id})
	if err != nil {
		return core.ExpenseRecord{}, core.StoreError("get expense", err)
	}
	if len(rows) == 0 {
		return core.ExpenseRecord{}, core.ErrNotFound
	}
	return fromRow(rows[0]), nil
}

// Create validates and prices the draft, then persists it for the owner.
func (l *Ledger) Create(ctx context.Context, sess Session, draft core.Draft) (core.ExpenseRecord, error) {
	owner, err := sess.Owner()
	if err != nil {
		return core.ExpenseRecord{}, err
	}
	draft = draft.Normalize()
	if err := draft.Validate(); err != nil {
		return core.ExpenseRecord{}, err
	}

	row, err := l.records.Create(ctx, toRow(draft.Record(owner)))
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to create expense",
			log.FieldOwnerID, owner,
			log.FieldError, err)
		return core.ExpenseRecord{}, core.StoreError("create expense", err)
	}
	rec := fromRow(row)

	l.logger.InfoContext(ctx, "Expense created",
		log.NewFields().
			WithOperation(log.OpCreate).
			WithExpense(rec.ID, rec.Amount.Cents, rec.Category, rec.DeductibleAmount.Cents).
			ToSlice()...)
	return rec, nil
}

// Update applies patch to one of the owner's records. Derived fields are
// recomputed when amount or category changes.
func (l *Ledger) Update(ctx context.Context, sess Session, id string, patch core.Patch) (core.ExpenseRecord, error) {
	owner, err := sess.Owner()
	if err != nil {
		return core.ExpenseRecord{}, err
	}
	patch = patch.Normalize()
	if err := patch.Validate(); err != nil {
		return core.ExpenseRecord{}, err
	}

	current, err := l.get(ctx, owner, id)
	if err != nil {
		return core.ExpenseRecord{}, err
	}
	if patch.IfVersion != nil && l.concurrency == VersionChecked && *patch.IfVersion != current.Version {
		return core.ExpenseRecord{}, core.ErrConflict
	}

	next, pricing := patch.Apply(current)
	rp := rowPatch(patch)
	if pricing {
		next = core.Recompute(next)
		pricingColumns(&rp, next)
	}
	if l.concurrency == VersionChecked {
		version := current.Version
		rp.IfVersion = &version
	}

	row, err := l.records.Update(ctx, store.Filter{OwnerID: owner, ID: id}, rp)
	if err != nil {
		return core.ExpenseRecord{}, l.writeError(ctx, "update expense", id, err)
	}
	rec := fromRow(row)

	l.logger.InfoContext(ctx, "Expense updated",
		log.NewFields().
			WithOperation(log.OpUpdate).
			WithExpense(rec.ID, rec.Amount.Cents, rec.Category, rec.DeductibleAmount.Cents).
			ToSlice()...)
	return rec, nil
}

// Delete removes one of the owner's records for good.
func (l *Ledger) Delete(ctx context.Context, sess Session, id string) error {
	owner, err := sess.Owner()
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return core.ErrNotFound
	}
	if err := l.records.Delete(ctx, store.Filter{OwnerID: owner, ID: id}); err != nil {
		return l.writeError(ctx, "delete expense", id, err)
	}
	l.logger.InfoContext(ctx, "Expense deleted",
		log.FieldOperation, log.OpDelete,
		log.FieldExpenseID, id)
	return nil
}

// AttachReceiptImage stores image as the receipt of one of the owner's
// records and returns its reference. Uploading again replaces the image.
// A failed upload leaves the record untouched.
func (l *Ledger) AttachReceiptImage(ctx context.Context, sess Session, recordID string, image []byte) (string, error) {
	owner, err := sess.Owner()
	if err != nil {
		return "", err
	}
	if len(image) == 0 {
		return "", core.ErrEmptyImage
	}
	mtype := mimetype.Detect(image)
	if !strings.HasPrefix(mtype.String(), "image/") && !mtype.Is("application/pdf") {
		return "", fmt.Errorf("%w: unsupported receipt type %s", core.ErrValidation, mtype.String())
	}
	if _, err := l.get(ctx, owner, recordID); err != nil {
		return "", err
	}

	key := ReceiptKey(owner, recordID)
	ref, err := l.blobs.Upload(ctx, key, image, store.UploadOptions{
		ContentType: mtype.String(),
		Overwrite:   true,
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to upload receipt image",
			log.FieldExpenseID, recordID,
			log.FieldError, err)
		return "", core.StoreError("upload receipt image", err)
	}

	if _, err := l.records.Update(ctx, store.Filter{OwnerID: owner, ID: recordID}, store.RowPatch{ReceiptImageRef: &ref}); err != nil {
		return "", l.writeError(ctx, "link receipt image", recordID, err)
	}

	l.logger.InfoContext(ctx, "Receipt image attached",
		log.FieldExpenseID, recordID,
		log.FieldContentType, mtype.String(),
		log.FieldBytes, len(image))
	return ref, nil
}

// ReceiptImage returns the receipt attached to one of the owner's
// records. It fails with ErrReceiptUnavailable when the blob store cannot
// read back.
func (l *Ledger) ReceiptImage(ctx context.Context, sess Session, recordID string) ([]byte, string, error) {
	owner, err := sess.Owner()
	if err != nil {
		return nil, "", err
	}
	rec, err := l.get(ctx, owner, recordID)
	if err != nil {
		return nil, "", err
	}
	if rec.ReceiptImageRef == "" {
		return nil, "", core.ErrNotFound
	}
	reader, ok := l.blobs.(store.ReceiptReader)
	if !ok {
		return nil, "", ErrReceiptUnavailable
	}
	data, ct, err := reader.Receipt(ctx, ReceiptKey(owner, recordID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", core.ErrNotFound
	}
	if err != nil {
		return nil, "", core.StoreError("read receipt image", err)
	}
	return data, ct, nil
}

// Summary aggregates the owner's ledger for the dashboard.
func (l *Ledger) Summary(ctx context.Context, sess Session) (core.Summary, error) {
	records, err := l.List(ctx, sess)
	if err != nil {
		return core.Summary{}, err
	}
	return core.Summarize(records), nil
}

// ReceiptKey is the blob key of a record's receipt image.
func ReceiptKey(ownerID, recordID string) string {
	return ownerID + "/" + recordID
}

func (l *Ledger) writeError(ctx context.Context, op, id string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return core.ErrNotFound
	case errors.Is(err, store.ErrVersionMismatch):
		return core.ErrConflict
	}
	l.logger.ErrorContext(ctx, "Store write failed",
		log.FieldOperation, op,
		log.FieldExpenseID, id,
		log.FieldError, err)
	return core.StoreError(op, err)
}
