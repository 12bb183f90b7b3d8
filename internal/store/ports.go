// Package store defines the ports the ledger needs from its persistence
// collaborators: a record collection, a blob bucket and a change feed.
package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
)

// Errors returned by Records implementations.
var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionMismatch = errors.New("record version mismatch")
)

type (
	// Row is the wire shape of an expense as the record store keeps it.
	Row struct {
		ID                    string     `json:"id"`
		OwnerID               string     `json:"owner_id"`
		Vendor                string     `json:"vendor"`
		AmountCents           int64      `json:"amount_cents"`
		Date                  civil.Date `json:"date"`
		Category              string     `json:"category"`
		Deductible            bool       `json:"deductible"`
		DeductibleAmountCents int64      `json:"deductible_amount_cents"`
		Description           string     `json:"description"`
		ReceiptImageRef       string     `json:"receipt_image_ref,omitempty"`
		CreatedAt             time.Time  `json:"created_at"`
		Version               int64      `json:"version"`
	}

	// RowPatch carries the columns an update writes. Nil means unchanged.
	RowPatch struct {
		Vendor                *string
		AmountCents           *int64
		Date                  *civil.Date
		Category              *string
		Deductible            *bool
		DeductibleAmountCents *int64
		Description           *string
		ReceiptImageRef       *string

		// IfVersion makes the update conditional on the stored version.
		IfVersion *int64
	}

	// Filter scopes an operation to one owner and, optionally, one record.
	Filter struct {
		OwnerID string
		ID      string
	}

	// UploadOptions control a blob upload.
	UploadOptions struct {
		ContentType string
		Overwrite   bool
	}
)

// Ports for outbound adapters.
type (
	// Records is the owner-scoped expense collection.
	Records interface {
		// Create stores row and returns it with ID, CreatedAt and Version set.
		Create(ctx context.Context, row Row) (Row, error)
		// Read returns matching rows, date descending then insertion order.
		Read(ctx context.Context, f Filter) ([]Row, error)
		// Update applies p to the single row matching f.
		Update(ctx context.Context, f Filter, p RowPatch) (Row, error)
		// Delete removes the single row matching f.
		Delete(ctx context.Context, f Filter) error
	}

	// Blobs stores opaque bytes and returns a stable reference to them.
	Blobs interface {
		Upload(ctx context.Context, key string, data []byte, opts UploadOptions) (ref string, err error)
	}

	// ReceiptReader reads back a blob written through Blobs. Not every
	// deployment offers it.
	ReceiptReader interface {
		Receipt(ctx context.Context, key string) (data []byte, contentType string, err error)
	}

	// Changes delivers "something changed" signals for one owner's records.
	Changes interface {
		// Subscribe returns once the feed has acknowledged the
		// subscription. onChange may be called more than once per change.
		Subscribe(ctx context.Context, ownerID string, onChange func()) (Subscription, error)
	}

	// Subscription is a live change feed registration.
	Subscription interface {
		// Unsubscribe closes the feed. It is safe to call more than once.
		Unsubscribe() error
		// Done is closed when the feed ends, by Unsubscribe or by a drop.
		Done() <-chan struct{}
		// Err reports why the feed ended; nil after a clean Unsubscribe.
		Err() error
	}
)

// Backend bundles the collaborators one deployment provides.
type Backend struct {
	Records Records
	Blobs   Blobs
	Changes Changes
}

// CompareDates orders calendar dates like cmp.Compare.
func CompareDates(a, b civil.Date) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}
