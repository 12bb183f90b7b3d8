// Package core holds the expense ledger's domain: records and their
// validation, money, the category rule table and the deduction calculator.
package core

import (
	"strings"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/civil"
)

const (
	MaxVendorLength      = 200
	MaxDescriptionLength = 500
)

type (
	// ExpenseRecord is one persisted ledger entry.
	ExpenseRecord struct {
		ID               string
		OwnerID          string
		Vendor           string
		Amount           Money
		Date             civil.Date
		Category         string
		IsDeductible     bool  // derived
		DeductibleAmount Money // derived
		Description      string
		ReceiptImageRef  string
		CreatedAt        time.Time
		Version          int64
	}

	// Draft is an unsaved expense observation coming from capture or the
	// edit form. It has no identity or owner yet.
	Draft struct {
		Vendor      string
		Amount      Money
		Date        civil.Date
		Category    string
		Description string
	}

	// Patch lists the fields an update may change. Nil means unchanged.
	Patch struct {
		Vendor      *string
		Amount      *Money
		Date        *civil.Date
		Category    *string
		Description *string

		// IfVersion, when set, makes the update conditional on the stored
		// version under the version-checked concurrency policy.
		IfVersion *int64
	}
)

// NewDate creates a calendar date from year, month, day.
func NewDate(year, month, day int) civil.Date {
	return civil.Date{Year: year, Month: time.Month(month), Day: day}
}

// ParseDate parses an ISO calendar date (YYYY-MM-DD).
func ParseDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(strings.TrimSpace(s))
	if err != nil || !d.IsValid() {
		return civil.Date{}, ErrInvalidDate
	}
	return d, nil
}

func validateDate(d civil.Date) error {
	if !d.IsValid() {
		return ErrInvalidDate
	}
	return nil
}

func validateVendor(v string) error {
	if strings.TrimSpace(v) == "" {
		return ErrEmptyVendor
	}
	if utf8.RuneCountInString(v) > MaxVendorLength {
		return ErrVendorTooLong
	}
	return nil
}

func validateDescription(d string) error {
	if utf8.RuneCountInString(d) > MaxDescriptionLength {
		return ErrDescriptionTooLong
	}
	return nil
}

// Normalize trims free text and resolves the category code. A blank
// category becomes DefaultCategory; unknown codes are kept as typed.
func (d Draft) Normalize() Draft {
	d.Vendor = strings.TrimSpace(d.Vendor)
	d.Description = strings.TrimSpace(d.Description)
	d.Category = NormalizeCategory(d.Category)
	if d.Category == "" {
		d.Category = DefaultCategory
	}
	return d
}

func (d Draft) Validate() error {
	if err := validateVendor(d.Vendor); err != nil {
		return err
	}
	if err := d.Amount.Validate(); err != nil {
		return err
	}
	if err := validateDate(d.Date); err != nil {
		return err
	}
	return validateDescription(d.Description)
}

// Record builds the unsaved record for d with derived fields filled in.
func (d Draft) Record(ownerID string) ExpenseRecord {
	return Recompute(ExpenseRecord{
		OwnerID:     ownerID,
		Vendor:      d.Vendor,
		Amount:      d.Amount,
		Date:        d.Date,
		Category:    d.Category,
		Description: d.Description,
	})
}

// IsEmpty reports whether the patch changes no field.
func (p Patch) IsEmpty() bool {
	return p.Vendor == nil && p.Amount == nil && p.Date == nil &&
		p.Category == nil && p.Description == nil
}

// Normalize trims free text fields and resolves the category code.
func (p Patch) Normalize() Patch {
	if p.Vendor != nil {
		v := strings.TrimSpace(*p.Vendor)
		p.Vendor = &v
	}
	if p.Description != nil {
		v := strings.TrimSpace(*p.Description)
		p.Description = &v
	}
	if p.Category != nil {
		v := NormalizeCategory(*p.Category)
		if v == "" {
			v = DefaultCategory
		}
		p.Category = &v
	}
	return p
}

func (p Patch) Validate() error {
	if p.IsEmpty() {
		return ErrEmptyPatch
	}
	if p.Vendor != nil {
		if err := validateVendor(*p.Vendor); err != nil {
			return err
		}
	}
	if p.Amount != nil {
		if err := p.Amount.Validate(); err != nil {
			return err
		}
	}
	if p.Date != nil {
		if err := validateDate(*p.Date); err != nil {
			return err
		}
	}
	if p.Description != nil {
		return validateDescription(*p.Description)
	}
	return nil
}

// Apply returns rec with every set field of p applied. The boolean
// reports whether amount or category changed, i.e. whether the derived
// fields must be recomputed. Apply itself never touches derived fields so
// a combined amount and category edit is recomputed once.
func (p Patch) Apply(rec ExpenseRecord) (ExpenseRecord, bool) {
	pricing := false
	if p.Vendor != nil {
		rec.Vendor = *p.Vendor
	}
	if p.Amount != nil {
		pricing = pricing || *p.Amount != rec.Amount
		rec.Amount = *p.Amount
	}
	if p.Date != nil {
		rec.Date = *p.Date
	}
	if p.Category != nil {
		pricing = pricing || *p.Category != rec.Category
		rec.Category = *p.Category
	}
	if p.Description != nil {
		rec.Description = *p.Description
	}
	return rec, pricing
}
