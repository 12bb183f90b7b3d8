package ledger

import (
	"taxledger/internal/core"
	"taxledger/internal/store"
)

func toRow(rec core.ExpenseRecord) store.Row {
	return store.Row{
		ID:                    rec.ID,
		OwnerID:               rec.OwnerID,
		Vendor:                rec.Vendor,
		AmountCents:           rec.Amount.Cents,
		Date:                  rec.Date,
		Category:              rec.Category,
		Deductible:            rec.IsDeductible,
		DeductibleAmountCents: rec.DeductibleAmount.Cents,
		Description:           rec.Description,
		ReceiptImageRef:       rec.ReceiptImageRef,
		CreatedAt:             rec.CreatedAt,
		Version:               rec.Version,
	}
}

func fromRow(r store.Row) core.ExpenseRecord {
	return core.ExpenseRecord{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		Vendor:           r.Vendor,
		Amount:           core.Money{Cents: r.AmountCents},
		Date:             r.Date,
		Category:         r.Category,
		IsDeductible:     r.Deductible,
		DeductibleAmount: core.Money{Cents: r.DeductibleAmountCents},
		Description:      r.Description,
		ReceiptImageRef:  r.ReceiptImageRef,
		CreatedAt:        r.CreatedAt,
		Version:          r.Version,
	}
}

// pricingColumns writes amount, category and both derived columns from
// rec, so a concurrent edit to the other pricing field can never pair
// with derived values it did not produce.
func pricingColumns(rp *store.RowPatch, rec core.ExpenseRecord) {
	amount, category := rec.Amount.Cents, rec.Category
	deductible, deductibleCents := rec.IsDeductible, rec.DeductibleAmount.Cents
	rp.AmountCents = &amount
	rp.Category = &category
	rp.Deductible = &deductible
	rp.DeductibleAmountCents = &deductibleCents
}

// rowPatch copies the user-editable fields of p. Derived columns are
// filled in by the caller after recompute.
func rowPatch(p core.Patch) store.RowPatch {
	var rp store.RowPatch
	rp.Vendor = p.Vendor
	if p.Amount != nil {
		cents := p.Amount.Cents
		rp.AmountCents = &cents
	}
	rp.Date = p.Date
	rp.Category = p.Category
	rp.Description = p.Description
	return rp
}
