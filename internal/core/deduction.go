package core

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Deduction is the derived tax view of an amount.
type Deduction struct {
	IsDeductible bool
	Amount       Money
}

// Compute prices the deductible share of amount under the category code.
// Unknown codes are 0%. Rounding is half-up to the cent and the result
// never exceeds amount. amount must already be validated as non-negative.
func Compute(amount Money, code string) Deduction {
	rule, ok := LookupCategory(code)
	if !ok || !rule.DeductiblePercentage.IsPositive() {
		return Deduction{}
	}
	cents := decimal.NewFromInt(amount.Cents).
		Mul(rule.DeductiblePercentage).
		Div(hundred).
		Round(0).
		IntPart()
	if cents > amount.Cents {
		cents = amount.Cents
	}
	return Deduction{IsDeductible: cents > 0, Amount: Money{Cents: cents}}
}

// Recompute refreshes the derived fields of rec from its current amount
// and category.
func Recompute(rec ExpenseRecord) ExpenseRecord {
	d := Compute(rec.Amount, rec.Category)
	rec.IsDeductible = d.IsDeductible
	rec.DeductibleAmount = d.Amount
	return rec
}
