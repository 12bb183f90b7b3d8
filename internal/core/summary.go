package core

import "github.com/shopspring/decimal"

// CategoryAmount represents amounts aggregated by category code.
type CategoryAmount struct {
	Code       string
	Label      string
	Amount     Money
	Deductible Money
}

// Summary is the dashboard view of a ledger.
type Summary struct {
	Count             int
	Total             Money
	Deductible        Money
	NonDeductible     Money
	DeductiblePercent int // share of Total, rounded half-up
	ByCategory        []CategoryAmount
}

// Summarize aggregates records. Categories appear in rule table order,
// followed by unknown codes in first-seen order.
func Summarize(records []ExpenseRecord) Summary {
	var s Summary
	sums := map[string]*CategoryAmount{}
	var unknown []string
	for _, r := range records {
		s.Count++
		s.Total.Cents += r.Amount.Cents
		s.Deductible.Cents += r.DeductibleAmount.Cents
		ca, ok := sums[r.Category]
		if !ok {
			ca = &CategoryAmount{Code: r.Category, Label: r.Category}
			if rule, known := LookupCategory(r.Category); known {
				ca.Label = rule.Label
			} else {
				unknown = append(unknown, r.Category)
			}
			sums[r.Category] = ca
		}
		ca.Amount.Cents += r.Amount.Cents
		ca.Deductible.Cents += r.DeductibleAmount.Cents
	}
	s.NonDeductible.Cents = s.Total.Cents - s.Deductible.Cents
	if s.Total.Cents > 0 {
		s.DeductiblePercent = int(decimal.NewFromInt(s.Deductible.Cents).
			Mul(hundred).
			Div(decimal.NewFromInt(s.Total.Cents)).
			Round(0).
			IntPart())
	}
	for _, rule := range categoryRules {
		if ca, ok := sums[rule.Code]; ok {
			s.ByCategory = append(s.ByCategory, *ca)
		}
	}
	for _, code := range unknown {
		s.ByCategory = append(s.ByCategory, *sums[code])
	}
	return s
}
