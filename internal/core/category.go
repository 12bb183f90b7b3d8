package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCategory is assigned to drafts that arrive without a category.
const DefaultCategory = "personal"

// CategoryRule maps a tax category code to its deductible share.
type CategoryRule struct {
	Code                 string
	Label                string
	DeductiblePercentage decimal.Decimal // 0..100
}

var categoryRules = []CategoryRule{
	{Code: "office-supplies", Label: "Office Supplies", DeductiblePercentage: decimal.NewFromInt(100)},
	{Code: "meals-entertainment", Label: "Meals & Entertainment", DeductiblePercentage: decimal.NewFromInt(50)},
	{Code: "travel", Label: "Business Travel", DeductiblePercentage: decimal.NewFromInt(100)},
	{Code: "equipment", Label: "Equipment", DeductiblePercentage: decimal.NewFromInt(100)},
	{Code: "software", Label: "Software & Subscriptions", DeductiblePercentage: decimal.NewFromInt(100)},
	{Code: "marketing", Label: "Marketing & Advertising", DeductiblePercentage: decimal.NewFromInt(100)},
	{Code: DefaultCategory, Label: "Personal (Non-deductible)", DeductiblePercentage: decimal.Zero},
}

var categoryIndex = func() map[string]CategoryRule {
	idx := make(map[string]CategoryRule, len(categoryRules))
	for _, r := range categoryRules {
		idx[r.Code] = r
	}
	return idx
}()

// NormalizeCategory trims and lower-cases a category code. OCR output and
// hand-typed codes go through here before lookup or storage.
func NormalizeCategory(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// LookupCategory returns the rule for code. The boolean is false for codes
// outside the table; callers treat those as 0% deductible.
func LookupCategory(code string) (CategoryRule, bool) {
	r, ok := categoryIndex[NormalizeCategory(code)]
	return r, ok
}

// Categories returns the rule table in display order.
func Categories() []CategoryRule {
	return append([]CategoryRule(nil), categoryRules...)
}
