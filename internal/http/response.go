package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"taxledger/internal/core"
	"taxledger/internal/ledger"
)

// JSONResponseBuilder provides a fluent API for JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	body       any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	NewJSONResponse().Status(status).Body(errorBody{Error: msg}).Write(w)
}

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrReceiptUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, core.ErrStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides store causes from clients.
func publicMessage(err error, status int) string {
	switch status {
	case http.StatusServiceUnavailable:
		return "storage temporarily unavailable"
	case http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}

type expenseResponse struct {
	ID                    string    `json:"id"`
	Vendor                string    `json:"vendor"`
	Amount                string    `json:"amount"`
	AmountCents           int64     `json:"amount_cents"`
	Date                  string    `json:"date"`
	Category              string    `json:"category"`
	CategoryLabel         string    `json:"category_label"`
	Deductible            bool      `json:"deductible"`
	DeductibleAmount      string    `json:"deductible_amount"`
	DeductibleAmountCents int64     `json:"deductible_amount_cents"`
	Description           string    `json:"description,omitempty"`
	ReceiptImageRef       string    `json:"receipt_image_ref,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	Version               int64     `json:"version"`
}

func categoryLabel(code string) string {
	if rule, ok := core.LookupCategory(code); ok {
		return rule.Label
	}
	return code
}

func toExpenseResponse(r core.ExpenseRecord) expenseResponse {
	return expenseResponse{
		ID:                    r.ID,
		Vendor:                r.Vendor,
		Amount:                r.Amount.String(),
		AmountCents:           r.Amount.Cents,
		Date:                  r.Date.String(),
		Category:              r.Category,
		CategoryLabel:         categoryLabel(r.Category),
		Deductible:            r.IsDeductible,
		DeductibleAmount:      r.DeductibleAmount.String(),
		DeductibleAmountCents: r.DeductibleAmount.Cents,
		Description:           r.Description,
		ReceiptImageRef:       r.ReceiptImageRef,
		CreatedAt:             r.CreatedAt,
		Version:               r.Version,
	}
}

func toExpenseList(records []core.ExpenseRecord) []expenseResponse {
	out := make([]expenseResponse, len(records))
	for i, r := range records {
		out[i] = toExpenseResponse(r)
	}
	return out
}

type listResponse struct {
	Expenses []expenseResponse `json:"expenses"`
	Count    int               `json:"count"`
}

type categoryAmountResponse struct {
	Code       string `json:"code"`
	Label      string `json:"label"`
	Amount     string `json:"amount"`
	Deductible string `json:"deductible"`
}

type summaryResponse struct {
	Count             int                      `json:"count"`
	Total             string                   `json:"total"`
	Deductible        string                   `json:"deductible"`
	NonDeductible     string                   `json:"non_deductible"`
	DeductiblePercent int                      `json:"deductible_percent"`
	ByCategory        []categoryAmountResponse `json:"by_category"`
}

func toSummaryResponse(s core.Summary) summaryResponse {
	out := summaryResponse{
		Count:             s.Count,
		Total:             s.Total.String(),
		Deductible:        s.Deductible.String(),
		NonDeductible:     s.NonDeductible.String(),
		DeductiblePercent: s.DeductiblePercent,
		ByCategory:        make([]categoryAmountResponse, len(s.ByCategory)),
	}
	for i, c := range s.ByCategory {
		out.ByCategory[i] = categoryAmountResponse{
			Code:       c.Code,
			Label:      c.Label,
			Amount:     c.Amount.String(),
			Deductible: c.Deductible.String(),
		}
	}
	return out
}

type categoryResponse struct {
	Code                 string `json:"code"`
	Label                string `json:"label"`
	DeductiblePercentage string `json:"deductible_percentage"`
}

type previewResponse struct {
	Amount           string `json:"amount"`
	Category         string `json:"category"`
	Known            bool   `json:"known_category"`
	Deductible       bool   `json:"deductible"`
	DeductibleAmount string `json:"deductible_amount"`
}

type receiptResponse struct {
	Ref string `json:"receipt_image_ref"`
}
