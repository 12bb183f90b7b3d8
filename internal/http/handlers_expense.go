package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"taxledger/internal/auth"
	"taxledger/internal/core"
	"taxledger/internal/log"
)

const maxReceiptBytes = 10 << 20

// fail logs err at a level matching its status and writes the JSON error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	logger := log.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Request failed",
			log.FieldOperation, op,
			log.FieldStatusCode, status,
			log.FieldError, err)
	} else {
		logger.DebugContext(r.Context(), "Request rejected",
			log.FieldOperation, op,
			log.FieldStatusCode, status,
			log.FieldError, err)
	}
	writeError(w, status, publicMessage(err, status))
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	records, err := s.ledger.List(r.Context(), auth.SessionFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	NewJSONResponse().
		Body(listResponse{Expenses: toExpenseList(records), Count: len(records)}).
		Write(w)
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.Get(r.Context(), auth.SessionFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	NewJSONResponse().
		Header("ETag", etag(rec.Version)).
		Body(toExpenseResponse(rec)).
		Write(w)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req createExpenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}
	if err := validateStruct(s.validate, req); err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}
	draft, err := req.draft()
	if err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}

	rec, err := s.ledger.Create(r.Context(), auth.SessionFromContext(r.Context()), draft)
	if err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/expenses/"+rec.ID).
		Header("ETag", etag(rec.Version)).
		Body(toExpenseResponse(rec)).
		Write(w)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	var req updateExpenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	if req.IfVersion == nil {
		if v, ok := ifMatchVersion(r); ok {
			req.IfVersion = &v
		}
	}
	if err := validateStruct(s.validate, req); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}

	rec, err := s.ledger.Update(r.Context(), auth.SessionFromContext(r.Context()), r.PathValue("id"), patch)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	NewJSONResponse().
		Header("ETag", etag(rec.Version)).
		Body(toExpenseResponse(rec)).
		Write(w)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Delete(r.Context(), auth.SessionFromContext(r.Context()), r.PathValue("id")); err != nil {
		s.fail(w, r, log.OpDelete, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleAttachReceipt(w http.ResponseWriter, r *http.Request) {
	image, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReceiptBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "receipt image too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read receipt image")
		return
	}

	ref, err := s.ledger.AttachReceiptImage(r.Context(), auth.SessionFromContext(r.Context()), r.PathValue("id"), image)
	if err != nil {
		s.fail(w, r, log.OpAttach, err)
		return
	}
	NewJSONResponse().Body(receiptResponse{Ref: ref}).Write(w)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.ledger.ReceiptImage(r.Context(), auth.SessionFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.Summary(r.Context(), auth.SessionFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	NewJSONResponse().Body(toSummaryResponse(summary)).Write(w)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	rules := core.Categories()
	out := make([]categoryResponse, len(rules))
	for i, rule := range rules {
		out[i] = categoryResponse{
			Code:                 rule.Code,
			Label:                rule.Label,
			DeductiblePercentage: rule.DeductiblePercentage.String(),
		}
	}
	NewJSONResponse().Body(out).Write(w)
}

// handleDeductionPreview prices an amount and category without saving,
// for the edit form.
func (s *Server) handleDeductionPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, "preview", err)
		return
	}
	if err := validateStruct(s.validate, req); err != nil {
		s.fail(w, r, "preview", err)
		return
	}
	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		s.fail(w, r, "preview", err)
		return
	}

	category := core.NormalizeCategory(req.Category)
	if category == "" {
		category = core.DefaultCategory
	}
	amount := core.Money{Cents: cents}
	d := core.Compute(amount, category)
	_, known := core.LookupCategory(category)
	NewJSONResponse().Body(previewResponse{
		Amount:           amount.String(),
		Category:         category,
		Known:            known,
		Deductible:       d.IsDeductible,
		DeductibleAmount: d.Amount.String(),
	}).Write(w)
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

// ifMatchVersion reads an If-Match header written from a previous ETag.
func ifMatchVersion(r *http.Request) (int64, bool) {
	h := r.Header.Get("If-Match")
	if len(h) < 3 || h[0] != '"' || h[len(h)-1] != '"' {
		return 0, false
	}
	v, err := strconv.ParseInt(h[1:len(h)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
