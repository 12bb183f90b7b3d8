package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"taxledger/internal/core"
)

const maxJSONBody = 1 << 20

type createExpenseRequest struct {
	Vendor      string `json:"vendor" validate:"required,notblank,max=200"`
	Amount      string `json:"amount" validate:"required,amount"`
	Date        string `json:"date" validate:"required,isodate"`
	Category    string `json:"category" validate:"max=64"`
	Description string `json:"description" validate:"max=500"`
}

type updateExpenseRequest struct {
	Vendor      *string `json:"vendor" validate:"omitempty,notblank,max=200"`
	Amount      *string `json:"amount" validate:"omitempty,amount"`
	Date        *string `json:"date" validate:"omitempty,isodate"`
	Category    *string `json:"category" validate:"omitempty,max=64"`
	Description *string `json:"description" validate:"omitempty,max=500"`
	IfVersion   *int64  `json:"if_version" validate:"omitempty,gte=1"`
}

type previewRequest struct {
	Amount   string `json:"amount" validate:"required,amount"`
	Category string `json:"category" validate:"max=64"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report json names instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		_, err := core.ParseDecimalToCents(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		_, err := core.ParseDate(fl.Field().String())
		return err == nil
	})
	return v
}

// validateStruct runs v over req and folds field errors into one
// core.ErrValidation.
func validateStruct(v *validator.Validate, req any) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	msgs := make([]string, len(verrs))
	for i, e := range verrs {
		msgs[i] = fieldErrorToString(e)
	}
	return fmt.Errorf("%w: %s", core.ErrValidation, strings.Join(msgs, "; "))
}

func fieldErrorToString(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "notblank":
		return fmt.Sprintf("%s must not be blank", e.Field())
	case "amount":
		return fmt.Sprintf("%s must be a non-negative decimal amount", e.Field())
	case "isodate":
		return fmt.Sprintf("%s must be a YYYY-MM-DD date", e.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", e.Field(), e.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", e.Field(), e.Param())
	default:
		return fmt.Sprintf("%s is invalid", e.Field())
	}
}

// decodeJSON reads a single JSON object from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", core.ErrValidation, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: request body must hold a single JSON object", core.ErrValidation)
	}
	return nil
}

func (req createExpenseRequest) draft() (core.Draft, error) {
	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		return core.Draft{}, err
	}
	date, err := core.ParseDate(req.Date)
	if err != nil {
		return core.Draft{}, err
	}
	return core.Draft{
		Vendor:      req.Vendor,
		Amount:      core.Money{Cents: cents},
		Date:        date,
		Category:    req.Category,
		Description: req.Description,
	}, nil
}

func (req updateExpenseRequest) patch() (core.Patch, error) {
	p := core.Patch{
		Vendor:      req.Vendor,
		Category:    req.Category,
		Description: req.Description,
		IfVersion:   req.IfVersion,
	}
	if req.Amount != nil {
		cents, err := core.ParseDecimalToCents(*req.Amount)
		if err != nil {
			return core.Patch{}, err
		}
		p.Amount = &core.Money{Cents: cents}
	}
	if req.Date != nil {
		date, err := core.ParseDate(*req.Date)
		if err != nil {
			return core.Patch{}, err
		}
		p.Date = &date
	}
	return p, nil
}
