package core

import (
	"errors"
	"log/slog"
	"regexp"

	"github.com/go-playground/validator/v10"

	"billingsync/internal/types"
)

// identifierPattern matches account and provider reference IDs.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,255}$`)

// ValidationError describes one failed field rule.
type ValidationError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// Validator wraps go-playground/validator and registers the identifier rule
// used by the read API.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator and registers custom validation tags:
//   - identifier: 1-255 characters of [A-Za-z0-9_.:-]
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	}); err != nil {
		logger.Error("failed to register identifier validation", "error", err)
	}
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s and returns an *types.AppError listing every
// failed rule under details["validation_errors"].
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation could not run", err)
	}

	code := types.ErrCodeValidationInvalidID
	out := make([]ValidationError, 0, len(verrs))
	for i, fe := range verrs {
		if i == 0 && fe.Tag() == "required" {
			code = types.ErrCodeValidationMissingField
		}
		out = append(out, ValidationError{Field: fe.Field(), Rule: fe.Tag(), Param: fe.Param()})
	}
	return types.NewAppErrorWithDetails(code, "request failed validation", err,
		map[string]any{"validation_errors": out})
}
