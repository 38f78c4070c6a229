// ==============================================================================
// VALIDATOR PACKAGE - pkg/validator/validator.go
// ==============================================================================
package validator

import (
	"fmt"
	"reflect"
	"strings"

	"kycreview/pkg/domain"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := &Validator{
		validate: validator.New(),
	}
	v.registerCustomValidations()
	return v
}

func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		// Format validation errors
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, e := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"Field '%s' failed validation '%s'",
					e.Field(),
					e.Tag(),
				))
			}
			return fmt.Errorf("validation failed: %v", errMessages)
		}
		return err
	}
	return nil
}

// ValidateStructured returns a map of field -> error message
func (v *Validator) ValidateStructured(i interface{}) map[string]string {
	errs := make(map[string]string)
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			for _, e := range validationErrors {
				msg := fmt.Sprintf("failed validation on '%s'", e.Tag())
				switch e.Tag() {
				case "required", "required_without":
					msg = "This field is required"
				case "min":
					msg = fmt.Sprintf("Must be at least %s", e.Param())
				case "max":
					msg = fmt.Sprintf("Must be at most %s", e.Param())
				case "kyc_document_type":
					msg = "Unknown document type"
				case "kyc_review_result":
					msg = "Not a reviewer decision"
				case "score_range":
					msg = "Must be between 0 and 100"
				}
				errs[e.Field()] = msg
			}
		} else {
			errs["_global"] = err.Error()
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (v *Validator) registerCustomValidations() {
	// Register decimal.Decimal to be validated as float64 for gt/lt checks
	v.validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if val, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := val.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	_ = v.validate.RegisterValidation("kyc_document_type", func(fl validator.FieldLevel) bool {
		return domain.DocumentType(strings.TrimSpace(fl.Field().String())).IsValid()
	})

	_ = v.validate.RegisterValidation("kyc_review_result", func(fl validator.FieldLevel) bool {
		return domain.ReviewResult(fl.Field().String()).IsManual()
	})

	// score_range accepts a 0-100 confidence, nil pointers included.
	_ = v.validate.RegisterValidation("score_range", func(fl validator.FieldLevel) bool {
		f, ok := fl.Field().Interface().(float64)
		if !ok {
			return true
		}
		return f >= 0 && f <= 100
	})
}

// Sanitize trims free-text input such as reviewer comments.
func Sanitize(input string) string {
	return strings.TrimSpace(input)
}
