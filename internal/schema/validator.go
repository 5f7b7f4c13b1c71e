package schema

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	tetherrors "teth/internal/errors"
)

// toolIDPattern defines the valid format for tool and profile ids.
// Ids are lowercase, start with a letter or digit, and use '_' or '-' as separators.
// Examples: "nmap", "cobalt_strike", "gh0st-rat"
var toolIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*$`)

// Validator validates wire requests and catalog records.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator with the custom tags registered.
func NewValidator() *Validator {
	v := validator.New()

	// Report field paths using JSON names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Register custom validation for tool id format
	v.RegisterValidation("tool_id", func(fl validator.FieldLevel) bool {
		return toolIDPattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v}
}

// Struct validates any struct carrying validate tags.
func (v *Validator) Struct(s any) error {
	if err := v.validate.Struct(s); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateIngest validates an ingest request. When requireChain is set the
// request must carry a chain context.
func (v *Validator) ValidateIngest(req *IngestRequest, requireChain bool) error {
	if err := v.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &tetherrors.ValidationError{
				Field: fieldPath(fe.Namespace()),
				Msg:   fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
			}
		}
		return &tetherrors.ValidationError{Msg: "invalid request", Err: err}
	}

	if requireChain && req.ChainContext == nil {
		return tetherrors.NewValidationError("chain_context", "required for chain ingestion")
	}

	return nil
}

// ValidateToolID checks if a tool id matches the required format.
func ValidateToolID(id string) bool {
	return toolIDPattern.MatchString(id)
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

// fieldPath turns "IngestRequest.tool.id" into "tool.id".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.Join(parts, ".")
}
