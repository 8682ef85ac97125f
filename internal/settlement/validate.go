package settlement

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	requestValidator     *validator.Validate
	requestValidatorOnce sync.Once
)

// getValidator returns the shared validator. Field names in its errors are the JSON names.
func getValidator() *validator.Validate {
	requestValidatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		requestValidator = v
	})
	return requestValidator
}

// validateRequest checks the struct tags of a request and reports the first failure
// as a ValidationError named by its JSON path, e.g. participants[1].display_name.
func validateRequest(req any) error {
	err := getValidator().Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return invalid("body", "%v", err)
	}

	fe := fieldErrs[0]
	// Namespace starts with the Go type name
	_, field, _ := strings.Cut(fe.Namespace(), ".")
	return invalid(field, "%s", describeFieldError(fe))
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "needs at least " + fe.Param() + " entries"
	default:
		return "failed the " + fe.Tag() + " check"
	}
}
