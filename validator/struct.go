package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// messages maps validation tags to friendly error messages.
var messages = map[string]string{
	"required": "the field '%s' is required",
	"min":      "the field '%s' must be at least %s",
	"max":      "the field '%s' must be at most %s",
	"gt":       "the field '%s' must be greater than %s",
	"gte":      "the field '%s' must be greater than or equal to %s",
	"lt":       "the field '%s' must be less than %s",
	"lte":      "the field '%s' must be less than or equal to %s",
	"oneof":    "the field '%s' must be one of %s",
}

func parseMessage(name string, e validator.FieldError) string {
	if msg, ok := messages[e.Tag()]; ok {
		switch strings.Count(msg, "%s") {
		case 1:
			return fmt.Sprintf(msg, name)
		case 2:
			return fmt.Sprintf(msg, name, e.Param())
		}
	}
	return fmt.Sprintf("the field '%s' is invalid: %s", name, e.Tag())
}

// ValidateStruct validates a struct pointer against its `validate` tags and
// returns a map of JSON field names to friendly error messages. An empty map
// means the struct is valid.
func ValidateStruct(s any) map[string]string {
	validationErrors := make(map[string]string)

	err := validate.Struct(s)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			structType := reflect.TypeOf(s)
			if structType.Kind() == reflect.Ptr {
				structType = structType.Elem()
			}
			for _, e := range validationErrs {
				name := e.StructField()
				if field, ok := structType.FieldByName(e.StructField()); ok {
					if jsonTag := strings.Split(field.Tag.Get("json"), ",")[0]; jsonTag != "" && jsonTag != "-" {
						name = jsonTag
					}
				}
				validationErrors[name] = parseMessage(name, e)
			}
		} else {
			validationErrors["_"] = err.Error()
		}
	}
	return validationErrors
}

// ValidateStructErr is like ValidateStruct but flattens the result into a
// single error, nil when valid.
func ValidateStructErr(s any) error {
	errs := ValidateStruct(s)
	if len(errs) == 0 {
		return nil
	}
	parts := make([]string, 0, len(errs))
	for _, msg := range errs {
		parts = append(parts, msg)
	}
	return errors.New(strings.Join(parts, "; "))
}
