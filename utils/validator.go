package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct validates a struct's `validate` tags and flattens the
// result into one readable error.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var messages []string
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, field+" is required")
		case "min":
			messages = append(messages, field+" must be at least "+fe.Param())
		case "max":
			messages = append(messages, field+" must be at most "+fe.Param())
		case "oneof":
			messages = append(messages, field+" must be one of: "+fe.Param())
		case "email":
			messages = append(messages, field+" must be a valid email")
		case "gt":
			messages = append(messages, field+" must be greater than "+fe.Param())
		case "gte":
			messages = append(messages, field+" must be at least "+fe.Param())
		default:
			messages = append(messages, field+" is invalid")
		}
	}
	return errors.New(strings.Join(messages, "; "))
}
