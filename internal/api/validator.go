package api

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var variantNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

// requestValidator checks the submit payloads before they reach the dispatcher.
type requestValidator struct {
	validator *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("variant_name", variantNameValidator)
	return &requestValidator{validator: v}
}

func (v *requestValidator) Struct(s any) error {
	return v.validator.Struct(s)
}

func variantNameValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return variantNameRegex.MatchString(val)
}
