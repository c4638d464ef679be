// Package validation wraps go-playground/validator with the scheduler's custom
// tags and turns field errors into configuration errors.
package validation

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"polling-scheduler/internal/common/errors"
)

// ScheduleParser accepts standard five-field specs, an optional leading
// seconds field, and descriptors such as "@every 30s".
var ScheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a tick schedule with ScheduleParser.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return ScheduleParser.Parse(spec)
}

// Validator validates tagged structs.
type Validator struct {
	validator *validator.Validate
}

// FieldError is one failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// New creates a Validator with the custom tags registered. Field names in
// messages come from the `env` tag when present.
func New() *Validator {
	v := validator.New()
	registerValidators(v)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("env"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})

	return &Validator{validator: v}
}

// Struct validates s. Any failure is a ConfigError listing every field.
func (v *Validator) Struct(s interface{}) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrors := v.FieldErrors(err)
	messages := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		messages = append(messages, fe.Message)
	}

	return errors.ConfigError("invalid configuration: "+strings.Join(messages, "; ")).
		WithContext("fields", len(fieldErrors))
}

// FieldErrors extracts structured errors from a validator error.
func (v *Validator) FieldErrors(err error) []FieldError {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return []FieldError{{Field: "unknown", Tag: "error", Message: err.Error()}}
	}

	result := make([]FieldError, 0, len(validationErrs))
	for _, fieldError := range validationErrs {
		result = append(result, FieldError{
			Field:   fieldError.Field(),
			Tag:     fieldError.Tag(),
			Param:   fieldError.Param(),
			Message: formatFieldError(fieldError),
		})
	}
	return result
}

func formatFieldError(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", err.Field())
	case "required_if":
		return fmt.Sprintf("%s is required when %s", err.Field(), strings.Replace(err.Param(), " ", "=", 1))
	case "required_unless":
		return fmt.Sprintf("%s is required unless %s", err.Field(), strings.Replace(err.Param(), " ", "=", 1))
	case "url", "http_url":
		return fmt.Sprintf("%s must be a valid URL", err.Field())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", err.Field(), err.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", err.Field(), err.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", err.Field(), err.Param())
	case "numeric":
		return fmt.Sprintf("%s must be a number", err.Field())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", err.Field())
	case "cron_schedule":
		return fmt.Sprintf("%s must be a valid cron schedule", err.Field())
	default:
		return fmt.Sprintf("%s failed validation: %s", err.Field(), err.Tag())
	}
}

func registerValidators(v *validator.Validate) {
	v.RegisterValidation("cron_schedule", func(fl validator.FieldLevel) bool {
		_, err := ParseSchedule(fl.Field().String())
		return err == nil
	})
}
