package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors collects every problem found in a Config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var b strings.Builder
	b.WriteString("configuration validation failed:")
	for _, fe := range e {
		b.WriteString("\n - ")
		b.WriteString(fe.Error())
	}
	return b.String()
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
			return name
		})
		validate.RegisterStructValidation(validateProviders, ProvidersConfig{})
	})
	return validate
}

// Validate checks cfg, reporting every invalid field at once.
func Validate(cfg *Config) error {
	err := validatorInstance().Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("config: validate: %w", err)
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{Field: fieldPath(fe), Message: describe(fe)})
	}
	return out
}

// validateProviders requires one enabled provider and distinct ports.
func validateProviders(sl validator.StructLevel) {
	pc := sl.Current().Interface().(ProvidersConfig)
	enabled := pc.Enabled()
	if len(enabled) == 0 {
		sl.ReportError(pc, "enabled", "Enabled", "one_enabled", "")
		return
	}
	seen := make(map[int]string)
	for _, p := range enabled {
		port := pc.For(p).Port
		if other, ok := seen[port]; ok {
			sl.ReportError(port, string(p)+".port", strings.ToUpper(string(p)), "distinct_port", other)
			continue
		}
		seen[port] = string(p)
	}
}

// fieldPath turns "Config.storage.mode" into "storage.mode".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "gte":
		return fmt.Sprintf("must be at least %s, got %v", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be at most %s, got %v", fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("must be greater than %s, got %v", fe.Param(), fe.Value())
	case "len":
		return fmt.Sprintf("must be %s characters long", fe.Param())
	case "numeric":
		return "must contain only digits"
	case "one_enabled":
		return "at least one provider must be enabled"
	case "distinct_port":
		return fmt.Sprintf("port %v is already used by %s", fe.Value(), fe.Param())
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}
