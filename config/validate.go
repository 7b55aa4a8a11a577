package config

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/c360/filterstream/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// validatorInstance returns the shared validator. Field names are reported
// by their yaml key.
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		validate.RegisterStructValidation(validateOutput, OutputConfig{})
	})
	return validate
}

// validateOutput requires the settings of the selected output type
func validateOutput(sl validator.StructLevel) {
	out := sl.Current().Interface().(OutputConfig)
	switch out.Type {
	case OutputKafka:
		if len(out.Kafka.Brokers) == 0 {
			sl.ReportError(out.Kafka.Brokers, "kafka.brokers", "Brokers", "required_for_kafka", "")
		}
	case OutputJetStream:
		if out.NATS.URL == "" {
			sl.ReportError(out.NATS.URL, "nats.url", "URL", "required_for_jetstream", "")
		}
		if out.NATS.Stream == "" {
			sl.ReportError(out.NATS.Stream, "nats.stream", "Stream", "required_for_jetstream", "")
		}
	case OutputFile:
		if out.File.Path == "" {
			sl.ReportError(out.File.Path, "file.path", "Path", "required_for_file", "")
		}
	}
}

// FieldError describes one invalid configuration key
type FieldError struct {
	Field string
	Rule  string
	Param string
}

func (e FieldError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: failed %s=%s", e.Field, e.Rule, e.Param)
	}
	return fmt.Sprintf("%s: failed %s", e.Field, e.Rule)
}

// ValidationError lists every invalid key of a configuration
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Error()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Unwrap reports the sentinel for invalid configuration
func (e *ValidationError) Unwrap() error {
	return errors.ErrInvalidConfig
}

// Validate checks cfg against its struct tags and the per-output rules
func Validate(cfg *Config) error {
	err := validatorInstance().Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.WrapInvalid(err, "Config", "Validate", "validate struct")
	}

	out := &ValidationError{Fields: make([]FieldError, len(verrs))}
	for i, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out.Fields[i] = FieldError{Field: field, Rule: fe.Tag(), Param: fe.Param()}
	}
	return errors.WrapInvalid(out, "Config", "Validate", "validate fields")
}
