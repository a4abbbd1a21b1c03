package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil && d >= 0
		})
		validate = v
	})
	return validate
}

// Validate checks struct tags and cross-field rules. Problems are reported
// as one error listing every offending field by its JSON path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	err := structValidator().Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return path + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", path, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", path, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", path, fe.Param())
	case "duration":
		return fmt.Sprintf("%s: invalid duration %q", path, fe.Value())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", path)
	default:
		return fmt.Sprintf("%s failed %s", path, fe.Tag())
	}
}
