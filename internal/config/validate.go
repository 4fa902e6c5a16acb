package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	switch c.Governor.StateBackend {
	case StateBackendRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("redis.addr is required when governor.state_backend is redis")
		}
	case StateBackendStore:
		if strings.TrimSpace(c.Store.URL) == "" && strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path or store.url is required when governor.state_backend is store")
		}
	}

	if c.Governor.MaxCallsPerWindow > 0 && c.Governor.Window == 0 {
		return errors.New("governor.window must be set when governor.max_calls_per_window is positive")
	}
	return nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "gte", "gt", "lte":
		return fmt.Sprintf("%s is out of range (%s %s)", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
