package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// RegisterCustomValidators registers Quotagate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("override_source", validateOverrideSource); err != nil {
		return fmt.Errorf("failed to register override_source validator: %w", err)
	}
	return nil
}

// validateDuration accepts positive Go durations such as "50ms" or "1m".
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

func validateOverrideSource(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case OverrideSourceNone, OverrideSourceState, OverrideSourceSQLite, OverrideSourceRedis:
		return true
	}
	return false
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateOverrideSource(); err != nil {
		return err
	}

	if _, err := ratelimit.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}

	if c.RateLimit.TiersFile != "" {
		if _, err := os.Stat(c.RateLimit.TiersFile); err != nil {
			return fmt.Errorf("rate_limit.tiers_file: %w", err)
		}
	}

	return nil
}

// validateOverrideSource ensures the selected source has its location configured.
func (c *Config) validateOverrideSource() error {
	switch c.Overrides.Source {
	case OverrideSourceState:
		if c.Overrides.StatePath == "" {
			return errors.New("overrides: source state requires state_path")
		}
	case OverrideSourceSQLite:
		if c.Overrides.SQLitePath == "" {
			return errors.New("overrides: source sqlite requires sqlite_path")
		}
	case OverrideSourceRedis:
		if c.Overrides.RedisAddr == "" {
			return errors.New("overrides: source redis requires redis_addr")
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "cidr|ip":
		return fmt.Sprintf("%s must be an IP address or CIDR", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as 50ms or 1m", field)
	case "override_source":
		return fmt.Sprintf("%s must be one of: none state sqlite redis", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
