package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError describes one invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in a single pass so
// operators can fix them all at once.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):", len(errs))
	for i, err := range errs {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, err.Error())
	}
	return sb.String()
}

type validator struct {
	errs ValidationErrors
}

func (v *validator) add(field, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) port(field string, port int) {
	if port < 0 || port > 65535 {
		v.add(field, "port must be between 0 and 65535 (got %d)", port)
	}
}

func (v *validator) positive(field string, n int64) {
	if n <= 0 {
		v.add(field, "must be a positive integer (got %d)", n)
	}
}

func (v *validator) enum(field, value string, allowed ...string) {
	for _, opt := range allowed {
		if strings.EqualFold(value, opt) {
			return
		}
	}
	v.add(field, "must be one of: %s (got: %s)", strings.Join(allowed, ", "), value)
}

func (v *validator) url(field, value string) {
	if value == "" {
		return
	}
	parsed, err := url.Parse(value)
	if err != nil {
		v.add(field, "invalid URL format: %v", err)
		return
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.add(field, "URL must use http or https scheme")
	}
}

// Validate checks the decoded configuration.
func (c *Config) Validate() error {
	v := &validator{}

	v.port("PORT", c.Port)
	v.positive("UPLOAD_MAX_FILE_BYTES", c.UploadMaxFileBytes)
	v.positive("JSON_BODY_LIMIT", c.JSONBodyLimit)
	v.positive("DB_MAX_OPEN_CONNS", int64(c.DBMaxOpenConns))
	v.enum("STARTUP_POLICY", c.StartupPolicy, "fail-fast", "degraded", "a", "b")
	v.url("CLERK_API_URL", c.ClerkAPIURL)

	if c.UploadDir == "" {
		v.add("UPLOAD_DIR", "must not be empty")
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		v.add("SWEEP_SCHEDULE", "invalid cron expression: %v", err)
	}
	if c.SweepMinAge < 0 {
		v.add("SWEEP_MIN_AGE", "must not be negative")
	}
	if c.RateLimitRPS < 0 {
		v.add("RATE_LIMIT_RPS", "must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		v.add("RATE_LIMIT_BURST", "must be positive when RATE_LIMIT_RPS is set")
	}

	if c.MediaEnabled() {
		for field, value := range map[string]string{
			"S3_ENDPOINT":   c.S3Endpoint,
			"S3_ACCESS_KEY": c.S3AccessKey,
			"S3_SECRET_KEY": c.S3SecretKey,
			"S3_BUCKET":     c.S3Bucket,
		} {
			if value == "" {
				v.add(field, "required when object storage is configured")
			}
		}
	}

	if len(v.errs) > 0 {
		return v.errs
	}
	return nil
}
