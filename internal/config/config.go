// Package config loads the backend configuration from the process
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every environment-provided option the backend recognises.
type Config struct {
	Host string `env:"HOST"`
	Port int    `env:"PORT,default=5050"`

	// NodeEnv keeps the name deployments already use; AppEnv wins when both are set.
	NodeEnv string `env:"NODE_ENV,default=development"`
	AppEnv  string `env:"APP_ENV"`

	DatabaseURL      string        `env:"DATABASE_URL"`
	DBMaxOpenConns   int           `env:"DB_MAX_OPEN_CONNS,default=10"`
	DBConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT,default=5s"`
	DBMigrate        bool          `env:"DB_MIGRATE,default=true"`

	ClerkSecretKey         string `env:"CLERK_SECRET_KEY"`
	ClerkJWTKey            string `env:"CLERK_JWT_KEY"`
	ClerkAPIURL            string `env:"CLERK_API_URL,default=https://api.clerk.com/v1"`
	ClerkAuthorizedParties string `env:"CLERK_AUTHORIZED_PARTIES"`

	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS"`

	UploadDir          string        `env:"UPLOAD_DIR,default=tmp"`
	UploadMaxFileBytes int64         `env:"UPLOAD_MAX_FILE_BYTES,default=10485760"`
	UploadTimeout      time.Duration `env:"UPLOAD_TIMEOUT,default=5m"`
	JSONBodyLimit      int64         `env:"JSON_BODY_LIMIT,default=102400"`

	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT,default=60s"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT,default=5s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT,default=120s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	SweepSchedule string        `env:"SWEEP_SCHEDULE,default=0 * * * *"`
	SweepMinAge   time.Duration `env:"SWEEP_MIN_AGE,default=0s"`

	StartupPolicy string `env:"STARTUP_POLICY,default=fail-fast"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS,default=0"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST,default=20"`

	LogLevel string `env:"LOG_LEVEL"`

	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Bucket    string `env:"S3_BUCKET"`
}

// Load reads envFile (when it exists) into the environment without
// overriding variables that are already set, then decodes and validates
// the configuration.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if cfg.UploadDir != "" && !filepath.IsAbs(cfg.UploadDir) {
		abs, err := filepath.Abs(cfg.UploadDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve upload dir: %w", err)
		}
		cfg.UploadDir = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Environment returns the effective runtime mode.
func (c *Config) Environment() string {
	if c.AppEnv != "" {
		return c.AppEnv
	}
	return c.NodeEnv
}

// IsProduction reports whether error messages must be hidden from clients.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment(), "production")
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CORSOrigins returns the trusted origin list. Empty means any origin.
func (c *Config) CORSOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

// AuthorizedParties returns the accepted azp claims for session tokens.
func (c *Config) AuthorizedParties() []string {
	return splitList(c.ClerkAuthorizedParties)
}

// MediaEnabled reports whether object storage is configured.
func (c *Config) MediaEnabled() bool {
	return c.S3Endpoint != "" || c.S3Bucket != ""
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
