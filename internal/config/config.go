package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// defaultProxyAllow admits only loopback URLs; operators extend the list
// through LIVELABS_PROXY_ALLOW.
var defaultProxyAllow = []string{
	`^https?://localhost(:\d+)?(/.*)?$`,
	`^https?://127\.0\.0\.1(:\d+)?(/.*)?$`,
}

// Config holds all livelabsd configuration from environment variables.
type Config struct {
	// Docker connection
	DockerSock string

	// Storage
	DBPath string

	// HTTP
	WebPort int

	// Auth
	JWTSecret string

	// Track catalog
	TracksDir string

	// Embedding proxy
	ProxyAllow []string // full-match URL regexes

	// Script execution
	RunnerTimeout time.Duration

	// App container reconciler
	ReconcileInterval time.Duration

	// Image warmup
	WarmupImages   []string
	WarmupSchedule string // optional cron expression

	// Metrics
	MetricsTextfile string // optional node_exporter textfile path

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DockerSock:        envStr("LIVELABS_DOCKER_SOCK", "/var/run/docker.sock"),
		DBPath:            envStr("LIVELABS_DB_PATH", "/data/livelabs.db"),
		WebPort:           envInt("LIVELABS_WEB_PORT", 8000),
		JWTSecret:         envStr("LIVELABS_JWT_SECRET", ""),
		TracksDir:         envStr("LIVELABS_TRACKS_DIR", ""),
		ProxyAllow:        envList("LIVELABS_PROXY_ALLOW", defaultProxyAllow),
		RunnerTimeout:     envDuration("LIVELABS_RUNNER_TIMEOUT", 300*time.Second),
		ReconcileInterval: envDuration("LIVELABS_RECONCILE_INTERVAL", 60*time.Second),
		WarmupImages:      envList("LIVELABS_WARMUP_IMAGES", nil),
		WarmupSchedule:    envStr("LIVELABS_WARMUP_SCHEDULE", ""),
		MetricsTextfile:   envStr("LIVELABS_METRICS_TEXTFILE", ""),
		LogJSON:           envBool("LIVELABS_LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("LIVELABS_JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret)))
	}
	if c.WebPort < 1 || c.WebPort > 65535 {
		errs = append(errs, fmt.Errorf("LIVELABS_WEB_PORT must be 1-65535, got %d", c.WebPort))
	}
	if c.RunnerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LIVELABS_RUNNER_TIMEOUT must be > 0, got %s", c.RunnerTimeout))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("LIVELABS_RECONCILE_INTERVAL must be > 0, got %s", c.ReconcileInterval))
	}
	for _, pattern := range c.ProxyAllow {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("LIVELABS_PROXY_ALLOW pattern %q: %v", pattern, err))
		}
	}
	if c.WarmupSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.WarmupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("LIVELABS_WARMUP_SCHEDULE %q: %v", c.WarmupSchedule, err))
		}
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envList splits a comma-separated variable into trimmed non-empty entries.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
