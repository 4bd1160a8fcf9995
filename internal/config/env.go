package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// ServerConfig defines the HTTP listener and its guard rails.
type ServerConfig struct {
	Host           string
	Port           int
	APIKey         string
	MaxUploadBytes int64
}

// StorageConfig names the two staging areas.
type StorageConfig struct {
	UploadDir string
	OutputDir string
}

// CleanupConfig drives the retention sweeper.
type CleanupConfig struct {
	Enabled      bool
	Interval     time.Duration
	FileExpiry   time.Duration
	RetryDelay   time.Duration
	JobRetention time.Duration
}

// ConverterConfig describes how the external binary is invoked.
type ConverterConfig struct {
	SofficePath     string
	IsolatedProfile bool
	Timeout         time.Duration
	MaxConcurrent   int
}

// RedisConfig selects the Redis-backed job registry when URL is set.
type RedisConfig struct {
	URL string
}

// S3Config enables mirroring of completed PDFs.
type S3Config struct {
	Bucket string
	Prefix string
}

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig
	Axiom     AxiomConfig
	Server    ServerConfig
	Storage   StorageConfig
	Cleanup   CleanupConfig
	Converter ConverterConfig
	Redis     RedisConfig
	S3        S3Config
}

// Addr returns the host:port pair the HTTP server binds to.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port) }

// Load builds the configuration from the environment, falling back to the
// optional YAML overlay named by CONFIG_FILE and then to defaults. Every
// unparsable or out-of-range value is reported in the returned error.
func Load() (Config, error) {
	overlay, err := readOverlay(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return Config{}, err
	}
	return load(overlayLookup(overlay))
}

func load(lookup func(string) string) (Config, error) {
	p := &parser{lookup: lookup}
	cfg := Config{}

	// Logging defaults
	cfg.Logging = LoggingConfig{
		Level:      p.str("LOG_LEVEL", "info"),
		Pretty:     p.boolean("LOG_PRETTY", devDefaultPretty()),
		File:       p.str("LOG_FILE", ""),
		MaxSizeMB:  p.integer("LOG_MAX_SIZE_MB", 100),
		MaxBackups: p.integer("LOG_MAX_BACKUPS", 10),
		MaxAgeDays: p.integer("LOG_MAX_AGE_DAYS", 30),
		Compress:   p.boolean("LOG_COMPRESS", true),
	}

	baseDataset := p.str("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          p.boolean("SEND_LOGS_TO_AXIOM", false),
		APIKey:        p.str("AXIOM_API_KEY", ""),
		OrgID:         p.str("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_docpdf",
		FlushInterval: p.duration("AXIOM_FLUSH_INTERVAL", 10*time.Second),
	}

	cfg.Server = ServerConfig{
		Host:           p.str("HOST", "0.0.0.0"),
		Port:           p.integer("PORT", 8000),
		APIKey:         p.str("API_KEY", "your-api-key-here"),
		MaxUploadBytes: p.scaled("MAX_UPLOAD_MB", 100, 1<<20),
	}

	cfg.Storage = StorageConfig{
		UploadDir: p.str("UPLOAD_DIR", "uploads"),
		OutputDir: p.str("OUTPUT_DIR", "outputs"),
	}

	cfg.Cleanup = CleanupConfig{
		Enabled:      p.boolean("ENABLE_CLEANUP", true),
		Interval:     time.Duration(p.scaled("CLEANUP_INTERVAL_MINUTES", 30, int64(time.Minute))),
		FileExpiry:   time.Duration(p.scaled("FILE_EXPIRE_HOURS", 1, int64(time.Hour))),
		RetryDelay:   p.duration("CLEANUP_RETRY_DELAY", time.Minute),
		JobRetention: time.Duration(p.scaled("JOB_RETENTION_HOURS", 24, int64(time.Hour))),
	}

	cfg.Converter = ConverterConfig{
		SofficePath:     p.str("SOFFICE_PATH", "soffice"),
		IsolatedProfile: p.boolean("SOFFICE_ISOLATED_PROFILE", true),
		Timeout:         time.Duration(p.scaled("CONVERSION_TIMEOUT", 300, int64(time.Second))),
		MaxConcurrent:   p.integer("MAX_CONCURRENT_CONVERSIONS", 0),
	}

	cfg.Redis = RedisConfig{URL: p.str("REDIS_URL", "")}
	cfg.S3 = S3Config{
		Bucket: p.str("S3_BUCKET", ""),
		Prefix: p.str("S3_PREFIX", "converted/"),
	}

	if err := errors.Join(append(p.errs, cfg.Validate())...); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every value that would make the service misbehave at first use.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("invalid max upload size: %d bytes", c.Server.MaxUploadBytes))
	}
	if strings.TrimSpace(c.Storage.UploadDir) == "" || strings.TrimSpace(c.Storage.OutputDir) == "" {
		errs = append(errs, errors.New("upload and output directories must be set"))
	}
	if c.Cleanup.Interval <= 0 {
		errs = append(errs, fmt.Errorf("invalid cleanup interval: %s", c.Cleanup.Interval))
	}
	if c.Cleanup.FileExpiry <= 0 {
		errs = append(errs, fmt.Errorf("invalid file expire hours: %s", c.Cleanup.FileExpiry))
	}
	if c.Cleanup.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("invalid cleanup retry delay: %s", c.Cleanup.RetryDelay))
	}
	if c.Cleanup.JobRetention <= 0 {
		errs = append(errs, fmt.Errorf("invalid job retention: %s", c.Cleanup.JobRetention))
	}
	if c.Converter.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid conversion timeout: %s", c.Converter.Timeout))
	}
	if c.Converter.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("invalid max concurrent conversions: %d", c.Converter.MaxConcurrent))
	}
	if strings.TrimSpace(c.Converter.SofficePath) == "" {
		errs = append(errs, errors.New("converter binary path must be set"))
	}
	return errors.Join(errs...)
}

// readOverlay loads a flat KEY: value YAML document. An empty path means no overlay.
func readOverlay(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func overlayLookup(overlay map[string]string) func(string) string {
	return func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return overlay[key]
	}
}

// parser collects conversion errors instead of silently falling back to defaults.
type parser struct {
	lookup func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.lookup(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	s := strings.TrimSpace(p.lookup(key))
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, s))
		return def
	}
	return n
}

// scaled reads an integer count of unit and returns count*unit, rejecting
// counts whose product would not fit in an int64.
func (p *parser) scaled(key string, def int, unit int64) int64 {
	n := int64(p.integer(key, def))
	if limit := math.MaxInt64 / unit; n > limit || n < -limit {
		p.errs = append(p.errs, fmt.Errorf("%s: %d is out of range", key, n))
		return int64(def) * unit
	}
	return n * unit
}

func (p *parser) boolean(key string, def bool) bool {
	s := strings.ToLower(strings.TrimSpace(p.lookup(key)))
	switch s {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, s))
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	s := strings.TrimSpace(p.lookup(key))
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, s))
		return def
	}
	return d
}

func devDefaultPretty() bool {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return true
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
