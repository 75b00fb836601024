// Package config loads the crawler's environment-based configuration
// contract: typed defaults overridden by .env files and then by the process
// environment, using the same "env" struct-tag + reflection pattern and
// .env-file priority order used elsewhere in the pack.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode is the crawler's top-level operating mode.
type Mode string

const (
	ModeCrawl    Mode = "CRAWL"
	ModeBaseline Mode = "BASELINE"
	ModeCompare  Mode = "COMPARE"
)

// Config is the full environment-driven configuration contract from §6.
type Config struct {
	CrawlMode Mode `env:"CRAWL_MODE"`

	MinWorkers       int `env:"MIN_WORKERS"`
	MaxWorkers       int `env:"MAX_WORKERS"`
	MaxParallelSites int `env:"MAX_PARALLEL_SITES"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT"`
	CrawlDelay     time.Duration `env:"CRAWL_DELAY"`

	JSGotoTimeout    time.Duration `env:"JS_GOTO_TIMEOUT"`
	JSWaitTimeout    time.Duration `env:"JS_WAIT_TIMEOUT"`
	JSStabilityTime  time.Duration `env:"JS_STABILITY_TIME"`
	RenderPoolSize   int           `env:"RENDER_POOL_SIZE"`
	RenderCacheSize  int           `env:"RENDER_CACHE_SIZE"`
	RenderCacheTTL   time.Duration `env:"RENDER_CACHE_TTL"`

	DBDSN       string        `env:"DB_DSN"`
	DBPoolSize  int           `env:"DB_POOL_SIZE"`
	DBSemaphore time.Duration `env:"DB_SEMAPHORE"`

	UserAgent     string `env:"USER_AGENT"`
	LogLevel      string `env:"LOG_LEVEL"`
	NormVersion   string `env:"NORM_VERSION"`
	SnapshotsRoot string `env:"SNAPSHOTS_ROOT"`
}

// setDefaults applies every default named in the configuration contract.
func (c *Config) setDefaults() {
	if c.CrawlMode == "" {
		c.CrawlMode = ModeCrawl
	}
	if c.MinWorkers == 0 {
		c.MinWorkers = 5
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 50
	}
	if c.MaxParallelSites == 0 {
		c.MaxParallelSites = 3
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.CrawlDelay == 0 {
		c.CrawlDelay = time.Second
	}
	if c.JSGotoTimeout == 0 {
		c.JSGotoTimeout = 30 * time.Second
	}
	if c.JSWaitTimeout == 0 {
		c.JSWaitTimeout = 8 * time.Second
	}
	if c.JSStabilityTime == 0 {
		c.JSStabilityTime = 5 * time.Second
	}
	if c.RenderPoolSize == 0 {
		c.RenderPoolSize = 4
	}
	if c.RenderCacheSize == 0 {
		c.RenderCacheSize = 2000
	}
	if c.RenderCacheTTL == 0 {
		c.RenderCacheTTL = time.Hour
	}
	if c.DBPoolSize == 0 {
		c.DBPoolSize = 32
	}
	if c.DBSemaphore == 0 {
		c.DBSemaphore = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "DefaceWatch/1.0"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.NormVersion == "" {
		c.NormVersion = "v1.2"
	}
	if c.SnapshotsRoot == "" {
		c.SnapshotsRoot = "baselines"
	}
}

// Validate rejects combinations the rest of the system cannot run with,
// mapped to the CLI's exit code 2 (configuration error).
func (c *Config) Validate() error {
	switch c.CrawlMode {
	case ModeCrawl, ModeBaseline, ModeCompare:
	default:
		return fmt.Errorf("config: invalid CRAWL_MODE %q", c.CrawlMode)
	}
	if c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("config: MIN_WORKERS (%d) > MAX_WORKERS (%d)", c.MinWorkers, c.MaxWorkers)
	}
	if c.DBPoolSize > 32 {
		return fmt.Errorf("config: DB_POOL_SIZE (%d) exceeds maximum of 32", c.DBPoolSize)
	}
	return nil
}

// loadEnvFiles loads .env.local (if present, overriding .env) then .env,
// ignoring missing-file errors. ENV_FILE, if set, loads exclusively.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env.local: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load builds a Config from defaults, then .env files, then the process
// environment (which always wins), and validates the result.
func Load() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.setDefaults()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg any) {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	applyEnvToStruct(v)
}

func applyEnvToStruct(v reflect.Value) {
	if v.Kind() != reflect.Struct {
		return
	}
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envVal := os.Getenv(envTag)
		if envVal == "" {
			continue
		}
		setFieldFromString(field, envVal)
	}
}

func setFieldFromString(field reflect.Value, val string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := parseDurationOrSeconds(val); err == nil {
				field.SetInt(int64(d))
			}
			return
		}
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			field.SetInt(i)
		}
	case reflect.Bool:
		field.SetBool(parseBool(val))
	}
}

// parseDurationOrSeconds accepts both Go duration strings ("20s") and bare
// numbers, interpreted as seconds, since the configuration contract states
// timeouts in plain seconds (e.g. REQUEST_TIMEOUT default "20 s").
func parseDurationOrSeconds(val string) (time.Duration, error) {
	if d, err := time.ParseDuration(val); err == nil {
		return d, nil
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("config: cannot parse duration %q", val)
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}
