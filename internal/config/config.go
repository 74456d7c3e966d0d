// Package config assembles the job's settings from three layers: compiled-in
// defaults, an optional YAML file, and environment variable overrides.
// Secrets (the remote auth token) come from the environment only.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database    Database `yaml:"database"`
	API         API      `yaml:"api"`
	Fetch       Fetch    `yaml:"fetch"`
	MetricsAddr string   `yaml:"metrics_addr"`

	// IncludeHistory enables the per-type history stage by default; the
	// binary's -history flag can still force it on for one run.
	IncludeHistory bool `yaml:"include_history"`
}

type Database struct {
	LocalPath      string        `yaml:"local_path"`
	RemoteURL      string        `yaml:"remote_url"`
	AuthToken      string        `yaml:"-"`
	WatermarkTable string        `yaml:"watermark_table"`
	MaxAge         time.Duration `yaml:"max_age"`
}

type API struct {
	BaseURL     string `yaml:"base_url"`
	RegionID    int64  `yaml:"region_id"`
	StructureID int64  `yaml:"structure_id"`
	UserAgent   string `yaml:"user_agent"`
}

type Fetch struct {
	RatePermits     int           `yaml:"rate_permits"`
	RateInterval    time.Duration `yaml:"rate_interval"`
	MaxInFlight     int           `yaml:"max_in_flight"`
	RetryBudget     time.Duration `yaml:"retry_budget"`
	PageRetryDelay  time.Duration `yaml:"page_retry_delay"`
	PageMaxFailures int           `yaml:"page_max_failures"`
}

func Default() Config {
	return Config{
		Database: Database{
			LocalPath:      "wcmktnorth.db",
			WatermarkTable: "marketstats",
			MaxAge:         2 * time.Hour,
		},
		API: API{
			BaseURL:     "https://esi.evetech.net",
			RegionID:    10000003,
			StructureID: 1035466617946,
			UserAgent:   "mkts-north/1.0 (orthel.toralen@gmail.com)",
		},
		Fetch: Fetch{
			RatePermits:     300,
			RateInterval:    time.Minute,
			MaxInFlight:     50,
			RetryBudget:     180 * time.Second,
			PageRetryDelay:  time.Second,
			PageMaxFailures: 3,
		},
	}
}

// Load returns defaults overlaid with the YAML file at path (when non-empty)
// and then with environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.LocalPath = envString("MKTS_DB_PATH", c.Database.LocalPath)
	c.Database.RemoteURL = envString("MKTS_DB_URL", c.Database.RemoteURL)
	c.Database.AuthToken = envString("MKTS_DB_TOKEN", c.Database.AuthToken)
	c.Database.WatermarkTable = envString("MKTS_WATERMARK_TABLE", c.Database.WatermarkTable)

	c.API.BaseURL = envString("MKTS_API_BASE_URL", c.API.BaseURL)
	c.API.RegionID = envInt64("MKTS_REGION_ID", c.API.RegionID)
	c.API.StructureID = envInt64("MKTS_STRUCTURE_ID", c.API.StructureID)
	c.API.UserAgent = envString("MKTS_USER_AGENT", c.API.UserAgent)

	c.Fetch.RatePermits = envInt("MKTS_RATE_PERMITS", c.Fetch.RatePermits)
	c.Fetch.MaxInFlight = envInt("MKTS_MAX_IN_FLIGHT", c.Fetch.MaxInFlight)

	c.MetricsAddr = envString("MKTS_METRICS_ADDR", c.MetricsAddr)
	c.IncludeHistory = envBool("MKTS_INCLUDE_HISTORY", c.IncludeHistory)
}

func (c Config) Validate() error {
	if c.Database.LocalPath == "" {
		return fmt.Errorf("config: database.local_path is required")
	}
	if !strings.HasPrefix(c.API.BaseURL, "http") {
		return fmt.Errorf("config: api.base_url %q is not a URL", c.API.BaseURL)
	}
	if c.Fetch.RatePermits <= 0 {
		return fmt.Errorf("config: fetch.rate_permits must be positive")
	}
	if c.Fetch.RateInterval <= 0 {
		return fmt.Errorf("config: fetch.rate_interval must be positive")
	}
	if c.Fetch.MaxInFlight <= 0 {
		return fmt.Errorf("config: fetch.max_in_flight must be positive")
	}
	return nil
}

// OrdersURL is the paginated structure-market collection endpoint.
func (a API) OrdersURL() string {
	return fmt.Sprintf("%s/markets/structures/%d", strings.TrimRight(a.BaseURL, "/"), a.StructureID)
}

// HistoryURL is the per-type history endpoint for one watchlist key.
func (a API) HistoryURL(typeID int64) string {
	return fmt.Sprintf("%s/markets/%d/history?type_id=%d", strings.TrimRight(a.BaseURL, "/"), a.RegionID, typeID)
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}
