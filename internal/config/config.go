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
	HTTPAddr string `yaml:"http_addr"`

	// DB
	Env    string `yaml:"env"`     // "dev" | "prod"
	DBPath string `yaml:"db_path"` // e.g. "./data/hotelkeys.db"

	// Bridge as seen by the controller.
	BridgeURL string `yaml:"bridge_url"`

	// Bridge process.
	BridgeAddr       string `yaml:"bridge_addr"`
	BridgeHealthAddr string `yaml:"bridge_health_addr"` // gRPC health; empty disables
	ReaderName       string `yaml:"reader_name"`        // empty picks the first device

	Facility string `yaml:"facility"`
	Timezone string `yaml:"timezone"`

	DetectTimeout     time.Duration `yaml:"detect_timeout"`
	CardTimeout       time.Duration `yaml:"card_timeout"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	WaitingDelay      time.Duration `yaml:"waiting_delay"`
	BetweenCardsDelay time.Duration `yaml:"between_cards_delay"`

	AgentPollInterval time.Duration `yaml:"agent_poll_interval"` // 0 = probe on demand
	StaleIssueAge     time.Duration `yaml:"stale_issue_age"`     // 0 = never reap
}

func Defaults() Config {
	return Config{
		HTTPAddr:          ":8080",
		Env:               "dev",
		DBPath:            "./data/hotelkeys.db",
		BridgeURL:         "http://127.0.0.1:3001",
		BridgeAddr:        "127.0.0.1:3001",
		Timezone:          "UTC",
		DetectTimeout:     5 * time.Second,
		CardTimeout:       30 * time.Second,
		RunTimeout:        5 * time.Minute,
		WaitingDelay:      500 * time.Millisecond,
		BetweenCardsDelay: 1 * time.Second,
		AgentPollInterval: 15 * time.Second,
		StaleIssueAge:     15 * time.Minute,
	}
}

// Load builds the config from defaults, then the YAML file at path (if
// any), then HOTELKEYS_* environment variables.  An empty path falls back
// to HOTELKEYS_CONFIG.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("HOTELKEYS_CONFIG"))
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// FromEnv is Load without a file.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenvDefault("HOTELKEYS_HTTP_ADDR", cfg.HTTPAddr)

	cfg.Env = strings.ToLower(getenvDefault("HOTELKEYS_ENV", cfg.Env))
	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}

	cfg.DBPath = getenvDefault("HOTELKEYS_DB_PATH", cfg.DBPath)
	cfg.BridgeURL = getenvDefault("HOTELKEYS_BRIDGE_URL", cfg.BridgeURL)
	cfg.BridgeAddr = getenvDefault("HOTELKEYS_BRIDGE_ADDR", cfg.BridgeAddr)
	cfg.BridgeHealthAddr = getenvDefault("HOTELKEYS_BRIDGE_HEALTH_ADDR", cfg.BridgeHealthAddr)
	cfg.ReaderName = getenvDefault("HOTELKEYS_READER_NAME", cfg.ReaderName)
	cfg.Facility = getenvDefault("HOTELKEYS_FACILITY", cfg.Facility)
	cfg.Timezone = getenvDefault("HOTELKEYS_TIMEZONE", cfg.Timezone)

	cfg.DetectTimeout = getenvDuration("HOTELKEYS_DETECT_TIMEOUT", cfg.DetectTimeout)
	cfg.CardTimeout = getenvDuration("HOTELKEYS_CARD_TIMEOUT", cfg.CardTimeout)
	cfg.RunTimeout = getenvDuration("HOTELKEYS_RUN_TIMEOUT", cfg.RunTimeout)
	cfg.WaitingDelay = getenvDuration("HOTELKEYS_WAITING_DELAY", cfg.WaitingDelay)
	cfg.BetweenCardsDelay = getenvDuration("HOTELKEYS_BETWEEN_CARDS_DELAY", cfg.BetweenCardsDelay)
	cfg.AgentPollInterval = getenvDuration("HOTELKEYS_AGENT_POLL_INTERVAL", cfg.AgentPollInterval)
	cfg.StaleIssueAge = getenvDuration("HOTELKEYS_STALE_ISSUE_AGE", cfg.StaleIssueAge)
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// getenvDuration accepts Go durations ("90s") or bare seconds ("90").
func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
