// Package config resolves all runtime configuration once at startup. Handlers
// and nodes receive the resulting Config by injection and never re-read the
// environment on hot paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// Config carries every knob the orchestrator reads, with safe defaults.
	Config struct {
		// DatabaseURL is the sqlite database location. Resolved to an
		// absolute path once; see store.Open.
		DatabaseURL string

		// TradingDisableLive globally refuses LIVE confirmations (default true).
		TradingDisableLive bool
		// EnableLiveTrading must also be set for live execution (default false).
		EnableLiveTrading bool
		// ForcePaperMode downgrades every run to PAPER regardless of request.
		ForcePaperMode bool
		// KillSwitchEnabled blocks all trades globally.
		KillSwitchEnabled bool

		// ExecutionModeDefault is used when a command does not name a mode.
		ExecutionModeDefault string
		// ExecutionTimeout bounds a whole run (default 10m).
		ExecutionTimeout time.Duration
		// ConfirmationTTL bounds how long a pending confirmation is valid.
		ConfirmationTTL time.Duration

		// Policy holds the pre-trade limits; overridable via a YAML file.
		Policy Policy

		// RedisURL enables the optional redis event fanout when non-empty.
		RedisURL string
		// OTLPEndpoint configures the OTLP trace exporter when non-empty.
		OTLPEndpoint string
		// PushoverToken enables failure notifications when non-empty.
		PushoverToken string
		// PushoverUser is the notification recipient key.
		PushoverUser string

		// JWTSecret verifies bearer tokens; empty enables the unsigned dev
		// fallback where claims are read without verification.
		JWTSecret string
		// HTTPAddr is the listen address for the API server.
		HTTPAddr string
	}

	// Policy holds the deterministic pre-trade limits consumed by the policy
	// engine and the risk node.
	Policy struct {
		MaxNotionalPerOrderUSD float64  `yaml:"max_notional_per_order_usd"`
		MinOrderSizeUSD        float64  `yaml:"min_order_size_usd"`
		MaxTradesPerRun        int      `yaml:"max_trades_per_run"`
		SymbolAllowlist        []string `yaml:"symbol_allowlist"`
		MinCitationsRequired   int      `yaml:"min_citations_required"`
		LiveMaxNotionalUSD     float64  `yaml:"live_max_notional_usd"`
		LiveTradingAllowed     bool     `yaml:"live_trading_allowed"`
	}
)

// Load reads .env when present, then the process environment, then the
// optional POLICY_CONFIG_FILE YAML overlay.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL:          getenv("DATABASE_URL", "tradeloop.db"),
		TradingDisableLive:   getbool("TRADING_DISABLE_LIVE", true),
		EnableLiveTrading:    getbool("ENABLE_LIVE_TRADING", false),
		ForcePaperMode:       getbool("FORCE_PAPER_MODE", false),
		KillSwitchEnabled:    getbool("KILL_SWITCH_ENABLED", false),
		ExecutionModeDefault: getenv("EXECUTION_MODE_DEFAULT", "PAPER"),
		ExecutionTimeout:     time.Duration(getint("EXECUTION_TIMEOUT_SECONDS", 600)) * time.Second,
		ConfirmationTTL:      time.Duration(getint("CONFIRMATION_TTL_SECONDS", 300)) * time.Second,
		Policy: Policy{
			MaxNotionalPerOrderUSD: getfloat("MAX_NOTIONAL_PER_ORDER_USD", 100),
			MinOrderSizeUSD:        getfloat("MIN_ORDER_SIZE_USD", 1),
			MaxTradesPerRun:        getint("MAX_TRADES_PER_RUN", 1),
			SymbolAllowlist:        getlist("SYMBOL_ALLOWLIST", []string{"BTC-USD", "ETH-USD", "SOL-USD"}),
			MinCitationsRequired:   getint("MIN_CITATIONS_REQUIRED", 0),
			LiveMaxNotionalUSD:     getfloat("LIVE_MAX_NOTIONAL_USD", 25),
			LiveTradingAllowed:     getbool("LIVE_TRADING_ALLOWED", false),
		},
		RedisURL:      os.Getenv("REDIS_URL"),
		OTLPEndpoint:  os.Getenv("OTLP_ENDPOINT"),
		PushoverToken: os.Getenv("PUSHOVER_TOKEN"),
		PushoverUser:  os.Getenv("PUSHOVER_USER"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
	}

	if path := os.Getenv("POLICY_CONFIG_FILE"); path != "" {
		if err := cfg.Policy.overlay(path); err != nil {
			return Config{}, fmt.Errorf("load policy config: %w", err)
		}
	}
	abs, err := filepath.Abs(cfg.DatabaseURL)
	if err != nil {
		return Config{}, fmt.Errorf("resolve database path: %w", err)
	}
	cfg.DatabaseURL = abs
	return cfg, nil
}

// LiveAllowed reports whether a LIVE confirmation may proceed.
func (c Config) LiveAllowed() bool {
	return !c.TradingDisableLive && c.EnableLiveTrading
}

func (p *Policy) overlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file Policy
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return err
	}
	if file.MaxNotionalPerOrderUSD > 0 {
		p.MaxNotionalPerOrderUSD = file.MaxNotionalPerOrderUSD
	}
	if file.MinOrderSizeUSD > 0 {
		p.MinOrderSizeUSD = file.MinOrderSizeUSD
	}
	if file.MaxTradesPerRun > 0 {
		p.MaxTradesPerRun = file.MaxTradesPerRun
	}
	if len(file.SymbolAllowlist) > 0 {
		p.SymbolAllowlist = file.SymbolAllowlist
	}
	if file.MinCitationsRequired > 0 {
		p.MinCitationsRequired = file.MinCitationsRequired
	}
	if file.LiveMaxNotionalUSD > 0 {
		p.LiveMaxNotionalUSD = file.LiveMaxNotionalUSD
	}
	if file.LiveTradingAllowed {
		p.LiveTradingAllowed = true
	}
	return nil
}

// Allowlisted reports whether symbol is in the configured allowlist.
func (p Policy) Allowlisted(symbol string) bool {
	for _, s := range p.SymbolAllowlist {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getbool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getfloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getlist(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
