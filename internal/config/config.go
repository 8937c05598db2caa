// Package config loads the settings for all three relaynet services.
//
// PRECEDENCE (later wins):
//
//	defaults → YAML file (--config) → .env file → RELAYNET_* environment variables
//
// One file can hold the hub, pds and gateway sections side by side; each subcommand
// reads the shared sections plus its own.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/rs/xid"
	"gopkg.in/yaml.v3"
)

// Role names a service; Validate checks the sections a role needs.
type Role string

const (
	RoleHub     Role = "hub"
	RolePDS     Role = "pds"
	RoleGateway Role = "gateway"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
	Auth    AuthConfig    `yaml:"auth"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Sync    SyncConfig    `yaml:"sync"`
	Cache   CacheConfig   `yaml:"cache"`
	Hub     HubConfig     `yaml:"hub"`
	PDS     PDSConfig     `yaml:"pds"`
	Gateway GatewayConfig `yaml:"gateway"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	MaxBodySize     string        `yaml:"max_body_size"` // human readable, e.g. "1MB"
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	// MaxBodyBytes is MaxBodySize parsed by Load.
	MaxBodyBytes int64 `yaml:"-"`
}

type AuthConfig struct {
	// JWTSecret signs PDS sessions. The Gateway uses the same secret to recognise
	// signed-in viewers, so every service in a deployment must share it.
	JWTSecret string `yaml:"jwt_secret"`
	// ServiceToken authenticates Gateway → PDS writes and PDS ↔ PDS replication.
	ServiceToken string `yaml:"service_token"`
	BcryptCost   int    `yaml:"bcrypt_cost"`
}

type OracleConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// FailClosed rejects every message when no oracle URL is configured.
	FailClosed bool `yaml:"fail_closed"`
}

type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	Cron     string        `yaml:"cron"` // overrides Interval when set
	Batch    int           `yaml:"batch"`
	Lookback time.Duration `yaml:"lookback"`
}

type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"` // Hub message cache
}

type HubConfig struct {
	NodeID  string   `yaml:"node_id"`
	DataDir string   `yaml:"data_dir"`
	Peers   []string `yaml:"peers"` // ws:// or http:// base URLs of other Hubs
}

type PDSConfig struct {
	DID         string   `yaml:"did"`
	PublicURL   string   `yaml:"public_url"` // how peers and the Gateway reach this PDS
	DBPath      string   `yaml:"db_path"`
	UserDomains []string `yaml:"user_domains"`
	Peers       []string `yaml:"peers"`
}

type GatewayConfig struct {
	DBPath          string        `yaml:"db_path"`
	Hubs            []string      `yaml:"hubs"`
	PDS             []string      `yaml:"pds"` // first entry hosts new accounts
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	Payment         PaymentConfig `yaml:"payment"`
}

// PaymentConfig enables the x402 gate when FacilitatorURL is set.
type PaymentConfig struct {
	FacilitatorURL string        `yaml:"facilitator_url"`
	APIKey         string        `yaml:"api_key"`
	Network        string        `yaml:"network"`
	Asset          string        `yaml:"asset"`
	PayTo          string        `yaml:"pay_to"`
	Price          string        `yaml:"price"`
	Description    string        `yaml:"description"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Default returns a config that runs every service locally.
func Default() *Config {
	cfg := &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			MaxBodySize:     "1MB",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth:   AuthConfig{BcryptCost: 12},
		Oracle: OracleConfig{Timeout: 5 * time.Second},
		Sync: SyncConfig{
			Interval: 5 * time.Minute,
			Batch:    200,
			Lookback: time.Minute,
		},
		Cache: CacheConfig{MaxEntries: 10000, TTL: 10 * time.Minute},
		Hub: HubConfig{
			NodeID:  "hub-" + xid.New().String(),
			DataDir: "./data/hub",
		},
		PDS: PDSConfig{
			DID:       "did:web:localhost",
			PublicURL: "http://localhost:8080",
			DBPath:    "./data/pds.db",
		},
		Gateway: GatewayConfig{
			DBPath:          "./data/gateway.db",
			UpstreamTimeout: 5 * time.Second,
			Payment: PaymentConfig{
				Network:     "base-sepolia",
				Price:       "1000",
				Description: "relaynet gateway request",
				Timeout:     60 * time.Second,
			},
		},
	}
	cfg.HTTP.RateLimit.RPS = 20
	cfg.HTTP.RateLimit.Burst = 40
	return cfg
}

// Load builds the effective config. path may be empty (defaults and environment only);
// a named file that does not exist is an error. A missing .env file is not.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}
	if n := applyEnv(cfg); n > 0 && logger != nil {
		logger.Debug("environment overrides applied", slog.Int("count", n))
	}

	size, err := humanize.ParseBytes(cfg.HTTP.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("config: http.max_body_size %q: %w", cfg.HTTP.MaxBodySize, err)
	}
	cfg.HTTP.MaxBodyBytes = int64(size)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks the shared sections plus those role needs. Errors are fatal at startup.
func (c *Config) Validate(role Role) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.HTTP.Addr != "", "http.addr is required")
	check(c.HTTP.MaxBodyBytes > 0, "http.max_body_size must be positive")
	check(c.HTTP.RateLimit.RPS >= 0, "http.rate_limit.rps cannot be negative")
	check(c.Sync.Cron == "" || gronx.IsValid(c.Sync.Cron), "sync.cron %q is not a valid cron expression", c.Sync.Cron)
	check(c.Sync.Interval > 0 || c.Sync.Cron != "", "sync.interval must be positive")
	check(c.Cache.MaxEntries > 0, "cache.max_entries must be positive")
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	switch role {
	case RoleHub:
		check(c.Hub.NodeID != "", "hub.node_id is required")
		check(c.Hub.DataDir != "", "hub.data_dir is required")
	case RolePDS:
		check(len(c.Auth.JWTSecret) >= 16, "auth.jwt_secret must be at least 16 characters")
		check(strings.HasPrefix(c.PDS.DID, "did:"), "pds.did must be a DID, got %q", c.PDS.DID)
		check(c.PDS.PublicURL != "", "pds.public_url is required")
		check(c.PDS.DBPath != "", "pds.db_path is required")
		check(len(c.PDS.Peers) == 0 || c.Auth.ServiceToken != "", "auth.service_token is required when pds.peers are configured")
	case RoleGateway:
		check(c.Gateway.DBPath != "", "gateway.db_path is required")
		check(len(c.Gateway.PDS) > 0, "gateway.pds needs at least one PDS endpoint")
		check(c.Auth.JWTSecret == "" || len(c.Auth.JWTSecret) >= 16, "auth.jwt_secret must be at least 16 characters")
		p := c.Gateway.Payment
		check(p.FacilitatorURL == "" || (p.PayTo != "" && p.Asset != ""),
			"gateway.payment.pay_to and asset are required when a facilitator is configured")
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", role))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a config level name to slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
	}
	return l, nil
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
