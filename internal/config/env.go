package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "RELAYNET_"

// envBinding maps one RELAYNET_* variable onto a field.
type envBinding struct {
	name string
	set  func(c *Config, v string) bool
}

func str(field func(*Config) *string) func(*Config, string) bool {
	return func(c *Config, v string) bool { *field(c) = v; return true }
}

func list(field func(*Config) *[]string) func(*Config, string) bool {
	return func(c *Config, v string) bool {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*field(c) = out
		return true
	}
}

func dur(field func(*Config) *time.Duration) func(*Config, string) bool {
	return func(c *Config, v string) bool {
		d, err := time.ParseDuration(v)
		if err != nil {
			return false
		}
		*field(c) = d
		return true
	}
}

func num(field func(*Config) *int) func(*Config, string) bool {
	return func(c *Config, v string) bool {
		n, err := strconv.Atoi(v)
		if err != nil {
			return false
		}
		*field(c) = n
		return true
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) bool {
	return func(c *Config, v string) bool {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false
		}
		*field(c) = b
		return true
	}
}

var envBindings = []envBinding{
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"HTTP_ADDR", str(func(c *Config) *string { return &c.HTTP.Addr })},
	{"HTTP_MAX_BODY_SIZE", str(func(c *Config) *string { return &c.HTTP.MaxBodySize })},
	{"HTTP_RATE_RPS", func(c *Config, v string) bool {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return false
		}
		c.HTTP.RateLimit.RPS = f
		return true
	}},
	{"HTTP_RATE_BURST", num(func(c *Config) *int { return &c.HTTP.RateLimit.Burst })},
	{"JWT_SECRET", str(func(c *Config) *string { return &c.Auth.JWTSecret })},
	{"SERVICE_TOKEN", str(func(c *Config) *string { return &c.Auth.ServiceToken })},
	{"ORACLE_URL", str(func(c *Config) *string { return &c.Oracle.URL })},
	{"ORACLE_API_KEY", str(func(c *Config) *string { return &c.Oracle.APIKey })},
	{"ORACLE_FAIL_CLOSED", boolean(func(c *Config) *bool { return &c.Oracle.FailClosed })},
	{"SYNC_INTERVAL", dur(func(c *Config) *time.Duration { return &c.Sync.Interval })},
	{"SYNC_CRON", str(func(c *Config) *string { return &c.Sync.Cron })},
	{"HUB_NODE_ID", str(func(c *Config) *string { return &c.Hub.NodeID })},
	{"HUB_DATA_DIR", str(func(c *Config) *string { return &c.Hub.DataDir })},
	{"HUB_PEERS", list(func(c *Config) *[]string { return &c.Hub.Peers })},
	{"PDS_DID", str(func(c *Config) *string { return &c.PDS.DID })},
	{"PDS_PUBLIC_URL", str(func(c *Config) *string { return &c.PDS.PublicURL })},
	{"PDS_DB_PATH", str(func(c *Config) *string { return &c.PDS.DBPath })},
	{"PDS_PEERS", list(func(c *Config) *[]string { return &c.PDS.Peers })},
	{"GATEWAY_DB_PATH", str(func(c *Config) *string { return &c.Gateway.DBPath })},
	{"GATEWAY_HUBS", list(func(c *Config) *[]string { return &c.Gateway.Hubs })},
	{"GATEWAY_PDS", list(func(c *Config) *[]string { return &c.Gateway.PDS })},
	{"PAYMENT_FACILITATOR_URL", str(func(c *Config) *string { return &c.Gateway.Payment.FacilitatorURL })},
	{"PAYMENT_API_KEY", str(func(c *Config) *string { return &c.Gateway.Payment.APIKey })},
	{"PAYMENT_PAY_TO", str(func(c *Config) *string { return &c.Gateway.Payment.PayTo })},
	{"PAYMENT_ASSET", str(func(c *Config) *string { return &c.Gateway.Payment.Asset })},
	{"PAYMENT_PRICE", str(func(c *Config) *string { return &c.Gateway.Payment.Price })},
}

// applyEnv applies every set RELAYNET_* variable and returns how many took effect.
// Unparseable values are ignored, leaving the file or default value in place.
func applyEnv(c *Config) int {
	n := 0
	for _, b := range envBindings {
		v, ok := os.LookupEnv(envPrefix + b.name)
		if !ok {
			continue
		}
		if b.set(c, strings.TrimSpace(v)) {
			n++
		}
	}
	return n
}
