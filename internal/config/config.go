// Package config loads the steamvet.toml service configuration and
// applies environment-variable overrides. The JSON data files
// (config_proxies.json, endpoint_cooldowns.json, profiles_queue.json)
// live in DataDir and are owned by their respective packages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/steamvet/steamvet/internal/cooldown"
)

// Config is the top-level steamvet.toml shape.
type Config struct {
	// ListenAddr is the admission API bind address.
	ListenAddr string `toml:"listen_addr"`

	// DataDir holds the JSON state files.
	DataDir string `toml:"data_dir"`

	// SteamAPIKey authenticates upstream Web API calls.
	SteamAPIKey string `toml:"steam_api_key"`

	// IngestURL and IngestToken configure the downstream submission.
	IngestURL   string `toml:"ingest_url"`
	IngestToken string `toml:"ingest_token"`

	// BackoffSequenceMinutes is the 429 cooldown ladder.
	BackoffSequenceMinutes []int `toml:"backoff_sequence_minutes"`

	// Cooldown windows for the fixed (non-429) categories, in ms.
	CooldownConnectionResetMS int64 `toml:"cooldown_connection_reset_ms"`
	CooldownTimeoutMS         int64 `toml:"cooldown_timeout_ms"`
	CooldownDNSFailureMS      int64 `toml:"cooldown_dns_failure_ms"`
	CooldownSOCKSErrorMS      int64 `toml:"cooldown_socks_error_ms"`
	CooldownPermanentMS       int64 `toml:"cooldown_permanent_ms"`

	// CORSOrigins allowed on the admission API.
	CORSOrigins []string `toml:"cors_origins"`
}

// Default returns the configuration used when steamvet.toml is absent.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8484",
		DataDir:    ".",
	}
}

// Load reads steamvet.toml (path resolution: STEAMVET_CONFIG env, then
// ./steamvet.toml, then defaults) and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("STEAMVET_CONFIG")
	if path == "" {
		if _, err := os.Stat("steamvet.toml"); err == nil {
			path = "steamvet.toml"
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8484"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the file config.
func (c *Config) applyEnv() error {
	if v := os.Getenv("STEAMVET_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("STEAMVET_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("STEAM_API_KEY"); v != "" {
		c.SteamAPIKey = v
	}
	if v := os.Getenv("INGEST_URL"); v != "" {
		c.IngestURL = v
	}
	if v := os.Getenv("INGEST_TOKEN"); v != "" {
		c.IngestToken = v
	}

	if v := os.Getenv("BACKOFF_SEQUENCE_MINUTES"); v != "" {
		seq, err := parseBackoffSequence(v)
		if err != nil {
			return err
		}
		c.BackoffSequenceMinutes = seq
	}

	for _, e := range []struct {
		name   string
		target *int64
	}{
		{"COOLDOWN_CONNECTION_RESET_MS", &c.CooldownConnectionResetMS},
		{"COOLDOWN_TIMEOUT_MS", &c.CooldownTimeoutMS},
		{"COOLDOWN_DNS_FAILURE_MS", &c.CooldownDNSFailureMS},
		{"COOLDOWN_SOCKS_ERROR_MS", &c.CooldownSOCKSErrorMS},
		{"COOLDOWN_PERMANENT_MS", &c.CooldownPermanentMS},
	} {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("%s=%q: must be a positive integer", e.name, v)
		}
		*e.target = ms
	}
	return nil
}

// parseBackoffSequence parses a comma-separated list of positive minutes.
func parseBackoffSequence(v string) ([]int, error) {
	parts := strings.Split(v, ",")
	seq := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("BACKOFF_SEQUENCE_MINUTES entry %q: must be a positive integer", p)
		}
		seq = append(seq, n)
	}
	if len(seq) == 0 {
		return nil, fmt.Errorf("BACKOFF_SEQUENCE_MINUTES is empty")
	}
	return seq, nil
}

// CooldownConfig converts the flat config into the cooldown store's shape.
// Zero-valued fields fall back to the store's defaults.
func (c *Config) CooldownConfig() cooldown.Config {
	durations := make(map[cooldown.Reason]time.Duration)
	set := func(reason cooldown.Reason, ms int64) {
		if ms > 0 {
			durations[reason] = time.Duration(ms) * time.Millisecond
		}
	}
	set(cooldown.ReasonConnReset, c.CooldownConnectionResetMS)
	set(cooldown.ReasonTimeout, c.CooldownTimeoutMS)
	set(cooldown.ReasonDNSFailure, c.CooldownDNSFailureMS)
	set(cooldown.ReasonSOCKSError, c.CooldownSOCKSErrorMS)
	set(cooldown.ReasonPermanent, c.CooldownPermanentMS)

	return cooldown.Config{
		BackoffSequence: c.BackoffSequenceMinutes,
		Durations:       durations,
	}
}
