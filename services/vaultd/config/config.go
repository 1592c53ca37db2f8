package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"nhbvault/crypto"
	"nhbvault/native/vault"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for vaultd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	DatabasePath  string          `yaml:"database" toml:"database"`
	StateDir      string          `yaml:"state_dir" toml:"state_dir"`
	Log           LogConfig       `yaml:"log" toml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Vault         VaultConfig     `yaml:"vault" toml:"vault"`
	Venue         VenueConfig     `yaml:"venue" toml:"venue"`
	Genesis       []GenesisEntry  `yaml:"genesis" toml:"genesis"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// VaultConfig holds the construction parameters of the vault engine.
// Addresses are bech32 strings and amounts are decimal settlement units.
type VaultConfig struct {
	Address               string   `yaml:"address" toml:"address"`
	Operator              string   `yaml:"operator" toml:"operator"`
	OperatorKeystore      string   `yaml:"operator_keystore" toml:"operator_keystore"`
	OperatorPassphraseEnv string   `yaml:"operator_passphrase_env" toml:"operator_passphrase_env"`
	Settlement            string   `yaml:"settlement" toml:"settlement"`
	Native                string   `yaml:"native" toml:"native"`
	WrappedNative         string   `yaml:"wrapped_native" toml:"wrapped_native"`
	Capacity              string   `yaml:"capacity" toml:"capacity"`
	WithdrawLimit         string   `yaml:"withdraw_limit" toml:"withdraw_limit"`
	MinOutput             string   `yaml:"min_output" toml:"min_output"`
	MaxSlippageBps        uint64   `yaml:"max_slippage_bps" toml:"max_slippage_bps"`
	DeadlineWindow        Duration `yaml:"deadline_window" toml:"deadline_window"`
}

// VenueConfig describes the in-process exchange and its seeded pools.
type VenueConfig struct {
	Address string `yaml:"address" toml:"address"`
	Pools   []Pool `yaml:"pools" toml:"pools"`
}

// Pool seeds one constant-product pair. The provider must hold both reserves
// after genesis balances are minted.
type Pool struct {
	Provider string `yaml:"provider" toml:"provider"`
	AssetA   string `yaml:"asset_a" toml:"asset_a"`
	AssetB   string `yaml:"asset_b" toml:"asset_b"`
	ReserveA string `yaml:"reserve_a" toml:"reserve_a"`
	ReserveB string `yaml:"reserve_b" toml:"reserve_b"`
}

// GenesisEntry mints an initial token balance.
type GenesisEntry struct {
	Asset  string `yaml:"asset" toml:"asset"`
	Holder string `yaml:"holder" toml:"holder"`
	Amount string `yaml:"amount" toml:"amount"`
}

// AuthConfig configures bearer token validation. The token subject is the
// caller's bech32 address.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds per-caller request rates on mutating routes.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/vaultd.sqlite"
	}
	if cfg.Vault.Address == "" {
		cfg.Vault.Address = crypto.ModuleAddress("vault").String()
	}
	if cfg.Venue.Address == "" {
		cfg.Venue.Address = crypto.ModuleAddress("amm").String()
	}
	if cfg.Vault.DeadlineWindow.Duration == 0 {
		cfg.Vault.DeadlineWindow.Duration = vault.DefaultDeadlineWindow
	}
	if cfg.Vault.OperatorPassphraseEnv == "" {
		cfg.Vault.OperatorPassphraseEnv = "VAULTD_OPERATOR_PASSPHRASE"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured")
	}
	if strings.TrimSpace(cfg.Vault.Settlement) == "" {
		return fmt.Errorf("vault.settlement must be configured")
	}
	if strings.TrimSpace(cfg.Vault.Operator) == "" && strings.TrimSpace(cfg.Vault.OperatorKeystore) == "" {
		return fmt.Errorf("vault.operator or vault.operator_keystore must be configured")
	}
	if strings.TrimSpace(cfg.Vault.Capacity) == "" || strings.TrimSpace(cfg.Vault.WithdrawLimit) == "" {
		return fmt.Errorf("vault.capacity and vault.withdraw_limit must be configured")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// VaultParams resolves the vault section into engine parameters. The operator
// keystore, when configured, is unlocked with the passphrase held in the
// configured environment variable.
func (c Config) VaultParams() (vault.Params, error) {
	var (
		params vault.Params
		errs   []error
	)
	parse := func(field, raw string, optional bool) crypto.Address {
		if strings.TrimSpace(raw) == "" {
			if !optional {
				errs = append(errs, fmt.Errorf("%s: address required", field))
			}
			return crypto.Address{}
		}
		addr, err := crypto.DecodeAddress(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return addr
	}
	amount := func(field, raw string, optional bool) *big.Int {
		if strings.TrimSpace(raw) == "" && optional {
			return nil
		}
		value, err := vault.ParseAmount(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return value
	}

	params.Vault = parse("vault.address", c.Vault.Address, false)
	params.Settlement = parse("vault.settlement", c.Vault.Settlement, false)
	params.Venue = parse("venue.address", c.Venue.Address, false)
	params.Native = parse("vault.native", c.Vault.Native, true)
	params.WrappedNative = parse("vault.wrapped_native", c.Vault.WrappedNative, true)
	params.Capacity = amount("vault.capacity", c.Vault.Capacity, false)
	params.WithdrawLimit = amount("vault.withdraw_limit", c.Vault.WithdrawLimit, false)
	params.MinOutput = amount("vault.min_output", c.Vault.MinOutput, true)
	params.MaxSlippageBps = c.Vault.MaxSlippageBps
	params.DeadlineWindow = c.Vault.DeadlineWindow.Duration

	if strings.TrimSpace(c.Vault.Operator) != "" {
		params.Operator = parse("vault.operator", c.Vault.Operator, false)
	} else {
		operator, err := crypto.KeystoreAddress(c.Vault.OperatorKeystore, os.Getenv(c.Vault.OperatorPassphraseEnv))
		if err != nil {
			errs = append(errs, fmt.Errorf("vault.operator_keystore: %w", err))
		}
		params.Operator = operator
	}
	if err := errors.Join(errs...); err != nil {
		return vault.Params{}, err
	}
	if err := params.Validate(); err != nil {
		return vault.Params{}, err
	}
	return params, nil
}
