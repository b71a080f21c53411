package rifrelay

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the operator-facing configuration of a relay deployment. Big
// integer amounts are YAML strings so operators can write full wei values.
type Config struct {
	Network       string `yaml:"network"`
	ListenAddress string `yaml:"listen_address"`
	NodeEndpoint  string `yaml:"node_endpoint"`
	Version       string `yaml:"version"`

	WorkerKeyHex   string `yaml:"worker_key"`
	ManagerAddress string `yaml:"manager_address"`

	PctRelayFee         uint64 `yaml:"pct_relay_fee"`
	BaseRelayFee        string `yaml:"base_relay_fee"`
	MinGasPrice         string `yaml:"min_gas_price"`
	GasPriceFactorPct   uint64 `yaml:"gas_price_factor_pct"`
	MaxAcceptanceBudget uint64 `yaml:"max_acceptance_budget"`
	RelayNonceGap       uint64 `yaml:"relay_nonce_gap"`

	PingTimeoutMS     int64    `yaml:"ping_timeout_ms"`
	RelayTimeoutMS    int64    `yaml:"relay_timeout_ms"`
	FailureCooldownMS int64    `yaml:"failure_cooldown_ms"`
	RefreshIntervalMS int64    `yaml:"refresh_interval_ms"`
	PreferredRelays   []string `yaml:"preferred_relays"`

	FluentDEnabled bool   `yaml:"fluentd_enabled"`
	FluentDHost    string `yaml:"fluentd_host"`
	UptraceDSN     string `yaml:"uptrace_dsn"`
}

func DefaultConfig() *Config {
	return &Config{
		Network:             "regtest",
		ListenAddress:       "0.0.0.0:8090",
		Version:             "2.0.1+enveloping.go",
		GasPriceFactorPct:   defaultGasPriceFactor,
		MaxAcceptanceBudget: defaultAcceptanceBudget,
		RelayNonceGap:       defaultRelayNonceGap,
		PingTimeoutMS:       defaultPingTimeout.Milliseconds(),
		RelayTimeoutMS:      defaultRelayTimeout.Milliseconds(),
		FailureCooldownMS:   defaultFailureCooldown.Milliseconds(),
		RefreshIntervalMS:   defaultRefreshInterval.Milliseconds(),
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) BaseRelayFeeWei() (*big.Int, error) {
	return c.parseAmount(c.BaseRelayFee)
}

func (c *Config) MinGasPriceWei() (*big.Int, error) {
	return c.parseAmount(c.MinGasPrice)
}

func (c *Config) parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutMS) * time.Millisecond
}

func (c *Config) RelayTimeout() time.Duration {
	return time.Duration(c.RelayTimeoutMS) * time.Millisecond
}

func (c *Config) FailureCooldown() time.Duration {
	return time.Duration(c.FailureCooldownMS) * time.Millisecond
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}
