// Package config loads the POS/settler configuration from YAML with
// CARDPAY_* environment overrides. The master secret is deliberately not a
// config key; it is read from the MASTER_SECRET environment variable only.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	RPCURL   string `mapstructure:"rpc_url"`
	Merchant string `mapstructure:"merchant"`

	Token   Token   `mapstructure:"token"`
	POS     POS     `mapstructure:"pos"`
	Ledger  Ledger  `mapstructure:"ledger"`
	Serial  Serial  `mapstructure:"serial"`
	Log     Log     `mapstructure:"log"`
	Metrics Metrics `mapstructure:"metrics"`
}

type Token struct {
	Address string `mapstructure:"address"`
	// DefaultDecimals is used when the token's decimals() call fails.
	DefaultDecimals int `mapstructure:"default_decimals"`
}

type POS struct {
	// Price in human units, converted with the token's decimals.
	Price string `mapstructure:"price"`
	// CooldownMS is the minimum delay between handled card scans.
	CooldownMS int `mapstructure:"cooldown_ms"`
	// ExpirySec bounds the validity of intents signed at this terminal.
	ExpirySec int `mapstructure:"expiry_sec"`
}

type Ledger struct {
	ReplayPath     string `mapstructure:"replay_path"`
	RevocationPath string `mapstructure:"revocation_path"`
}

type Serial struct {
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
}

type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads the config file at path ("" means ./cardpay.yaml) and applies
// environment overrides. A missing file is fine; defaults and environment
// carry a minimal setup.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("token.default_decimals", 6)
	v.SetDefault("pos.price", "1.0")
	v.SetDefault("pos.cooldown_ms", 1200)
	v.SetDefault("pos.expiry_sec", 3600)
	v.SetDefault("ledger.replay_path", "./used_nonces.json")
	v.SetDefault("ledger.revocation_path", "./revoked_uids.json")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("log.level", "info")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cardpay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CARDPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
