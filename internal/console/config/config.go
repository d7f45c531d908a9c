// Package config loads console.toml (spec.md §6, "Configuration").
// Grounded on armadaproject-armada/internal/common's viper-unmarshal
// pattern and the teacher's CLI-flag mains, adapted to a single TOML
// file rather than a directory of YAML fragments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type EncryptConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Config mirrors the recognized keys in spec.md §6 exactly.
type Config struct {
	Debug       bool          `mapstructure:"debug"`
	BindAddr    string        `mapstructure:"bind_addr"`
	APIURL      string        `mapstructure:"api_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CometSecret string        `mapstructure:"comet_secret"`
	DatabaseURL string        `mapstructure:"database_url"`
	Encrypt     EncryptConfig `mapstructure:"encrypt"`
	Admin       AdminConfig   `mapstructure:"admin"`
}

// Default matches the CLI surface's default config path,
// ~/.jiascheduler/console.toml (spec.md §6).
const DefaultPath = "~/.jiascheduler/console.toml"

// Load reads path (TOML) into a Config. Missing optional keys are left
// zero-valued; callers validate what they need (bind_addr, database_url
// are required at startup and missing values are a config_invalid
// error, spec.md §7).
func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config_invalid: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config_invalid: %w", err)
	}
	return &cfg, nil
}
