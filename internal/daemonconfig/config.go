// Package daemonconfig loads the controller's own bootstrap settings: log
// level, scan cadence, optional HTTP status endpoint address. This is
// distinct from the persisted per-port configuration in internal/persistence
// — that one is the user's port/station state, this one is how the daemon
// itself behaves. viper is an out-of-pack pick for the layered file+env+
// default resolution this needs.
package daemonconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the daemon's own bootstrap settings.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger"`
	Scanner     ScannerConfig     `mapstructure:"scanner"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig controls at-rest protection of the persisted port
// config file. Passphrase is read from AOBA_PERSISTENCE_PASSPHRASE by
// AutomaticEnv, never written to aoba.yaml, so it doesn't end up checked
// into the same place as the config it protects.
type PersistenceConfig struct {
	Passphrase string `mapstructure:"passphrase"`
}

// LoggerConfig configures the zap/lumberjack-backed logger in internal/applog.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ScannerConfig controls the background port-enumeration cadence.
type ScannerConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// Interval returns the scan interval as a time.Duration.
func (s ScannerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// HTTPConfig controls the optional read-only status endpoint.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"` // used when --http-addr is not given; empty disables the endpoint
}

// Load reads configPath if non-empty, otherwise the first aoba.yaml found in
// ./ or $HOME/.aoba/, then environment variables prefixed AOBA_ (a key's dots
// become underscores), layered over defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("aoba")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("daemonconfig: read config: %w", err)
		}
	}

	v.SetEnvPrefix("AOBA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("daemonconfig: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.dir", "./logs")
	v.SetDefault("logger.max_size_mb", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 7)
	v.SetDefault("logger.compress", true)

	v.SetDefault("scanner.interval_seconds", 30)

	v.SetDefault("http.addr", "")

	v.SetDefault("persistence.passphrase", "")
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".aoba")
}
