package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from filePath (YAML), overlays any RUNCAT_
// environment variables (e.g. RUNCAT_STORE_URI overrides store_uri), and
// validates the result. filePath may be empty, in which case only
// environment variables and defaults apply.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RUNCAT")
	v.AutomaticEnv()

	applyDefaults(v)

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", filePath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	defaults := New("runcat")
	v.SetDefault("name", defaults.Name)
	v.SetDefault("store_uri", defaults.StoreURI)
	v.SetDefault("database", defaults.Database)
	v.SetDefault("cache.ttl_complete", defaults.Cache.TTLComplete)
	v.SetDefault("cache.ttl_partial", defaults.Cache.TTLPartial)
	v.SetDefault("cache.size", defaults.Cache.Size)
	v.SetDefault("chunking.byte_limit", defaults.Chunking.ByteLimit)
	v.SetDefault("observability.log_level", defaults.Observability.LogLevel)
}

// Save writes cfg to filePath as YAML, for recording the effective
// configuration a catalog process started with.
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("write config file %s: %w", filePath, err)
	}
	return nil
}
