// Package config loads mnoded's daemon configuration: a config.yaml file
// read through viper, with environment-variable overrides and hot-reload
// on file change (the same pattern the CLI teacher uses for its own
// config.yaml, adapted here for a catalog daemon instead of an issue
// tracker).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is mnoded's full startup configuration.
type Config struct {
	DataDir       string `mapstructure:"data-dir" yaml:"data-dir"`
	SocketPath    string `mapstructure:"socket-path" yaml:"socket-path"`
	PublicIP      string `mapstructure:"public-ip" yaml:"public-ip"`
	MaxWorkers    int64  `mapstructure:"max-workers" yaml:"max-workers"`
	CatalogEngine string `mapstructure:"catalog-engine" yaml:"catalog-engine"` // "sqlite" or "memory"
}

// Default returns the configuration used when no config.yaml is present.
func Default() *Config {
	return &Config{
		DataDir:       "./mnode-data",
		SocketPath:    "/tmp/mnoded.sock",
		PublicIP:      "127.0.0.1",
		MaxWorkers:    8,
		CatalogEngine: "sqlite",
	}
}

// Load reads config.yaml from dir (if present), overlays MNODE_-prefixed
// environment variables, and returns the merged Config. A missing file is
// not an error: Load falls back to Default() and env overrides alone.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("MNODE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	def := Default()
	v.SetDefault("data-dir", def.DataDir)
	v.SetDefault("socket-path", def.SocketPath)
	v.SetDefault("public-ip", def.PublicIP)
	v.SetDefault("max-workers", def.MaxWorkers)
	v.SetDefault("catalog-engine", def.CatalogEngine)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s/config.yaml: %w", dir, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// WatchReload re-invokes onChange with the freshly reloaded Config every
// time dir/config.yaml is written, for daemons that want to pick up
// worker-pool or socket-path changes without a restart.
func WatchReload(dir string, onChange func(*Config)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}
	go func() {
		for event := range w.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, "config.yaml") {
				continue
			}
			cfg, err := Load(dir)
			if err != nil {
				continue
			}
			onChange(cfg)
		}
	}()
	return w, nil
}

// WriteDefault writes a starter config.yaml holding Default()'s values
// (plain YAML, no comments) to dir, the way a
// fresh daemon data directory is bootstrapped.
func WriteDefault(dir string) error {
	cfg := Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal default: %w", err)
	}
	path := dir + "/config.yaml"
	if _, err := os.Stat(path); err == nil {
		return nil // don't clobber an existing config
	}
	return os.WriteFile(path, data, 0o644)
}
