// Package config loads the daemon configuration once at startup: YAML file
// merged with PULSE__-prefixed environment variables. Nothing is
// hot-reloaded.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"pulse/internal/broker"
	"pulse/internal/cache"
)

type PipelineCfg struct {
	MaxConcurrency int `koanf:"max_concurrency"`
}

type StoreCfg struct {
	DSN string `koanf:"dsn"`
}

type MetricsCfg struct {
	Port int `koanf:"port"`
}

type Config struct {
	Broker   broker.Config `koanf:"broker"`
	Pipeline PipelineCfg   `koanf:"pipeline"`
	Store    StoreCfg      `koanf:"store"`
	Cache    cache.Config  `koanf:"cache"`
	Metrics  MetricsCfg    `koanf:"metrics"`
}

// Load merges YAML (if present) with env-vars (prefix `PULSE__`,
// delimiter `__`).
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("config schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider("PULSE__", "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "PULSE__"))
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Pipeline.MaxConcurrency == 0 {
		c.Pipeline.MaxConcurrency = 32
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 24 * time.Hour
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "session:"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
}
