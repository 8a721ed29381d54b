package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// poolFile is the on-disk form of PoolConfig. Absent keys keep their current value.
type poolFile struct {
	MinConcurrency  *int    `yaml:"minConcurrency" toml:"minConcurrency"`
	MaxConcurrency  *int    `yaml:"maxConcurrency" toml:"maxConcurrency"`
	DebugMode       *bool   `yaml:"debugMode" toml:"debugMode"`
	PreloadRequire  *string `yaml:"preloadRequire" toml:"preloadRequire"`
	AcquireInterval *string `yaml:"acquireInterval" toml:"acquireInterval"`
}

// LoadFile overlays the pool settings in a YAML (.yaml, .yml) or TOML (.toml)
// file onto cfg. A relative preloadRequire is resolved against the file's directory.
func LoadFile(path string, cfg *PoolConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var f poolFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	default:
		return fmt.Errorf("unsupported config file format %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if f.MinConcurrency != nil {
		cfg.MinConcurrency = *f.MinConcurrency
	}
	if f.MaxConcurrency != nil {
		cfg.MaxConcurrency = *f.MaxConcurrency
	}
	if f.DebugMode != nil {
		cfg.DebugMode = *f.DebugMode
	}
	if f.PreloadRequire != nil {
		p := *f.PreloadRequire
		if p != "" && !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(path), p)
		}
		cfg.PreloadRequire = p
	}
	if f.AcquireInterval != nil {
		d, err := time.ParseDuration(*f.AcquireInterval)
		if err != nil {
			return fmt.Errorf("invalid acquireInterval: %w", err)
		}
		cfg.AcquireInterval = d
	}
	return nil
}
