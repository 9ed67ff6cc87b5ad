// Package config loads the wapps.yaml configuration file.
//
// Every field is optional and provides the default for the matching
// CLI flag; flags always win. Values support ${VAR} environment
// expansion.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the host configuration.
type Config struct {
	// MemoryLimit caps guest memory, e.g. "64mb" or "1gb". Empty means
	// no limit.
	MemoryLimit string `yaml:"memory_limit"`
	// CacheDir overrides the compilation cache directory.
	CacheDir string `yaml:"cache_dir"`
	// NoCache disables the compilation cache entirely.
	NoCache bool `yaml:"no_cache"`
	// FPS is the presentation tick rate.
	FPS int `yaml:"fps"`
	// Log configures logging output.
	Log LogConfig `yaml:"log"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
	// File routes log output to a file instead of stderr. Interactive
	// runs need this: stderr belongs to the terminal surface.
	File string `yaml:"file"`
}

// Default returns the compiled-in defaults.
func Default() Config {
	return Config{
		MemoryLimit: "64mb",
		FPS:         60,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path, expands ${VAR} references from the environment, and
// unmarshals over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, fmt.Errorf("read config file %q: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return cfg, nil
}

// ParseMemoryLimit converts a human-readable size ("64mb", "1gb") into
// 64 KiB wasm pages. Empty and "0" mean no limit. Sizes under one page
// round up to one; sizes over the 4 GB address space clamp to it.
func ParseMemoryLimit(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	lower := strings.ToLower(s)
	var mult uint64
	switch {
	case strings.HasSuffix(lower, "kb"):
		mult, lower = 1<<10, strings.TrimSuffix(lower, "kb")
	case strings.HasSuffix(lower, "mb"):
		mult, lower = 1<<20, strings.TrimSuffix(lower, "mb")
	case strings.HasSuffix(lower, "gb"):
		mult, lower = 1<<30, strings.TrimSuffix(lower, "gb")
	default:
		return 0, fmt.Errorf("invalid memory limit %q (use kb, mb, or gb)", s)
	}

	n, err := strconv.ParseUint(strings.TrimSpace(lower), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}

	pages := n * mult / 65536
	if pages == 0 && n > 0 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages), nil
}
