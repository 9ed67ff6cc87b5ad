package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nathsou/wapps/config"
	"github.com/nathsou/wapps/executor"
	"github.com/nathsou/wapps/log"
	"github.com/nathsou/wapps/wapp"
)

var rootCmd = &cobra.Command{
	Use:   "wapps",
	Short: "Terminal host for wapp application packages",
	Long: `wapps - Run wapp application packages in the terminal.

A wapp bundles a WebAssembly guest with its metadata. The host runs
the guest in a sandbox, renders its frames in the terminal, and
forwards keyboard and mouse input. Guests get no filesystem or
network access.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./wapps.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: console, json")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to a file instead of stderr")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable the compilation cache")
	rootCmd.PersistentFlags().String("cache-dir", "", "Compilation cache directory")
	rootCmd.PersistentFlags().String("memory-limit", "", "Guest memory limit: 1mb, 16mb, 64mb, 256mb, 1gb, or 0 for none")
}

// loadConfig resolves the effective configuration: compiled-in
// defaults, then the config file, then flags.
func loadConfig(cmd *cobra.Command) config.Config {
	path, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	if path == "" {
		if _, err := os.Stat("wapps.yaml"); err == nil {
			path = "wapps.yaml"
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		exitOn(err)
		cfg = loaded
	}

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if v, _ := cmd.Flags().GetString("log-file"); v != "" {
		cfg.Log.File = v
	}
	if v, _ := cmd.Flags().GetBool("no-cache"); v {
		cfg.NoCache = true
	}
	if v, _ := cmd.Flags().GetString("cache-dir"); v != "" {
		cfg.CacheDir = v
	}
	if v, _ := cmd.Flags().GetString("memory-limit"); v != "" {
		cfg.MemoryLimit = v
	}
	return cfg
}

func newLogger(cfg config.Config) *zap.Logger {
	logger, err := log.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	exitOn(err)
	return logger
}

// executorOptions maps the configuration onto executor options.
func executorOptions(cfg config.Config, logger *zap.Logger) ([]executor.ExecutorOption, error) {
	var opts []executor.ExecutorOption

	if !cfg.NoCache {
		if cfg.CacheDir != "" {
			opts = append(opts, executor.WithDiskCache(cfg.CacheDir))
		} else {
			opts = append(opts, executor.WithDiskCache())
		}
	}

	pages, err := config.ParseMemoryLimit(cfg.MemoryLimit)
	if err != nil {
		return nil, err
	}
	if pages > 0 {
		opts = append(opts, executor.WithMemoryLimit(pages))
	}

	opts = append(opts, executor.WithLogger(logger))
	return opts, nil
}

func buildExecutor(cfg config.Config, logger *zap.Logger) *executor.Executor {
	opts, err := executorOptions(cfg, logger)
	exitOn(err)
	exec, err := executor.New(opts...)
	exitOn(err)
	return exec
}

func loadPackage(path string) *wapp.Package {
	data, err := os.ReadFile(path)
	exitOn(err)
	pkg, err := wapp.Parse(data)
	if err != nil {
		exitOn(fmt.Errorf("%s: %w", path, err))
	}
	return pkg
}

// titleFallback derives a session title from the package path, for
// packages whose manifest has no name.
func titleFallback(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
