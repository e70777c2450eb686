package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/equidade/clinicsync"
	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagVerbose bool
	flagJSON    bool
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.clinicsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".clinicsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns --config or ~/.clinicsync/config.toml.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file; a missing file yields the defaults.
func loadConfig() (*clinicsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return clinicsync.LoadConfig(path)
}

func saveConfig(cfg *clinicsync.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return clinicsync.SaveConfig(path, cfg)
}

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *clinicsync.Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = strings.TrimRight(value, "/")
		case "ws_url":
			cfg.Server.WSURL = value
		case "token":
			cfg.Server.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "store":
		switch field {
		case "path":
			cfg.Store.Path = value
		case "cache_ttl":
			return setDuration(&cfg.Store.CacheTTL, value)
		case "quota_bytes":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("quota_bytes: %w", err)
			}
			cfg.Store.QuotaBytes = n
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "sync":
		switch {
		case field == "max_retries":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("max_retries: %w", err)
			}
			cfg.Sync.MaxRetries = n
		case field == "drain_interval":
			return setDuration(&cfg.Sync.DrainInterval, value)
		case field == "ping_interval":
			return setDuration(&cfg.Sync.PingInterval, value)
		case field == "api_prefix":
			cfg.Sync.APIPrefix = value
		case strings.HasPrefix(field, "endpoints."):
			if cfg.Sync.Endpoints == nil {
				cfg.Sync.Endpoints = map[string]string{}
			}
			cfg.Sync.Endpoints[strings.TrimPrefix(field, "endpoints.")] = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "cache":
		switch field {
		case "generation":
			cfg.Cache.Generation = value
		case "offline_page":
			cfg.Cache.OfflinePage = value
		case "fallback_image":
			cfg.Cache.FallbackImage = value
		case "api_routes":
			cfg.Cache.APIRoutes = splitList(value)
		case "static_assets":
			cfg.Cache.StaticAssets = splitList(value)
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "realtime":
		switch field {
		case "base_interval":
			return setDuration(&cfg.Realtime.BaseInterval, value)
		case "max_interval":
			return setDuration(&cfg.Realtime.MaxInterval, value)
		case "heartbeat_interval":
			return setDuration(&cfg.Realtime.HeartbeatInterval, value)
		case "growth_factor":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("growth_factor: %w", err)
			}
			cfg.Realtime.GrowthFactor = f
		case "max_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("max_attempts: %w", err)
			}
			cfg.Realtime.MaxAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, store, sync, cache, realtime)", section)
	}
	return nil
}

func setDuration(d *clinicsync.Duration, value string) error {
	v, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	*d = clinicsync.Duration(v)
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:           "clinicsync",
	Short:         "Offline-first sync tooling for the Equidade clinic client",
	Long:          "Inspect and drive the offline sync layer: queue mutations, replay them,\nrun the caching proxy, and talk to the realtime channel.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (TOML or YAML; default ~/.clinicsync/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
