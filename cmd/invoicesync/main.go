package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the CLI configuration: config.toml in the state directory,
// overridden field by field by INVOICESYNC_* environment variables.
type Config struct {
	API     ConfigAPI     `toml:"api"`
	Store   ConfigStore   `toml:"store"`
	Sync    ConfigSync    `toml:"sync"`
	Webhook ConfigWebhook `toml:"webhook"`
}

// ConfigAPI locates the server.
type ConfigAPI struct {
	BaseURL        string `toml:"base_url" env:"INVOICESYNC_API_URL"`
	RealtimeURL    string `toml:"realtime_url" env:"INVOICESYNC_REALTIME_URL"`
	TimeoutSeconds int    `toml:"timeout_seconds" env:"INVOICESYNC_TIMEOUT_SECONDS"`
}

// ConfigStore selects the durable key-value store.
type ConfigStore struct {
	Driver    string `toml:"driver" env:"INVOICESYNC_STORE"` // sqlite, redis or memory
	Path      string `toml:"path" env:"INVOICESYNC_DB_PATH"`
	RedisURL  string `toml:"redis_url" env:"INVOICESYNC_REDIS_URL"`
	Namespace string `toml:"namespace" env:"INVOICESYNC_NAMESPACE"`
}

// ConfigSync tunes the background loops.
type ConfigSync struct {
	ReplayIntervalSeconds int  `toml:"replay_interval_seconds" env:"INVOICESYNC_REPLAY_INTERVAL_SECONDS"`
	ProbeIntervalSeconds  int  `toml:"probe_interval_seconds" env:"INVOICESYNC_PROBE_INTERVAL_SECONDS"`
	DisableRealtime       bool `toml:"disable_realtime" env:"INVOICESYNC_DISABLE_REALTIME"`
}

// ConfigWebhook enables the signed-push invalidation receiver in watch mode.
type ConfigWebhook struct {
	Addr   string `toml:"addr" env:"INVOICESYNC_WEBHOOK_ADDR"`
	Secret string `toml:"secret" env:"INVOICESYNC_WEBHOOK_SECRET"`
}

// ============================================================================
// Config helpers
// ============================================================================

// stateDir holds the config file and the default sqlite database. It is
// $INVOICESYNC_HOME when set, else ~/.invoicesync.
func stateDir() (string, error) {
	dir := os.Getenv("INVOICESYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate home directory: %w", err)
		}
		dir = filepath.Join(home, ".invoicesync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return dir, nil
}

func configFile() (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file alone. A missing file yields a
// zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configFile()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies environment overrides.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configFile()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "api.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. api.base_url)")
	}

	switch section {
	case "api":
		switch field {
		case "base_url":
			cfg.API.BaseURL = value
		case "realtime_url":
			cfg.API.RealtimeURL = value
		case "timeout_seconds":
			return setInt(&cfg.API.TimeoutSeconds, key, value)
		default:
			return fmt.Errorf("unknown field %q in section [api]", field)
		}
	case "store":
		switch field {
		case "driver":
			switch value {
			case "sqlite", "redis", "memory":
			default:
				return fmt.Errorf("store.driver must be sqlite, redis or memory, got %q", value)
			}
			cfg.Store.Driver = value
		case "path":
			cfg.Store.Path = value
		case "redis_url":
			cfg.Store.RedisURL = value
		case "namespace":
			cfg.Store.Namespace = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "sync":
		switch field {
		case "replay_interval_seconds":
			return setInt(&cfg.Sync.ReplayIntervalSeconds, key, value)
		case "probe_interval_seconds":
			return setInt(&cfg.Sync.ProbeIntervalSeconds, key, value)
		case "disable_realtime":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Sync.DisableRealtime = b
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "webhook":
		switch field {
		case "addr":
			cfg.Webhook.Addr = value
		case "secret":
			cfg.Webhook.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [webhook]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: api, store, sync, webhook)", section)
	}
	return nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("%s must be a non-negative integer, got %q", key, value)
	}
	*dst = n
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagVerbose bool
	flagJSON    bool
	logger      = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "invoicesync",
	Short: "Offline-first invoice sync CLI",
	Long:  "Command-line interface for the invoicesync core.\nInspect and replay the offline queue, run incremental syncs and watch realtime invalidations.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print machine-readable JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
