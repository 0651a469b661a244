package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/LuminPulse-AI/invoicesync"
)

// session bundles an opened store with a manager built on top of it.
type session struct {
	cfg     *Config
	store   invoicesync.Store
	manager *invoicesync.Manager
	closeFn func() error
}

func (s *session) Close() error {
	err := s.manager.Close()
	if s.closeFn != nil {
		err = errors.Join(err, s.closeFn())
	}
	return err
}

// openStore opens the configured durable store.
func openStore(cfg *Config) (invoicesync.Store, func() error, error) {
	switch cfg.Store.Driver {
	case "", "sqlite":
		path := cfg.Store.Path
		if path == "" {
			dir, err := stateDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "state.db")
		}
		st, err := invoicesync.OpenSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "redis":
		if cfg.Store.RedisURL == "" {
			return nil, nil, errors.New("store.redis_url is required for the redis driver")
		}
		st, err := invoicesync.NewRedisStore(cfg.Store.RedisURL, cfg.Store.Namespace)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "memory":
		return invoicesync.NewMemoryStorage(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// managerOptions maps config onto the library's options.
func managerOptions(cfg *Config) *invoicesync.ManagerOptions {
	return &invoicesync.ManagerOptions{
		RealtimeURL:     cfg.API.RealtimeURL,
		DisableRealtime: cfg.Sync.DisableRealtime,
		ReplayInterval:  seconds(cfg.Sync.ReplayIntervalSeconds),
		ProbeInterval:   seconds(cfg.Sync.ProbeIntervalSeconds),
		Logger:          logger,
	}
}

func newClient(cfg *Config) *invoicesync.Client {
	var opts []invoicesync.ClientOption
	if cfg.API.TimeoutSeconds > 0 {
		opts = append(opts, invoicesync.WithTimeout(seconds(cfg.API.TimeoutSeconds)))
	}
	return invoicesync.NewClient(cfg.API.BaseURL, opts...)
}

// openSession loads config, opens the store and builds a manager with its
// persisted state loaded.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.API.BaseURL == "" {
		return nil, errors.New("no API URL. Run 'invoicesync config set api.base_url <url>' first")
	}
	store, closeFn, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	mgr := invoicesync.NewManager(store, newClient(cfg), managerOptions(cfg))
	if err := mgr.Load(ctx); err != nil {
		if closeFn != nil {
			_ = closeFn()
		}
		return nil, err
	}
	return &session{cfg: cfg, store: store, manager: mgr, closeFn: closeFn}, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
