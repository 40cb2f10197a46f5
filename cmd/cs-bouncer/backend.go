package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/redis/go-redis/v9"

	"github.com/hslatman/go-crowdsec-remediation/internal/config"
	"github.com/hslatman/go-crowdsec-remediation/internal/store"
	"github.com/hslatman/go-crowdsec-remediation/internal/store/filestore"
	"github.com/hslatman/go-crowdsec-remediation/internal/store/memcachedstore"
	"github.com/hslatman/go-crowdsec-remediation/internal/store/redisstore"
)

// openBackend constructs the store.Store named by cfg.CacheBackend. A
// failure to reach the backend (connection refused, bad path) is
// reported as exitCodeBackendUnreachable, distinct from a configuration
// error, since the configuration itself may well be valid.
func openBackend(cfg config.Config) (store.Store, error) {
	switch cfg.CacheBackend {
	case "file":
		path := cfg.CacheDSN
		if path == "" {
			path = "./cs-bouncer-cache"
		}
		s, err := filestore.Open(path)
		if err != nil {
			return nil, &exitError{code: exitCodeBackendUnreachable, err: fmt.Errorf("opening file cache at %q: %w", path, err)}
		}
		return s, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.CacheDSN)
		if err != nil {
			return nil, &exitError{code: exitCodeConfigError, err: fmt.Errorf("parsing redis_dsn %q: %w", cfg.CacheDSN, err)}
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, &exitError{code: exitCodeBackendUnreachable, err: fmt.Errorf("connecting to redis at %q: %w", cfg.CacheDSN, err)}
		}
		return redisstore.New(client), nil
	case "memcached":
		client := memcache.New(cfg.CacheDSN)
		if _, err := client.Get("cs-bouncer-reachability-probe"); err != nil && err != memcache.ErrCacheMiss {
			return nil, &exitError{code: exitCodeBackendUnreachable, err: fmt.Errorf("connecting to memcached at %q: %w", cfg.CacheDSN, err)}
		}
		return memcachedstore.New(client), nil
	default:
		return nil, &exitError{code: exitCodeConfigError, err: fmt.Errorf("unknown cache_backend %q", cfg.CacheBackend)}
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, &exitError{code: exitCodeConfigError, err: err}
	}
	return cfg, nil
}
