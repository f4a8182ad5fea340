package jobqueue

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayRecon/internal/pkg/cache"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

const isolatedJobQueueTestRedisDB = 14

type testRedis struct {
	host     string
	port     string
	password string
}

func (r testRedis) client(db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(r.host, r.port),
		Password: r.password,
		DB:       db,
	})
}

func distinct(values ...string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// resolveTestRedis finds a reachable Redis among the configured endpoint and
// the compose service names, skipping the test when there is none.
func resolveTestRedis(t *testing.T) testRedis {
	t.Helper()

	var hosts []string
	for _, h := range distinct(env.GetEnv("CACHE_HOST", ""), "cache", "payrecon-cache", "localhost") {
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	ports := distinct(env.GetEnv("CACHE_PORT", "6379"), "6379")
	passwords := distinct(env.GetEnv("CACHE_PASSWORD", ""), "payrecon", "")

	var lastErr error
	for _, host := range hosts {
		for _, port := range ports {
			for _, password := range passwords {
				candidate := testRedis{host: host, port: port, password: password}
				c := candidate.client(0)
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				lastErr = c.Ping(ctx).Err()
				cancel()
				_ = c.Close()
				if lastErr == nil {
					return candidate
				}
			}
		}
	}
	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return testRedis{}
}

// configureTestCache points the shared cache package at r for the duration
// of the test.
func configureTestCache(t *testing.T, r testRedis) {
	t.Helper()
	if env.Env == nil {
		env.Env = map[string]string{}
	}
	previous := make(map[string]*string)
	for key, value := range map[string]string{
		"CACHE_HOST":     r.host,
		"CACHE_PORT":     r.port,
		"CACHE_PASSWORD": r.password,
	} {
		if old, ok := env.Env[key]; ok {
			previous[key] = &old
		} else {
			previous[key] = nil
		}
		env.Env[key] = value
	}
	t.Cleanup(func() {
		for key, old := range previous {
			if old == nil {
				delete(env.Env, key)
			} else {
				env.Env[key] = *old
			}
		}
	})
	cache.SetupCache()
}

func newIsolatedRedisClient(t *testing.T, db int) *redis.Client {
	t.Helper()

	client := resolveTestRedis(t).client(db)
	require.NoError(t, client.FlushDB(context.Background()).Err(), "flush redis db %d", db)
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}
