package config

// This file defines the Redis client constructor.  Redis backs the shared
// rate-limit counters when several keygate instances run behind one load
// balancer.  When Redis is unreachable the constructor returns an error and
// callers fall back to per-process limiting.

import (
    "context"
    "crypto/tls"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"
)

// NewRedisClient builds a client from KEYGATE_REDIS_* variables:
//   KEYGATE_REDIS_ADDR     - host:port; empty disables Redis
//   KEYGATE_REDIS_PASSWORD - optional password
//   KEYGATE_REDIS_DB       - database number (default 0)
//   KEYGATE_REDIS_TLS      - enable TLS when "true" or "1"
// A nil client with a nil error means Redis is not configured.
func NewRedisClient(ctx context.Context) (*redis.Client, error) {
    addr := envStr("KEYGATE_REDIS_ADDR", "")
    if addr == "" {
        return nil, nil
    }
    var tlsConf *tls.Config
    if v := envStr("KEYGATE_REDIS_TLS", ""); strings.EqualFold(v, "true") || v == "1" {
        tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
    }
    client := redis.NewClient(&redis.Options{
        Addr:      addr,
        Password:  envStr("KEYGATE_REDIS_PASSWORD", ""),
        DB:        envInt("KEYGATE_REDIS_DB", 0),
        TLSConfig: tlsConf,
    })
    // Ping the server with a short timeout so a bad address fails at startup.
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    if err := client.Ping(ctx).Err(); err != nil {
        _ = client.Close()
        return nil, err
    }
    return client, nil
}
