package config

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
    cfg, err := Load(t.TempDir() + "/missing.env")
    require.NoError(t, err)
    assert.Equal(t, StorageMemory, cfg.Storage)
    assert.Equal(t, 30*time.Second, cfg.AuthCodeTTL)
    assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
    assert.Equal(t, 24*time.Hour, cfg.ResumeWindow)
    assert.Equal(t, 20, cfg.CodeLength)
    assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoadFromEnv(t *testing.T) {
    t.Setenv("KEYGATE_STORAGE", "mysql")
    t.Setenv("KEYGATE_DB_USER", "keygate")
    t.Setenv("KEYGATE_RESUME_WINDOW", "12h")
    t.Setenv("KEYGATE_BCRYPT_COST", "10")

    cfg, err := Load(t.TempDir() + "/missing.env")
    require.NoError(t, err)
    assert.Equal(t, StorageMySQL, cfg.Storage)
    assert.Equal(t, 12*time.Hour, cfg.ResumeWindow)
    assert.Equal(t, 10, cfg.BcryptCost)
}

func TestValidate(t *testing.T) {
    base, err := Load(t.TempDir() + "/missing.env")
    require.NoError(t, err)

    tests := []struct {
        name   string
        mutate func(c *Config)
    }{
        {"unknown storage", func(c *Config) { c.Storage = "sqlite" }},
        {"mysql without user", func(c *Config) { c.Storage = StorageMySQL }},
        {"zero code ttl", func(c *Config) { c.AuthCodeTTL = 0 }},
        {"short codes", func(c *Config) { c.CodeLength = 8 }},
        {"max lifetime below ttl", func(c *Config) { c.AccessTokenMaxLifetime = time.Minute }},
        {"bcrypt cost", func(c *Config) { c.BcryptCost = 40 }},
        {"log level", func(c *Config) { c.LogLevel = "loud" }},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            c := base
            tt.mutate(&c)
            assert.Error(t, c.Validate())
        })
    }
}

func TestParseRule(t *testing.T) {
    r, ok := ParseRule("10/1m")
    require.True(t, ok)
    assert.Equal(t, RateLimitRule{Limit: 10, Window: time.Minute}, r)

    for _, bad := range []string{"", "10", "0/1m", "x/1m", "10/abc", "10/10ms"} {
        _, ok := ParseRule(bad)
        assert.False(t, ok, bad)
    }
}

func TestLoadRateLimitConfig(t *testing.T) {
    t.Setenv("KEYGATE_RATE_LIMIT_LOGIN", "3/30s")
    t.Setenv("KEYGATE_RATE_LIMIT_TOKEN", "garbage")
    cfg := LoadRateLimitConfig()
    assert.True(t, cfg.Enabled)
    assert.Equal(t, RateLimitRule{Limit: 3, Window: 30 * time.Second}, cfg.Login)
    assert.Equal(t, RateLimitRule{Limit: 30, Window: time.Minute}, cfg.Token)
}
