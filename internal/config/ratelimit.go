package config

import (
    "os"
    "strconv"
    "strings"
    "time"
)

// RateLimitRule allows Limit requests per Window for one key.
type RateLimitRule struct {
    Limit  int
    Window time.Duration
}

// RateLimitConfig holds fixed-window limits for the credential endpoints.
// Login, Authorize and Token are the brute-force targets and get their own
// budgets; everything else shares Default.
type RateLimitConfig struct {
    Enabled   bool
    Prefix    string
    Login     RateLimitRule
    Authorize RateLimitRule
    Token     RateLimitRule
    Default   RateLimitRule
    Debug     bool
}

// LoadRateLimitConfig reads KEYGATE_RATE_LIMIT_* variables.  Rules are
// written as "<limit>/<window>", e.g. "10/1m".
func LoadRateLimitConfig() RateLimitConfig {
    return RateLimitConfig{
        Enabled:   envBool("KEYGATE_RATE_LIMIT_ENABLED", true),
        Prefix:    envStr("KEYGATE_RATE_LIMIT_PREFIX", "rl"),
        Login:     envRule("KEYGATE_RATE_LIMIT_LOGIN", RateLimitRule{Limit: 10, Window: time.Minute}),
        Authorize: envRule("KEYGATE_RATE_LIMIT_AUTHORIZE", RateLimitRule{Limit: 30, Window: time.Minute}),
        Token:     envRule("KEYGATE_RATE_LIMIT_TOKEN", RateLimitRule{Limit: 30, Window: time.Minute}),
        Default:   envRule("KEYGATE_RATE_LIMIT_DEFAULT", RateLimitRule{Limit: 120, Window: time.Minute}),
        Debug:     envBool("KEYGATE_RATE_LIMIT_DEBUG", false),
    }
}

// ParseRule parses "<limit>/<window>".  Invalid input returns ok=false.
func ParseRule(s string) (RateLimitRule, bool) {
    n, w, found := strings.Cut(strings.TrimSpace(s), "/")
    if !found { return RateLimitRule{}, false }
    limit, err := strconv.Atoi(n)
    if err != nil || limit < 1 { return RateLimitRule{}, false }
    window, err := time.ParseDuration(w)
    if err != nil || window < time.Second { return RateLimitRule{}, false }
    return RateLimitRule{Limit: limit, Window: window}, true
}

func envRule(k string, d RateLimitRule) RateLimitRule {
    if r, ok := ParseRule(os.Getenv(k)); ok { return r }
    return d
}
func envStr(k, d string) string { if v := os.Getenv(k); v != "" { return v }; return d }
func envBool(k string, d bool) bool {
    v := os.Getenv(k)
    if v == "" { return d }
    switch v {
    case "1","true","TRUE","True","yes","YES","on","ON": return true
    case "0","false","FALSE","False","no","NO","off","OFF": return false
    }
    return d
}
func envInt(k string, d int) int {
    v := os.Getenv(k); if v == "" { return d }
    if n, err := strconv.Atoi(v); err == nil { return n }
    return d
}
