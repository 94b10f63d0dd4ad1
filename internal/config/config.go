package config // package config loads application configuration from the environment

import (
    "errors"
    "fmt"
    "io/fs"
    "strings"
    "time"

    "github.com/joho/godotenv"              // .env support for local runs
    "github.com/kelseyhightower/envconfig" // typed env decoding with defaults
)

// Prefix is prepended to every variable, e.g. KEYGATE_PORT.
const Prefix = "KEYGATE"

// Storage drivers.
const (
    StorageMySQL  = "mysql"
    StorageMemory = "memory"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable named after its envconfig tag.
type Config struct {
    Env      string `envconfig:"ENV" default:"dev"`        // application environment (dev/test/prod)
    Port     string `envconfig:"PORT" default:"8080"`      // HTTP port to listen on
    LogLevel string `envconfig:"LOG_LEVEL" default:"info"` // debug | info | warn | error

    Storage  string `envconfig:"STORAGE" default:"memory"` // mysql | memory
    DBUser   string `envconfig:"DB_USER"`                  // database username
    DBPass   string `envconfig:"DB_PASS"`                  // database password (optional)
    DBHost   string `envconfig:"DB_HOST" default:"127.0.0.1"`
    DBPort   string `envconfig:"DB_PORT" default:"3306"`
    DBName   string `envconfig:"DB_NAME" default:"keygate"`
    DBSchema bool   `envconfig:"DB_ENSURE_SCHEMA" default:"false"` // create missing tables on startup

    SigningKeyPath          string `envconfig:"SIGNING_KEY_PATH" default:"keys/signing.pem"`
    TransportPublicKeyPath  string `envconfig:"TRANSPORT_PUBLIC_KEY_PATH" default:"keys/transport.pub.pem"`
    TransportPrivateKeyPath string `envconfig:"TRANSPORT_PRIVATE_KEY_PATH" default:"keys/transport.pem"`
    Issuer                  string `envconfig:"ISSUER" default:"keygate"`
    Audience                string `envconfig:"AUDIENCE" default:"keygate"`

    AuthCodeTTL            time.Duration `envconfig:"AUTH_CODE_TTL" default:"30s"`
    AccessTokenTTL         time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"30m"`
    AccessTokenMaxLifetime time.Duration `envconfig:"ACCESS_TOKEN_MAX_LIFETIME" default:"24h"`
    IDTokenTTL             time.Duration `envconfig:"ID_TOKEN_TTL" default:"15m"`
    SessionTokenTTL        time.Duration `envconfig:"SESSION_TOKEN_TTL" default:"168h"`
    ResumeWindow           time.Duration `envconfig:"RESUME_WINDOW" default:"24h"`
    LinkCodeTTL            time.Duration `envconfig:"LINK_CODE_TTL" default:"30m"`
    SweepInterval          time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`

    CodeLength     int    `envconfig:"CODE_LENGTH" default:"20"`
    LinkCodeLength int    `envconfig:"LINK_CODE_LENGTH" default:"8"`
    BcryptCost     int    `envconfig:"BCRYPT_COST" default:"12"`
    DefaultScope   string `envconfig:"DEFAULT_SCOPE" default:"licenses:read"`

    // Seed client for the memory driver; ignored when ID is empty.
    BootstrapClientID     string `envconfig:"BOOTSTRAP_CLIENT_ID"`
    BootstrapClientSecret string `envconfig:"BOOTSTRAP_CLIENT_SECRET"`
    BootstrapClientScopes string `envconfig:"BOOTSTRAP_CLIENT_SCOPES" default:"openid licenses:read licenses:write sessions:revoke"`

    AMQPURL       string `envconfig:"AMQP_URL"` // empty disables the broker; activity goes straight to the log
    ActivityQueue string `envconfig:"ACTIVITY_QUEUE" default:"keygate.activity"`
    ActivityLog   string `envconfig:"ACTIVITY_LOG" default:"logs/activity.log"`

    RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5s"`
    ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads an optional .env file, decodes the environment into a Config
// and validates it.  Variables already set in the environment win over the
// file.
func Load(files ...string) (Config, error) {
    if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
        return Config{}, fmt.Errorf("load env file: %w", err)
    }
    var cfg Config
    if err := envconfig.Process(Prefix, &cfg); err != nil {
        return Config{}, fmt.Errorf("decode env: %w", err)
    }
    if err := cfg.Validate(); err != nil {
        return Config{}, fmt.Errorf("invalid config: %w", err)
    }
    return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
    var errs []error
    switch c.Storage {
    case StorageMemory:
    case StorageMySQL:
        if c.DBUser == "" {
            errs = append(errs, errors.New("DB_USER is required for mysql storage"))
        }
    default:
        errs = append(errs, fmt.Errorf("unknown STORAGE %q", c.Storage))
    }
    if c.SigningKeyPath == "" {
        errs = append(errs, errors.New("SIGNING_KEY_PATH is required"))
    }
    if c.Issuer == "" || c.Audience == "" {
        errs = append(errs, errors.New("ISSUER and AUDIENCE are required"))
    }
    for name, d := range map[string]time.Duration{
        "AUTH_CODE_TTL":     c.AuthCodeTTL,
        "ACCESS_TOKEN_TTL":  c.AccessTokenTTL,
        "ID_TOKEN_TTL":      c.IDTokenTTL,
        "SESSION_TOKEN_TTL": c.SessionTokenTTL,
        "RESUME_WINDOW":     c.ResumeWindow,
        "LINK_CODE_TTL":     c.LinkCodeTTL,
        "SWEEP_INTERVAL":    c.SweepInterval,
    } {
        if d <= 0 {
            errs = append(errs, fmt.Errorf("%s must be positive", name))
        }
    }
    if c.AccessTokenMaxLifetime < c.AccessTokenTTL {
        errs = append(errs, errors.New("ACCESS_TOKEN_MAX_LIFETIME must not be shorter than ACCESS_TOKEN_TTL"))
    }
    if c.CodeLength < 16 {
        errs = append(errs, errors.New("CODE_LENGTH must be at least 16"))
    }
    if c.LinkCodeLength < 6 {
        errs = append(errs, errors.New("LINK_CODE_LENGTH must be at least 6"))
    }
    if c.BcryptCost < 4 || c.BcryptCost > 31 {
        errs = append(errs, errors.New("BCRYPT_COST must be between 4 and 31"))
    }
    switch strings.ToLower(c.LogLevel) {
    case "debug", "info", "warn", "error":
    default:
        errs = append(errs, fmt.Errorf("unknown LOG_LEVEL %q", c.LogLevel))
    }
    return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string { return ":" + c.Port }
