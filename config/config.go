// Package config loads the idpd server settings from a YAML file and IDP_*
// environment variables using viper.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/session"
	"github.com/chimerakang/idp-go/user"
)

// EnvPrefix prefixes every environment override, e.g. IDP_ISSUER or
// IDP_SESSION_REDIS_ADDR for session.redis.addr.
const EnvPrefix = "IDP"

// Session and user backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendRegistry = "registry"
	BackendMySQL    = "mysql"
)

// Config holds the server settings.
type Config struct {
	Issuer      string `mapstructure:"issuer"`
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	// RegistryFile is the client/scope registry document. Empty serves the sample registry.
	RegistryFile string `mapstructure:"registry_file"`
	// SigningKeyFile is a PEM RSA private key. Empty generates an ephemeral key.
	SigningKeyFile string `mapstructure:"signing_key_file"`
	KeyID          string `mapstructure:"key_id"`

	Tokens       TokenConfig        `mapstructure:"tokens"`
	Collaborator CollaboratorConfig `mapstructure:"collaborator"`
	Session      SessionConfig      `mapstructure:"session"`
	Users        UsersConfig        `mapstructure:"users"`
	Cookie       CookieConfig       `mapstructure:"cookie"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Audit        AuditConfig        `mapstructure:"audit"`
}

// TokenConfig holds engine-wide token lifetimes.
type TokenConfig struct {
	AccessLifetime   time.Duration `mapstructure:"access_lifetime"`
	IdentityLifetime time.Duration `mapstructure:"identity_lifetime"`
	CodeLifetime     time.Duration `mapstructure:"code_lifetime"`
	RefreshLifetime  time.Duration `mapstructure:"refresh_lifetime"`
	RefreshUsage     string        `mapstructure:"refresh_usage"`
}

// CollaboratorConfig bounds calls to the user store.
type CollaboratorConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// SessionConfig selects the authorization code and refresh token store.
type SessionConfig struct {
	Backend         string        `mapstructure:"backend"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds the Redis session store connection.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// UsersConfig selects the resource-owner directory.
type UsersConfig struct {
	Backend string      `mapstructure:"backend"`
	MySQL   MySQLConfig `mapstructure:"mysql"`
}

// MySQLConfig holds the MySQL user directory connection.
type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

// CookieConfig holds the login-session cookie settings. Keys are base64.
type CookieConfig struct {
	HashKey  string        `mapstructure:"hash_key"`
	BlockKey string        `mapstructure:"block_key"`
	Secure   bool          `mapstructure:"secure"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// MetricsConfig toggles prometheus metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuditConfig toggles audit events and sizes their queue.
type AuditConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("issuer", "http://localhost:5000")
	v.SetDefault("listen_addr", ":5000")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("registry_file", "")
	v.SetDefault("signing_key_file", "")
	v.SetDefault("key_id", "k1")

	v.SetDefault("tokens.access_lifetime", idp.DefaultAccessTokenLifetime)
	v.SetDefault("tokens.identity_lifetime", idp.DefaultIdentityTokenLifetime)
	v.SetDefault("tokens.code_lifetime", idp.DefaultAuthorizationCodeLifetime)
	v.SetDefault("tokens.refresh_lifetime", idp.DefaultRefreshTokenLifetime)
	v.SetDefault("tokens.refresh_usage", string(idp.RefreshOneTime))

	v.SetDefault("collaborator.timeout", idp.DefaultCollaboratorTimeout)
	v.SetDefault("collaborator.retries", idp.DefaultCollaboratorRetries)

	v.SetDefault("session.backend", BackendMemory)
	v.SetDefault("session.cleanup_interval", time.Minute)
	v.SetDefault("session.redis.addr", "localhost:6379")
	v.SetDefault("session.redis.username", "")
	v.SetDefault("session.redis.password", "")
	v.SetDefault("session.redis.db", 0)
	v.SetDefault("session.redis.key_prefix", session.DefaultKeyPrefix)

	v.SetDefault("users.backend", BackendRegistry)
	v.SetDefault("users.mysql.host", "localhost")
	v.SetDefault("users.mysql.port", 3306)
	v.SetDefault("users.mysql.user", "")
	v.SetDefault("users.mysql.password", "")
	v.SetDefault("users.mysql.database", "idp")
	v.SetDefault("users.mysql.table", "users")

	v.SetDefault("cookie.hash_key", "")
	v.SetDefault("cookie.block_key", "")
	v.SetDefault("cookie.secure", false)
	v.SetDefault("cookie.ttl", 8*time.Hour)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.buffer_size", 1024)
}

// Load reads path (optional) and the environment. Environment variables win
// over the file, the file wins over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("idp/config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("idp/config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	switch idp.RefreshTokenUsage(c.Tokens.RefreshUsage) {
	case idp.RefreshOneTime, idp.RefreshReUse:
	default:
		errs = append(errs, fmt.Errorf("tokens.refresh_usage %q must be %q or %q",
			c.Tokens.RefreshUsage, idp.RefreshOneTime, idp.RefreshReUse))
	}
	for name, d := range map[string]time.Duration{
		"tokens.access_lifetime":   c.Tokens.AccessLifetime,
		"tokens.identity_lifetime": c.Tokens.IdentityLifetime,
		"tokens.code_lifetime":     c.Tokens.CodeLifetime,
		"tokens.refresh_lifetime":  c.Tokens.RefreshLifetime,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Session.Redis.Addr == "" {
			errs = append(errs, errors.New("session.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.backend %q must be %q or %q", c.Session.Backend, BackendMemory, BackendRedis))
	}
	switch c.Users.Backend {
	case BackendRegistry:
	case BackendMySQL:
		if c.Users.MySQL.User == "" {
			errs = append(errs, errors.New("users.mysql.user is required for the mysql backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("users.backend %q must be %q or %q", c.Users.Backend, BackendRegistry, BackendMySQL))
	}
	if _, err := c.LogLevelValue(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.CookieKeys(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("idp/config: %w", errors.Join(errs...))
	}
	return nil
}

// Engine returns the engine configuration.
func (c *Config) Engine() idp.Config {
	return idp.Config{
		Issuer:                    c.Issuer,
		AccessTokenLifetime:       c.Tokens.AccessLifetime,
		IdentityTokenLifetime:     c.Tokens.IdentityLifetime,
		AuthorizationCodeLifetime: c.Tokens.CodeLifetime,
		RefreshTokenLifetime:      c.Tokens.RefreshLifetime,
		RefreshTokenUsage:         idp.RefreshTokenUsage(c.Tokens.RefreshUsage),
		CollaboratorTimeout:       c.Collaborator.Timeout,
		CollaboratorRetries:       c.Collaborator.Retries,
	}
}

// RedisConfig returns the session store connection settings.
func (c *Config) RedisConfig() session.RedisConfig {
	r := c.Session.Redis
	return session.RedisConfig{
		Addr:      r.Addr,
		Username:  r.Username,
		Password:  r.Password,
		DB:        r.DB,
		KeyPrefix: r.KeyPrefix,
	}
}

// MySQLConfig returns the user directory connection settings.
func (c *Config) MySQLConfig() user.MySQLConfig {
	m := c.Users.MySQL
	return user.MySQLConfig{
		Host:     m.Host,
		Port:     m.Port,
		User:     m.User,
		Password: m.Password,
		Name:     m.Database,
	}
}

// LogLevelValue parses LogLevel.
func (c *Config) LogLevelValue() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// CookieKeys decodes the login-session cookie keys. Both are nil when unset.
func (c *Config) CookieKeys() (hashKey, blockKey []byte, err error) {
	if c.Cookie.HashKey == "" {
		if c.Cookie.BlockKey != "" {
			return nil, nil, errors.New("cookie.block_key requires cookie.hash_key")
		}
		return nil, nil, nil
	}
	if hashKey, err = base64.StdEncoding.DecodeString(c.Cookie.HashKey); err != nil {
		return nil, nil, fmt.Errorf("cookie.hash_key: %w", err)
	}
	if len(hashKey) < 32 {
		return nil, nil, errors.New("cookie.hash_key must decode to at least 32 bytes")
	}
	if c.Cookie.BlockKey != "" {
		if blockKey, err = base64.StdEncoding.DecodeString(c.Cookie.BlockKey); err != nil {
			return nil, nil, fmt.Errorf("cookie.block_key: %w", err)
		}
		switch len(blockKey) {
		case 16, 24, 32:
		default:
			return nil, nil, errors.New("cookie.block_key must decode to 16, 24 or 32 bytes")
		}
	}
	return hashKey, blockKey, nil
}
