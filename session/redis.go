package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	idp "github.com/chimerakang/idp-go"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces all keys written by the RedisBackend.
const DefaultKeyPrefix = "idp:session:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces keys, e.g. per deployment. Default: DefaultKeyPrefix.
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisBackend stores codes and refresh tokens in Redis with a TTL matching
// their expiry. Redemption uses GETDEL, so it is atomic across replicas.
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("idp/session: redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("idp/session: connect to redis: %w", err)
	}
	return NewRedisBackendWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisBackendWithClient wraps a pre-configured client. Useful with miniredis.
func NewRedisBackendWithClient(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

// NewRedisStore returns a Service over a RedisBackend.
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...Option) (*Service, error) {
	b, err := NewRedisBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(b, opts...), nil
}

// Close closes the Redis client.
func (s *RedisBackend) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *RedisBackend) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisBackend) codeKey(code string) string {
	return s.keyPrefix + "code:" + key(code)
}

func (s *RedisBackend) refreshKey(handle string) string {
	return s.keyPrefix + "rt:" + key(handle)
}

// SaveCode stores the code with a TTL until its expiry.
func (s *RedisBackend) SaveCode(ctx context.Context, code *idp.AuthorizationCode) error {
	return s.set(ctx, s.codeKey(code.Code), code, code.ExpiresAt)
}

// TakeCode fetches and deletes the code in one GETDEL.
func (s *RedisBackend) TakeCode(ctx context.Context, code string) (*idp.AuthorizationCode, error) {
	data, err := s.client.GetDel(ctx, s.codeKey(code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("code: %w", idp.ErrNotFound)
		}
		return nil, fmt.Errorf("take code: %w", err)
	}
	var ac idp.AuthorizationCode
	if err := json.Unmarshal(data, &ac); err != nil {
		return nil, fmt.Errorf("decode code: %w", err)
	}
	return &ac, nil
}

// SaveRefreshToken stores the refresh token with a TTL until its expiry.
func (s *RedisBackend) SaveRefreshToken(ctx context.Context, rt *idp.RefreshToken) error {
	return s.set(ctx, s.refreshKey(rt.Token), rt, rt.ExpiresAt)
}

// GetRefreshToken reads the refresh token without consuming it.
func (s *RedisBackend) GetRefreshToken(ctx context.Context, handle string) (*idp.RefreshToken, error) {
	return s.getRefresh(s.client.Get(ctx, s.refreshKey(handle)))
}

// TakeRefreshToken fetches and deletes the refresh token in one GETDEL.
func (s *RedisBackend) TakeRefreshToken(ctx context.Context, handle string) (*idp.RefreshToken, error) {
	return s.getRefresh(s.client.GetDel(ctx, s.refreshKey(handle)))
}

// RevokeRefreshToken deletes the refresh token.
func (s *RedisBackend) RevokeRefreshToken(ctx context.Context, handle string) error {
	if err := s.client.Del(ctx, s.refreshKey(handle)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *RedisBackend) getRefresh(cmd *redis.StringCmd) (*idp.RefreshToken, error) {
	data, err := cmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("refresh token: %w", idp.ErrNotFound)
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	var rt idp.RefreshToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("decode refresh token: %w", err)
	}
	return &rt, nil
}

func (s *RedisBackend) set(ctx context.Context, k string, v any, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return errors.New("entry already expired")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := s.client.Set(ctx, k, data, ttl).Err(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}
