// Package session provides the authorization code and refresh token store.
//
// Service validates and logs every operation and delegates persistence to a
// Backend. MemoryStore keeps entries in process; RedisStore shares them across
// replicas. Both key entries by a SHA-256 digest of the opaque handle, so a
// dump of the store does not reveal usable codes or tokens.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/token"
)

// Backend defines the contract for pluggable session storage (memory, Redis).
// TakeCode and TakeRefreshToken must be atomic: of two concurrent calls for the
// same handle at most one returns the entry.
type Backend interface {
	SaveCode(ctx context.Context, code *idp.AuthorizationCode) error
	TakeCode(ctx context.Context, code string) (*idp.AuthorizationCode, error)
	SaveRefreshToken(ctx context.Context, rt *idp.RefreshToken) error
	GetRefreshToken(ctx context.Context, handle string) (*idp.RefreshToken, error)
	TakeRefreshToken(ctx context.Context, handle string) (*idp.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, handle string) error
}

// Service implements idp.SessionStore with a configurable backend.
type Service struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

var _ idp.SessionStore = (*Service)(nil)

// Option configures the Service.
type Option func(*Service)

// WithLogger sets a structured logger for the service.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source used for lazy expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service with the given backend.
func New(backend Backend, opts ...Option) *Service {
	s := &Service{backend: backend, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "session")
	return s
}

// NewMemoryStore returns a Service over a fresh MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *Service {
	return New(NewMemoryBackend(opts...))
}

// SaveCode stores an authorization code until its expiry.
func (s *Service) SaveCode(ctx context.Context, code *idp.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("idp/session: code cannot be empty")
	}
	if code.Expired(s.now()) {
		return fmt.Errorf("idp/session: code already expired")
	}
	if err := s.backend.SaveCode(ctx, code); err != nil {
		return s.wrap(err)
	}
	s.logger.DebugContext(ctx, "authorization code stored",
		"code", token.Redact(code.Code), "client_id", code.ClientID, "expires_at", code.ExpiresAt)
	return nil
}

// TakeCode atomically redeems a code. Unknown, already used and expired codes
// all return idp.ErrNotFound.
func (s *Service) TakeCode(ctx context.Context, code string) (*idp.AuthorizationCode, error) {
	if code == "" {
		return nil, fmt.Errorf("idp/session: code: %w", idp.ErrNotFound)
	}
	ac, err := s.backend.TakeCode(ctx, code)
	if err != nil {
		return nil, s.wrap(err)
	}
	if ac.Expired(s.now()) {
		s.logger.DebugContext(ctx, "expired authorization code redeemed", "code", token.Redact(code))
		return nil, fmt.Errorf("idp/session: code expired: %w", idp.ErrNotFound)
	}
	return ac, nil
}

// SaveRefreshToken stores a refresh token until its expiry.
func (s *Service) SaveRefreshToken(ctx context.Context, rt *idp.RefreshToken) error {
	if rt == nil || rt.Token == "" {
		return fmt.Errorf("idp/session: refresh token cannot be empty")
	}
	if rt.Expired(s.now()) {
		return fmt.Errorf("idp/session: refresh token already expired")
	}
	if err := s.backend.SaveRefreshToken(ctx, rt); err != nil {
		return s.wrap(err)
	}
	s.logger.DebugContext(ctx, "refresh token stored",
		"token", token.Redact(rt.Token), "client_id", rt.ClientID, "expires_at", rt.ExpiresAt)
	return nil
}

// GetRefreshToken returns an unexpired refresh token without consuming it.
func (s *Service) GetRefreshToken(ctx context.Context, handle string) (*idp.RefreshToken, error) {
	if handle == "" {
		return nil, fmt.Errorf("idp/session: refresh token: %w", idp.ErrNotFound)
	}
	rt, err := s.backend.GetRefreshToken(ctx, handle)
	if err != nil {
		return nil, s.wrap(err)
	}
	if rt.Expired(s.now()) {
		return nil, fmt.Errorf("idp/session: refresh token expired: %w", idp.ErrNotFound)
	}
	return rt, nil
}

// TakeRefreshToken atomically consumes a refresh token.
func (s *Service) TakeRefreshToken(ctx context.Context, handle string) (*idp.RefreshToken, error) {
	if handle == "" {
		return nil, fmt.Errorf("idp/session: refresh token: %w", idp.ErrNotFound)
	}
	rt, err := s.backend.TakeRefreshToken(ctx, handle)
	if err != nil {
		return nil, s.wrap(err)
	}
	if rt.Expired(s.now()) {
		return nil, fmt.Errorf("idp/session: refresh token expired: %w", idp.ErrNotFound)
	}
	return rt, nil
}

// RevokeRefreshToken deletes a refresh token. Unknown tokens are not an error.
func (s *Service) RevokeRefreshToken(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	if err := s.backend.RevokeRefreshToken(ctx, handle); err != nil && !errors.Is(err, idp.ErrNotFound) {
		return s.wrap(err)
	}
	s.logger.DebugContext(ctx, "refresh token revoked", "token", token.Redact(handle))
	return nil
}

// Stats returns the number of stored codes and refresh tokens, when the
// backend can count them.
func (s *Service) Stats() (codes, refreshTokens int, ok bool) {
	c, ok := s.backend.(interface{ Len() (int, int) })
	if !ok {
		return 0, 0, false
	}
	codes, refreshTokens = c.Len()
	return codes, refreshTokens, true
}

// Close closes the backend if it holds resources.
func (s *Service) Close() error {
	if c, ok := s.backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (s *Service) wrap(err error) error {
	if errors.Is(err, idp.ErrNotFound) {
		return fmt.Errorf("idp/session: %w", err)
	}
	return idp.Unavailable(fmt.Errorf("idp/session: %w", err))
}

// key derives the storage key for an opaque handle.
func key(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return hex.EncodeToString(sum[:])
}
