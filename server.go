// Package idp provides an OAuth2 / OpenID Connect authorization and token-issuance engine.
//
// The engine consumes a static client/scope registry and enforces its rules at
// request time. Collaborators (registry, user store, signer, session store) are
// injected via Option functions, so the engine stays independent of storage and
// key management.
//
// Example usage:
//
//	reg, err := registry.LoadFile("registry.yaml")
//	signer, err := jwks.NewSigner(key, "k1")
//	srv, err := idp.New(
//	    idp.Config{Issuer: "https://id.example.com"},
//	    idp.WithRegistry(reg),
//	    idp.WithUserStore(user.New(user.NewRegistryBackend(reg))),
//	    idp.WithSigner(signer),
//	    idp.WithSessionStore(session.NewMemoryStore()),
//	)
package idp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"
)

// Default lifetimes and collaborator bounds.
const (
	DefaultAccessTokenLifetime       = time.Hour
	DefaultIdentityTokenLifetime     = 5 * time.Minute
	DefaultAuthorizationCodeLifetime = 5 * time.Minute
	DefaultRefreshTokenLifetime      = 30 * 24 * time.Hour
	DefaultCollaboratorTimeout       = 5 * time.Second
	DefaultCollaboratorRetries       = 2
)

// RefreshTokenUsage controls what happens to a refresh token once redeemed.
type RefreshTokenUsage string

const (
	// RefreshOneTime rotates the refresh token on every redemption.
	RefreshOneTime RefreshTokenUsage = "rotate"
	// RefreshReUse keeps the same refresh token until it expires or is revoked.
	RefreshReUse RefreshTokenUsage = "reuse"
)

// Config holds engine-wide behavior configuration.
type Config struct {
	// Issuer is the absolute URL placed in the iss claim of every token.
	Issuer string

	// Token lifetimes. Per-client lifetimes override the access, identity and code defaults.
	AccessTokenLifetime       time.Duration
	IdentityTokenLifetime     time.Duration
	AuthorizationCodeLifetime time.Duration
	RefreshTokenLifetime      time.Duration

	// RefreshTokenUsage selects rotation or reuse. Default: RefreshOneTime.
	RefreshTokenUsage RefreshTokenUsage

	// CollaboratorTimeout bounds every call to the user store and the signer. Default: 5 seconds.
	CollaboratorTimeout time.Duration

	// CollaboratorRetries is the number of extra attempts after an upstream failure.
	// Negative disables retries. Default: 2.
	CollaboratorRetries int
}

// Server is the engine's process-wide state: configuration plus collaborators.
// It is immutable after New and safe for concurrent use.
type Server struct {
	config   Config
	logger   *slog.Logger
	registry Registry
	users    UserStore
	signer   Signer
	sessions SessionStore
	verifier TokenVerifier
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets a structured logger for the server.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistry sets the client/scope registry.
func WithRegistry(r Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithUserStore sets the resource-owner credential store.
func WithUserStore(u UserStore) Option {
	return func(s *Server) { s.users = u }
}

// WithSigner sets the token signer.
func WithSigner(sg Signer) Option {
	return func(s *Server) { s.signer = sg }
}

// WithSessionStore sets the authorization code and refresh token store.
func WithSessionStore(st SessionStore) Option {
	return func(s *Server) { s.sessions = st }
}

// WithTokenVerifier sets the verifier used by introspection, userinfo and middleware.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(s *Server) { s.verifier = v }
}

// New creates a Server with the given configuration and options.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("idp: Issuer is required")
	}
	if u, err := url.Parse(cfg.Issuer); err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("idp: Issuer %q must be an absolute URL", cfg.Issuer)
	}
	if cfg.AccessTokenLifetime == 0 {
		cfg.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if cfg.IdentityTokenLifetime == 0 {
		cfg.IdentityTokenLifetime = DefaultIdentityTokenLifetime
	}
	if cfg.AuthorizationCodeLifetime == 0 {
		cfg.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}
	if cfg.RefreshTokenLifetime == 0 {
		cfg.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}
	switch cfg.RefreshTokenUsage {
	case "":
		cfg.RefreshTokenUsage = RefreshOneTime
	case RefreshOneTime, RefreshReUse:
	default:
		return nil, fmt.Errorf("idp: unknown RefreshTokenUsage %q", cfg.RefreshTokenUsage)
	}
	if cfg.CollaboratorTimeout == 0 {
		cfg.CollaboratorTimeout = DefaultCollaboratorTimeout
	}
	if cfg.CollaboratorRetries == 0 {
		cfg.CollaboratorRetries = DefaultCollaboratorRetries
	} else if cfg.CollaboratorRetries < 0 {
		cfg.CollaboratorRetries = 0
	}

	s := &Server{config: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Config returns the server configuration with defaults applied.
func (s *Server) Config() Config { return s.config }

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// Registry returns the client/scope registry, or nil if not configured.
func (s *Server) Registry() Registry { return s.registry }

// Users returns the user store, or nil if not configured.
func (s *Server) Users() UserStore { return s.users }

// Signer returns the token signer, or nil if not configured.
func (s *Server) Signer() Signer { return s.signer }

// Sessions returns the session store, or nil if not configured.
func (s *Server) Sessions() SessionStore { return s.sessions }

// Verifier returns the token verifier, or nil if not configured.
func (s *Server) Verifier() TokenVerifier { return s.verifier }

// HealthCheck reports whether the collaborators required for token issuance are configured.
func (s *Server) HealthCheck(ctx context.Context) error {
	if s.registry == nil {
		return fmt.Errorf("idp: registry not configured")
	}
	if s.signer == nil {
		return fmt.Errorf("idp: signer not configured")
	}
	if s.sessions == nil {
		return fmt.Errorf("idp: session store not configured")
	}
	return ctx.Err()
}

// AccessTokenLifetime returns the access token lifetime for the client.
func (s *Server) AccessTokenLifetime(c *Client) time.Duration {
	if c != nil && c.AccessTokenLifetime > 0 {
		return time.Duration(c.AccessTokenLifetime) * time.Second
	}
	return s.config.AccessTokenLifetime
}

// IdentityTokenLifetime returns the identity token lifetime for the client.
func (s *Server) IdentityTokenLifetime(c *Client) time.Duration {
	if c != nil && c.IdentityTokenLifetime > 0 {
		return time.Duration(c.IdentityTokenLifetime) * time.Second
	}
	return s.config.IdentityTokenLifetime
}

// AuthorizationCodeLifetime returns the authorization code lifetime for the client.
func (s *Server) AuthorizationCodeLifetime(c *Client) time.Duration {
	if c != nil && c.AuthorizationCodeLifetime > 0 {
		return time.Duration(c.AuthorizationCodeLifetime) * time.Second
	}
	return s.config.AuthorizationCodeLifetime
}

// Close releases all resources held by the server.
// Any injected collaborator that implements io.Closer will be closed.
func (s *Server) Close() error {
	closers := []any{s.registry, s.users, s.signer, s.sessions, s.verifier}
	var firstErr error
	for _, svc := range closers {
		if cl, ok := svc.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
