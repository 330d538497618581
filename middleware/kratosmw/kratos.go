// Package kratosmw provides Kratos framework middleware that protects resource
// APIs with access tokens issued by the identity provider.
//
// Server middleware verifies tokens through srv.Verifier() and works
// transparently with both Kratos HTTP and gRPC transports. The client
// middleware injects a client-credentials token into outgoing calls.
package kratosmw

import (
	"context"
	"strings"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/metrics"
)

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedOperations map[string]bool
	metrics            *metrics.Metrics
}

// WithExcludedOperations sets operations that skip authentication (e.g. health checks).
// Operations are matched by transport.Operation() (gRPC method or HTTP route pattern).
func WithExcludedOperations(ops ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, op := range ops {
			cfg.excludedOperations[op] = true
		}
	}
}

// WithMetrics records verification outcomes.
func WithMetrics(m *metrics.Metrics) AuthOption {
	return func(cfg *authConfig) { cfg.metrics = m }
}

// Auth returns Kratos middleware that verifies access tokens via srv.Verifier().
// On success, it stores the principal in the context (retrievable via
// idp.SubjectFromContext, idp.ClaimsFromContext, etc.).
// Returns kratos errors.Unauthorized if the token is missing or invalid.
func Auth(srv *idp.Server, opts ...AuthOption) middleware.Middleware {
	cfg := &authConfig{excludedOperations: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return handler(ctx, req)
			}

			if cfg.excludedOperations[tr.Operation()] {
				return handler(ctx, req)
			}

			tokenStr := extractBearerToken(tr.RequestHeader().Get("Authorization"))
			if tokenStr == "" {
				cfg.metrics.RecordAuthFailure("kratos", "missing")
				return nil, errors.Unauthorized("UNAUTHORIZED", "missing authorization token")
			}

			verifier := srv.Verifier()
			if verifier == nil {
				return nil, errors.InternalServer("INTERNAL", "token verifier not configured")
			}

			claims, err := verifier.Verify(ctx, tokenStr)
			if err != nil {
				cfg.metrics.RecordAuthFailure("kratos", "invalid")
				return nil, errors.Unauthorized("UNAUTHORIZED", "invalid token")
			}
			cfg.metrics.RecordAuthSuccess("kratos")

			return handler(idp.WithPrincipal(ctx, claims), req)
		}
	}
}

// RequireScope returns Kratos middleware that checks a single granted scope.
// Requires Auth middleware to run first.
// Returns kratos errors.Forbidden if the scope was not granted.
func RequireScope(scope string) middleware.Middleware {
	return RequireAnyScope(scope)
}

// RequireAnyScope returns Kratos middleware that passes if any of the given scopes was granted.
func RequireAnyScope(scopes ...string) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			claims := idp.ClaimsFromContext(ctx)
			if claims == nil {
				return nil, errors.Unauthorized("UNAUTHORIZED", "missing token context")
			}
			for _, s := range scopes {
				if claims.HasScope(s) {
					return handler(ctx, req)
				}
			}
			return nil, errors.Forbidden("FORBIDDEN", "insufficient scope")
		}
	}
}

// RequireAudience returns Kratos middleware that checks the token was issued
// for the given API resource.
func RequireAudience(audience string) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			claims := idp.ClaimsFromContext(ctx)
			if claims == nil || !claims.HasAudience(audience) {
				return nil, errors.Unauthorized("UNAUTHORIZED", "token audience mismatch")
			}
			return handler(ctx, req)
		}
	}
}

// TokenSource supplies a cached access token. *oauth2.Exchanger implements it.
type TokenSource interface {
	GetCachedToken(ctx context.Context) (string, error)
}

// OAuth2ClientCredentials returns Kratos client-side middleware that injects
// an OAuth2 Bearer token into outgoing requests using client credentials.
// The token is cached and refreshed before expiry by the source.
func OAuth2ClientCredentials(source TokenSource) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			if source == nil {
				return nil, errors.InternalServer("INTERNAL", "oauth2 token source not configured")
			}

			token, err := source.GetCachedToken(ctx)
			if err != nil {
				return nil, errors.Unauthorized("UNAUTHORIZED", "failed to obtain oauth2 token")
			}

			if tr, ok := transport.FromClientContext(ctx); ok {
				tr.RequestHeader().Set("Authorization", "Bearer "+token)
			}

			return handler(ctx, req)
		}
	}
}

// --- internal helpers ---

func extractBearerToken(auth string) string {
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
