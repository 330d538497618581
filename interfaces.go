package idp

import (
	"context"
	"encoding/json"
)

// Registry is the read-only view of configured clients, scopes and users.
// Implementations: registry/ (static, loaded once at startup).
type Registry interface {
	// FindClient returns the client with the given ID or ErrNotFound.
	FindClient(ctx context.Context, clientID string) (*Client, error)

	// ResolveScopes splits names into registered scopes and unknown names.
	ResolveScopes(ctx context.Context, names []string) (valid []Scope, unknown []string)

	// FindUser returns the user with the given subject ID or ErrNotFound.
	FindUser(ctx context.Context, subjectID string) (*User, error)

	// Discovery returns the registered scope names and supported grant types.
	Discovery(ctx context.Context) Discovery
}

// UserStore verifies resource-owner credentials.
// Implementations: user/ (memory or MySQL backed), fake/ (testing).
type UserStore interface {
	// VerifyPassword returns the subject ID for valid credentials,
	// or ErrInvalidCredentials.
	VerifyPassword(ctx context.Context, username, password string) (string, error)

	// FindUser returns the user with the given subject ID or ErrNotFound.
	FindUser(ctx context.Context, subjectID string) (*User, error)
}

// Signer signs token claims and publishes the matching verification keys.
// Implementations: jwks/ (RSA), fake/ (HMAC, testing).
type Signer interface {
	// Sign returns the compact serialization of the signed claims.
	Sign(ctx context.Context, claims map[string]any) (string, error)

	// PublicKeys returns the JWKS document for the current signing keys.
	PublicKeys(ctx context.Context) (json.RawMessage, error)

	// Algorithm returns the JWS algorithm name, e.g. "RS256".
	Algorithm() string
}

// SessionStore holds short-lived authorization codes and refresh tokens.
// Implementations: session/ (memory, Redis).
type SessionStore interface {
	// SaveCode stores an authorization code until its expiry.
	SaveCode(ctx context.Context, code *AuthorizationCode) error

	// TakeCode atomically looks up and invalidates a code. Of two concurrent
	// calls for the same code at most one succeeds.
	TakeCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// SaveRefreshToken stores a refresh token until its expiry.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns an unexpired refresh token without consuming it.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// TakeRefreshToken atomically looks up and invalidates a refresh token.
	TakeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeRefreshToken deletes a refresh token. Unknown tokens are not an error.
	RevokeRefreshToken(ctx context.Context, token string) error
}

// TokenVerifier verifies access tokens and extracts claims.
// Implementations: jwks/ (remote JWKS or local key), fake/ (testing).
type TokenVerifier interface {
	// Verify validates the token and returns the extracted claims.
	Verify(ctx context.Context, token string) (*Claims, error)
}
