// Package token mints access and identity tokens and the opaque handles used
// for authorization codes and refresh tokens.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/internal/call"
)

// TypeBearer is the token_type of every access token.
const TypeBearer = "Bearer"

// handleBytes is the entropy of opaque codes and refresh tokens.
const handleBytes = 32

// SignedToken is a minted JWT and its metadata.
type SignedToken struct {
	Value     string
	ID        string
	ExpiresAt time.Time
	Lifetime  time.Duration
}

// Issuer mints tokens for the server's configured signer and lifetimes.
type Issuer struct {
	srv *idp.Server
	now func() time.Time
}

// Option configures the Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an Issuer backed by srv.Signer().
func NewIssuer(srv *idp.Server, opts ...Option) *Issuer {
	i := &Issuer{srv: srv, now: time.Now}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Now returns the issuer's current time.
func (i *Issuer) Now() time.Time { return i.now() }

// IssueAccessToken mints an access token. An empty subject means the client
// acts on its own behalf and sub is set to the client ID.
func (i *Issuer) IssueAccessToken(ctx context.Context, client *idp.Client, subject string, scopes, audiences []string) (*SignedToken, error) {
	now := i.now()
	lifetime := i.srv.AccessTokenLifetime(client)
	jti := uuid.NewString()
	if subject == "" {
		subject = client.ClientID
	}

	claims := map[string]any{
		"iss":       i.srv.Config().Issuer,
		"sub":       subject,
		"client_id": client.ClientID,
		"scope":     strings.Join(scopes, " "),
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(lifetime).Unix(),
		"jti":       jti,
	}
	if len(audiences) > 0 {
		claims["aud"] = slices.Clone(audiences)
	}

	value, err := i.sign(ctx, claims)
	if err != nil {
		return nil, err
	}
	return &SignedToken{Value: value, ID: jti, ExpiresAt: now.Add(lifetime), Lifetime: lifetime}, nil
}

// IdentityRequest carries the inputs of an identity token.
type IdentityRequest struct {
	Client  *idp.Client
	Subject string
	Scopes  []idp.Scope
	Nonce   string
	// AuthTime is when the user authenticated. Zero means now.
	AuthTime time.Time
	// AccessToken, when set, is bound via at_hash.
	AccessToken string
}

// IssueIdentityToken mints an OIDC identity token. The openid scope is
// required; identity scopes such as profile release matching user claims.
func (i *Issuer) IssueIdentityToken(ctx context.Context, req IdentityRequest) (*SignedToken, error) {
	if !slices.Contains(idp.ScopeNames(req.Scopes), idp.ScopeOpenID) {
		return nil, idp.InvalidScope("openid scope required for an identity token")
	}
	if req.Subject == "" {
		return nil, idp.InvalidRequest("identity token requires a subject")
	}

	now := i.now()
	lifetime := i.srv.IdentityTokenLifetime(req.Client)
	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = now
	}

	userClaims, err := i.UserClaims(ctx, req.Subject, req.Scopes)
	if err != nil {
		return nil, err
	}

	claims := map[string]any{
		"iss":       i.srv.Config().Issuer,
		"aud":       req.Client.ClientID,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(lifetime).Unix(),
		"auth_time": authTime.Unix(),
	}
	for k, v := range userClaims {
		claims[k] = v
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.AccessToken != "" {
		claims["at_hash"] = AtHash(req.AccessToken)
	}

	value, err := i.sign(ctx, claims)
	if err != nil {
		return nil, err
	}
	return &SignedToken{Value: value, ExpiresAt: now.Add(lifetime), Lifetime: lifetime}, nil
}

// UserClaims returns sub plus the user claims released by the identity scopes.
func (i *Issuer) UserClaims(ctx context.Context, subject string, scopes []idp.Scope) (map[string]any, error) {
	claims := map[string]any{"sub": subject}

	var wanted []string
	for _, s := range scopes {
		if s.Kind != idp.ScopeIdentity {
			continue
		}
		for _, c := range s.Claims {
			if c != "sub" && !slices.Contains(wanted, c) {
				wanted = append(wanted, c)
			}
		}
	}
	if len(wanted) == 0 {
		return claims, nil
	}

	user, err := i.findUser(ctx, subject)
	if err != nil {
		return nil, err
	}
	for _, c := range wanted {
		if v, ok := user.Claims[c]; ok {
			claims[c] = v
		}
	}
	return claims, nil
}

func (i *Issuer) findUser(ctx context.Context, subject string) (*idp.User, error) {
	var (
		user *idp.User
		err  error
	)
	switch {
	case i.srv.Users() != nil:
		user, err = i.srv.Users().FindUser(ctx, subject)
	case i.srv.Registry() != nil:
		user, err = i.srv.Registry().FindUser(ctx, subject)
	default:
		return nil, idp.ServerError(fmt.Errorf("idp/token: no user store configured"))
	}
	if errors.Is(err, idp.ErrNotFound) {
		return nil, idp.InvalidGrant("subject no longer exists")
	}
	if err != nil {
		var e *idp.Error
		if errors.As(err, &e) {
			return nil, e
		}
		return nil, idp.Unavailable(err)
	}
	return user, nil
}

func (i *Issuer) sign(ctx context.Context, claims map[string]any) (string, error) {
	signer := i.srv.Signer()
	if signer == nil {
		return "", idp.ServerError(fmt.Errorf("idp/token: no signer configured"))
	}
	v, err := call.Do(ctx, call.PolicyFor(i.srv), "signer.Sign", func(ctx context.Context) (string, error) {
		return signer.Sign(ctx, claims)
	})
	if err != nil {
		var e *idp.Error
		if errors.As(err, &e) {
			return "", e
		}
		return "", idp.Unavailable(fmt.Errorf("idp/token: sign: %w", err))
	}
	return v, nil
}

// AtHash is base64url of the left half of SHA-256(accessToken).
func AtHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// NewHandle returns an opaque, URL-safe random handle for codes and refresh tokens.
func NewHandle() (string, error) {
	b := make([]byte, handleBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("idp/token: random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Redact returns a short prefix of a handle that is safe to log.
func Redact(handle string) string {
	if len(handle) <= 6 {
		return "***"
	}
	return handle[:6] + "..."
}
