// Package jwks signs tokens with an RSA key and publishes the matching JSON
// Web Key Set, and verifies access tokens against a JWKS.
//
// The Verifier fetches RSA public keys from a standard JWKS endpoint (RFC 7517),
// caches them locally and verifies RS256 signatures without calling the
// issuer. A static Verifier built from a Signer checks tokens in-process.
package jwks

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	idp "github.com/chimerakang/idp-go"
)

// maxJWKSBytes bounds the size of a fetched key set.
const maxJWKSBytes = 1 << 20

// Verifier implements idp.TokenVerifier using JWKS public keys.
type Verifier struct {
	jwksURL         string
	httpClient      *http.Client
	refreshInterval time.Duration
	issuer          string
	audience        string

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey // kid → public key
	lastFetch time.Time
}

// compile-time check
var _ idp.TokenVerifier = (*Verifier)(nil)

// Option configures the Verifier.
type Option func(*Verifier)

// WithHTTPClient sets a custom HTTP client for fetching JWKS.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithRefreshInterval sets how often cached keys are refreshed.
// Default: 1 hour.
func WithRefreshInterval(d time.Duration) Option {
	return func(v *Verifier) { v.refreshInterval = d }
}

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = issuer }
}

// WithAudience requires aud to contain audience, e.g. an API resource name.
func WithAudience(audience string) Option {
	return func(v *Verifier) { v.audience = audience }
}

// NewVerifier creates a new JWKS-based token verifier.
func NewVerifier(jwksURL string, opts ...Option) *Verifier {
	v := &Verifier{
		jwksURL:         jwksURL,
		httpClient:      http.DefaultClient,
		refreshInterval: 1 * time.Hour,
		keys:            make(map[string]*rsa.PublicKey),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// NewStaticVerifier creates a verifier over a fixed key set. It never fetches.
func NewStaticVerifier(keys map[string]*rsa.PublicKey, opts ...Option) *Verifier {
	v := NewVerifier("", opts...)
	for kid, k := range keys {
		v.keys[kid] = k
	}
	v.lastFetch = time.Now()
	return v
}

// identityOnlyClaims appear in identity tokens and never in access tokens.
var identityOnlyClaims = []string{"nonce", "at_hash", "auth_time"}

// Verify validates an access token and returns the extracted claims.
// Identity tokens are rejected even though they share the signing key.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*idp.Claims, error) {
	m, err := v.parse(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	for _, c := range identityOnlyClaims {
		if _, ok := m[c]; ok {
			return nil, fmt.Errorf("idp/jwks: not an access token")
		}
	}
	return MapClaims(m), nil
}

// VerifyIdentityToken validates an identity token, such as an id_token_hint.
// Its aud names the client, so a configured audience should be a client ID.
func (v *Verifier) VerifyIdentityToken(ctx context.Context, tokenString string) (*idp.Claims, error) {
	m, err := v.parse(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if _, ok := m["auth_time"]; !ok {
		return nil, fmt.Errorf("idp/jwks: not an identity token")
	}
	return MapClaims(m), nil
}

func (v *Verifier) parse(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	popts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	}
	if v.issuer != "" {
		popts = append(popts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		popts = append(popts, jwt.WithAudience(v.audience))
	}
	parser := jwt.NewParser(popts...)

	token, err := parser.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		return v.getKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("idp/jwks: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("idp/jwks: invalid token claims")
	}
	return mapClaims, nil
}

// getKey returns the RSA public key for the given kid, fetching/refreshing as needed.
func (v *Verifier) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, found := v.keys[kid]
	stale := v.jwksURL != "" && time.Since(v.lastFetch) > v.refreshInterval
	v.mu.RUnlock()

	if found && !stale {
		return key, nil
	}

	if v.jwksURL != "" {
		// Fetch fresh keys (kid mismatch or cache expired)
		if err := v.refresh(ctx); err != nil {
			if found {
				return key, nil // use stale key if refresh fails
			}
			return nil, err
		}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if key, ok := v.keys[kid]; ok {
		return key, nil
	}

	// No kid specified: use the only available key
	if kid == "" && len(v.keys) == 1 {
		for _, k := range v.keys {
			return k, nil
		}
	}

	return nil, fmt.Errorf("idp/jwks: key not found for kid %q", kid)
}

// refresh fetches the JWKS from the configured URL and updates the cache.
func (v *Verifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("idp/jwks: create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("idp/jwks: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("idp/jwks: fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return fmt.Errorf("idp/jwks: read: %w", err)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return fmt.Errorf("idp/jwks: decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, set.Len())
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok || k.KeyType() != jwa.RSA {
			continue
		}
		if use := k.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
			continue
		}
		var pub rsa.PublicKey
		if err := k.Raw(&pub); err != nil {
			continue // skip malformed keys
		}
		keys[k.KeyID()] = &pub
	}

	if len(keys) == 0 {
		return fmt.Errorf("idp/jwks: no valid RSA signing keys found")
	}

	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()

	return nil
}

// MapClaims converts access-token claims to idp.Claims.
func MapClaims(m jwt.MapClaims) *idp.Claims {
	c := &idp.Claims{
		Extra: make(map[string]any),
	}

	if v, ok := m["sub"].(string); ok {
		c.Subject = v
	}
	if v, ok := m["client_id"].(string); ok {
		c.ClientID = v
	}
	if v, ok := m["iss"].(string); ok {
		c.Issuer = v
	}
	if v, ok := m["jti"].(string); ok {
		c.TokenID = v
	}
	if v, ok := m["exp"].(float64); ok {
		c.ExpiresAt = time.Unix(int64(v), 0)
	}
	if v, ok := m["iat"].(float64); ok {
		c.IssuedAt = time.Unix(int64(v), 0)
	}
	if aud, err := m.GetAudience(); err == nil {
		c.Audience = []string(aud)
	}
	switch scope := m["scope"].(type) {
	case string:
		c.Scopes = strings.Fields(scope)
	case []any:
		for _, s := range scope {
			if str, ok := s.(string); ok {
				c.Scopes = append(c.Scopes, str)
			}
		}
	}

	// Non-standard claims go to Extra
	standard := map[string]bool{
		"sub": true, "client_id": true, "iss": true, "jti": true,
		"exp": true, "iat": true, "nbf": true, "aud": true, "scope": true,
	}
	for k, v := range m {
		if !standard[k] {
			c.Extra[k] = v
		}
	}

	return c
}
