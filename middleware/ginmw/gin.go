// Package ginmw provides Gin HTTP middleware that protects resource APIs with
// access tokens issued by the identity provider.
//
// All middleware functions accept an *idp.Server and use its TokenVerifier,
// so the same code works against a remote JWKS, a local signer or the fake.
package ginmw

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/metrics"
)

// Context keys for storing token data in gin.Context.
const (
	KeySubject  = "idp_subject"
	KeyClientID = "idp_client_id"
	KeyScopes   = "idp_scopes"
	KeyClaims   = "idp_claims"
)

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedPaths map[string]bool
	metrics       *metrics.Metrics
	realm         string
}

// WithExcludedPaths sets paths that skip authentication (e.g. health checks).
func WithExcludedPaths(paths ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

// WithMetrics records verification outcomes.
func WithMetrics(m *metrics.Metrics) AuthOption {
	return func(cfg *authConfig) { cfg.metrics = m }
}

// WithRealm sets the realm reported in WWW-Authenticate challenges.
func WithRealm(realm string) AuthOption {
	return func(cfg *authConfig) { cfg.realm = realm }
}

// Auth returns Gin middleware that verifies bearer access tokens via srv.Verifier().
// On success, it stores claims in the Gin context and the request context.
// Responds with 401 and a Bearer challenge if the token is missing or invalid.
func Auth(srv *idp.Server, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{excludedPaths: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenStr := ExtractBearerToken(c.Request)
		if tokenStr == "" {
			cfg.metrics.RecordAuthFailure("gin", "missing")
			challenge(c, cfg.realm, "", "")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
			return
		}

		verifier := srv.Verifier()
		if verifier == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token verifier not configured"})
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), tokenStr)
		if err != nil {
			cfg.metrics.RecordAuthFailure("gin", "invalid")
			challenge(c, cfg.realm, idp.CodeInvalidToken, "the access token is invalid")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": idp.CodeInvalidToken})
			return
		}
		cfg.metrics.RecordAuthSuccess("gin")

		c.Set(KeyClaims, claims)
		c.Set(KeySubject, claims.Subject)
		c.Set(KeyClientID, claims.ClientID)
		c.Set(KeyScopes, claims.Scopes)
		c.Request = c.Request.WithContext(idp.WithPrincipal(c.Request.Context(), claims))

		c.Next()
	}
}

// RequireScope returns Gin middleware that checks a single granted scope.
// Requires Auth middleware to run first. Responds with 403 insufficient_scope.
func RequireScope(scope string) gin.HandlerFunc {
	return RequireAnyScope(scope)
}

// RequireAnyScope returns Gin middleware that passes if any of the scopes was granted.
func RequireAnyScope(scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token context"})
			return
		}
		for _, s := range scopes {
			if claims.HasScope(s) {
				c.Next()
				return
			}
		}
		challenge(c, "", "insufficient_scope", "requires scope "+strings.Join(scopes, " or "))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient_scope"})
	}
}

// RequireAudience returns Gin middleware that checks the token was issued for the API resource.
func RequireAudience(audience string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token context"})
			return
		}
		if !claims.HasAudience(audience) {
			challenge(c, "", idp.CodeInvalidToken, "token audience does not include "+audience)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": idp.CodeInvalidToken})
			return
		}
		c.Next()
	}
}

// --- Context helpers ---

// GetSubject returns the token subject from the Gin context.
func GetSubject(c *gin.Context) string {
	v, _ := c.Get(KeySubject)
	s, _ := v.(string)
	return s
}

// GetClientID returns the client the token was issued to.
func GetClientID(c *gin.Context) string {
	v, _ := c.Get(KeyClientID)
	s, _ := v.(string)
	return s
}

// GetScopes returns the granted scopes from the Gin context.
func GetScopes(c *gin.Context) []string {
	v, _ := c.Get(KeyScopes)
	s, _ := v.([]string)
	return s
}

// GetClaims returns the full claims from the Gin context.
func GetClaims(c *gin.Context) *idp.Claims {
	v, _ := c.Get(KeyClaims)
	cl, _ := v.(*idp.Claims)
	return cl
}

// ExtractBearerToken returns the bearer token of the Authorization header.
func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// --- internal helpers ---

func challenge(c *gin.Context, realm, code, description string) {
	var params []string
	if realm != "" {
		params = append(params, fmt.Sprintf("realm=%q", realm))
	}
	if code != "" {
		params = append(params, fmt.Sprintf("error=%q", code))
	}
	if description != "" {
		params = append(params, fmt.Sprintf("error_description=%q", description))
	}
	value := "Bearer"
	if len(params) > 0 {
		value += " " + strings.Join(params, ", ")
	}
	c.Header("WWW-Authenticate", value)
}
