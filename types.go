package idp

import (
	"slices"
	"strings"
	"time"
)

// GrantType names an OAuth2 flow a client may use.
type GrantType string

// Supported grant types.
const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantPassword          GrantType = "password"
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantImplicit          GrantType = "implicit"
	GrantRefreshToken      GrantType = "refresh_token"
)

// GrantTypes lists every grant the engine knows how to execute, in dispatch order.
var GrantTypes = []GrantType{
	GrantClientCredentials,
	GrantPassword,
	GrantAuthorizationCode,
	GrantImplicit,
	GrantRefreshToken,
}

// Valid reports whether g is one of the supported grant types.
func (g GrantType) Valid() bool {
	return slices.Contains(GrantTypes, g)
}

// Well-known scope names.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeOfflineAccess = "offline_access"
)

// Client is a registered OAuth2/OIDC client application.
type Client struct {
	ClientID   string
	ClientName string

	AllowedGrantTypes []GrantType

	// ClientSecrets holds bcrypt hashes, never cleartext.
	ClientSecrets       []string
	RequireClientSecret bool

	RequirePkce        bool
	AllowPlainTextPkce bool

	AllowedScopes          []string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	FrontChannelLogoutURI  string
	AllowedCorsOrigins     []string

	// AllowOfflineAccess gates refresh-token issuance.
	AllowOfflineAccess bool

	// AllowAccessTokensViaBrowser permits implicit responses carrying an access token.
	AllowAccessTokensViaBrowser bool

	// Lifetimes in seconds; zero means the engine default.
	AccessTokenLifetime       int
	IdentityTokenLifetime     int
	AuthorizationCodeLifetime int
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(g GrantType) bool {
	return slices.Contains(c.AllowedGrantTypes, g)
}

// AllowsScope reports whether the client may request the named scope.
// offline_access is implied by AllowOfflineAccess.
func (c *Client) AllowsScope(name string) bool {
	if name == ScopeOfflineAccess {
		return c.AllowOfflineAccess
	}
	return slices.Contains(c.AllowedScopes, name)
}

// IsPublic reports whether the client has no secrets and cannot authenticate.
func (c *Client) IsPublic() bool {
	return len(c.ClientSecrets) == 0 && !c.RequireClientSecret
}

// ScopeKind separates identity scopes from API resource scopes.
type ScopeKind int

const (
	// ScopeIdentity grants identity-token claims.
	ScopeIdentity ScopeKind = iota + 1
	// ScopeResource grants an access-token audience entry.
	ScopeResource
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeIdentity:
		return "identity"
	case ScopeResource:
		return "resource"
	default:
		return "unknown"
	}
}

// IdentityResource is a named set of user claims, e.g. openid or profile.
type IdentityResource struct {
	Name        string
	DisplayName string
	UserClaims  []string
}

// APIResource is a protected API. Its Scopes default to its own Name.
type APIResource struct {
	Name        string
	DisplayName string
	Scopes      []string
	UserClaims  []string
}

// Scope is a resolved scope name with the resource it belongs to.
type Scope struct {
	Name string
	Kind ScopeKind
	// Resource is the audience granted by a resource scope.
	Resource string
	// Claims are the user claims an identity scope releases.
	Claims []string
}

// ScopeNames returns the names of the given scopes.
func ScopeNames(scopes []Scope) []string {
	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = s.Name
	}
	return names
}

// Audiences returns the distinct resource names granted by the given scopes.
func Audiences(scopes []Scope) []string {
	var aud []string
	for _, s := range scopes {
		if s.Kind == ScopeResource && !slices.Contains(aud, s.Resource) {
			aud = append(aud, s.Resource)
		}
	}
	return aud
}

// User is a resource owner known to the identity provider.
type User struct {
	SubjectID    string
	Username     string
	PasswordHash string
	Claims       map[string]string
}

// AuthorizationCode is a single-use code handed to a client after authorization.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	SubjectID           string    `json:"subject_id"`
	Scopes              []string  `json:"scopes"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its expiry at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// RefreshToken is a long-lived grant to mint new access tokens.
type RefreshToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	SubjectID string    `json:"subject_id"`
	Scopes    []string  `json:"scopes"`
	AuthTime  time.Time `json:"auth_time"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Claims are the claims extracted from a verified access token.
type Claims struct {
	Subject   string
	ClientID  string
	Issuer    string
	Audience  []string
	Scopes    []string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Extra     map[string]any
}

// HasScope reports whether the token was granted the named scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// HasAudience reports whether the token is valid for the named resource.
func (c *Claims) HasAudience(aud string) bool {
	return slices.Contains(c.Audience, aud)
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ParseScope splits a space-delimited scope parameter, dropping duplicates.
func ParseScope(raw string) []string {
	var out []string
	for _, s := range strings.Fields(raw) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Discovery describes what the engine supports, for admin UIs and client tooling.
type Discovery struct {
	IdentityScopes []string
	ResourceScopes []string
	APIResources   []string
	GrantTypes     []GrantType
	Clients        []string
}
