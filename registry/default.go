package registry

import (
	"sync"

	"golang.org/x/crypto/bcrypt"

	idp "github.com/chimerakang/idp-go"
)

// Sample credentials used by Default.
const (
	DemoClientSecret = "secret"
	DemoSubjectID    = "1"
	DemoUsername     = "demo"
	DemoPassword     = "demo"
	DemoAPIResource  = "ResourceApi"
)

// ProfileClaims are the standard OIDC claims released by the profile scope.
var ProfileClaims = []string{
	"name", "family_name", "given_name", "middle_name", "nickname",
	"preferred_username", "profile", "picture", "website", "gender",
	"birthdate", "zoneinfo", "locale", "updated_at",
}

var defaultRegistry = sync.OnceValues(func() (*Registry, error) {
	secret, err := bcrypt.GenerateFromPassword([]byte(DemoClientSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	password, err := bcrypt.GenerateFromPassword([]byte(DemoPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return DefaultBuilder(string(secret), string(password)).Build()
})

// Default returns the sample registry: the openid and profile identity
// scopes, one API resource and six clients covering every grant type.
// The result is built once and shared.
func Default() (*Registry, error) {
	return defaultRegistry()
}

// DefaultBuilder returns the sample registry entries with the given bcrypt
// hashes for the client secret and the demo user's password.
func DefaultBuilder(secretHash, passwordHash string) *Builder {
	scopes := []string{idp.ScopeOpenID, idp.ScopeProfile, DemoAPIResource}

	return NewBuilder().
		AddIdentityResource(idp.IdentityResource{Name: idp.ScopeOpenID, DisplayName: "Your user identifier", UserClaims: []string{"sub"}}).
		AddIdentityResource(idp.IdentityResource{Name: idp.ScopeProfile, DisplayName: "User profile", UserClaims: ProfileClaims}).
		AddAPIResource(idp.APIResource{Name: DemoAPIResource, DisplayName: "Resource API"}).
		AddClient(idp.Client{
			ClientID:            "ConsoleAppClient",
			AllowedGrantTypes:   []idp.GrantType{idp.GrantClientCredentials},
			ClientSecrets:       []string{secretHash},
			RequireClientSecret: true,
			AllowedScopes:       []string{DemoAPIResource},
		}).
		AddClient(idp.Client{
			ClientID:            "ResourceOwnerClient",
			AllowedGrantTypes:   []idp.GrantType{idp.GrantPassword},
			ClientSecrets:       []string{secretHash},
			RequireClientSecret: true,
			AllowedScopes:       []string{DemoAPIResource},
		}).
		AddClient(idp.Client{
			ClientID:               "MvcClient",
			ClientName:             "MVC Client",
			AllowedGrantTypes:      []idp.GrantType{idp.GrantAuthorizationCode},
			RequirePkce:            true,
			ClientSecrets:          []string{secretHash},
			RequireClientSecret:    true,
			RedirectURIs:           []string{"http://localhost:5002/signin-oidc"},
			PostLogoutRedirectURIs: []string{"http://localhost:5002/signout-callback-oidc"},
			AllowedScopes:          scopes,
			AllowOfflineAccess:     true,
		}).
		AddClient(idp.Client{
			ClientID:                    "resourcesswaggerui",
			ClientName:                  "Resources Swagger UI",
			AllowedGrantTypes:           []idp.GrantType{idp.GrantImplicit},
			AllowAccessTokensViaBrowser: true,
			RedirectURIs:                []string{"http://localhost:5001/swagger/oauth2-redirect.html"},
			PostLogoutRedirectURIs:      []string{"http://localhost:5001/swagger/"},
			AllowedScopes:               scopes,
		}).
		AddClient(idp.Client{
			ClientID:               "postman",
			ClientName:             "Postman",
			AllowedGrantTypes:      []idp.GrantType{idp.GrantAuthorizationCode},
			ClientSecrets:          []string{secretHash},
			RequireClientSecret:    true,
			AccessTokenLifetime:    3600,
			RedirectURIs:           []string{"https://www.getpostman.com/oauth2/callback"},
			FrontChannelLogoutURI:  "https://www.getpostman.com/oauth2/callback/",
			PostLogoutRedirectURIs: []string{"https://www.getpostman.com/oauth2/callback/"},
			AllowedCorsOrigins:     []string{"https://www.getpostman.com"},
			AllowOfflineAccess:     true,
			AllowedScopes:          scopes,
		}).
		AddClient(idp.Client{
			ClientID:               "JsClient",
			ClientName:             "JavaScript Client",
			AllowedGrantTypes:      []idp.GrantType{idp.GrantAuthorizationCode},
			RequirePkce:            true,
			RequireClientSecret:    false,
			RedirectURIs:           []string{"http://localhost:5003/callback.html"},
			PostLogoutRedirectURIs: []string{"http://localhost:5003/index.html"},
			AllowedCorsOrigins:     []string{"http://localhost:5003"},
			AllowedScopes:          scopes,
		}).
		AddUser(idp.User{
			SubjectID:    DemoSubjectID,
			Username:     DemoUsername,
			PasswordHash: passwordHash,
			Claims: map[string]string{
				"name":               "Demo User",
				"preferred_username": DemoUsername,
			},
		})
}
