package registry

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	idp "github.com/chimerakang/idp-go"
)

// Document is the on-disk registry format.
type Document struct {
	IdentityResources []IdentityResourceDoc `yaml:"identity_resources"`
	APIResources      []APIResourceDoc      `yaml:"api_resources"`
	Clients           []ClientDoc           `yaml:"clients"`
	Users             []UserDoc             `yaml:"users"`
}

type IdentityResourceDoc struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	UserClaims  []string `yaml:"user_claims"`
}

type APIResourceDoc struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Scopes      []string `yaml:"scopes"`
	UserClaims  []string `yaml:"user_claims"`
}

// ClientDoc mirrors idp.Client. RequireClientSecret defaults to true when omitted.
type ClientDoc struct {
	ClientID                    string   `yaml:"client_id"`
	ClientName                  string   `yaml:"client_name"`
	AllowedGrantTypes           []string `yaml:"allowed_grant_types"`
	ClientSecrets               []string `yaml:"client_secrets"`
	RequireClientSecret         *bool    `yaml:"require_client_secret"`
	RequirePkce                 bool     `yaml:"require_pkce"`
	AllowPlainTextPkce          bool     `yaml:"allow_plain_text_pkce"`
	AllowedScopes               []string `yaml:"allowed_scopes"`
	RedirectURIs                []string `yaml:"redirect_uris"`
	PostLogoutRedirectURIs      []string `yaml:"post_logout_redirect_uris"`
	FrontChannelLogoutURI       string   `yaml:"front_channel_logout_uri"`
	AllowedCorsOrigins          []string `yaml:"allowed_cors_origins"`
	AllowOfflineAccess          bool     `yaml:"allow_offline_access"`
	AllowAccessTokensViaBrowser bool     `yaml:"allow_access_tokens_via_browser"`
	AccessTokenLifetime         int      `yaml:"access_token_lifetime"`
	IdentityTokenLifetime       int      `yaml:"identity_token_lifetime"`
	AuthorizationCodeLifetime   int      `yaml:"authorization_code_lifetime"`
}

type UserDoc struct {
	SubjectID    string            `yaml:"subject_id"`
	Username     string            `yaml:"username"`
	PasswordHash string            `yaml:"password_hash"`
	Claims       map[string]string `yaml:"claims"`
}

// Load parses a YAML registry document and builds the Registry.
// Unknown fields are rejected.
func Load(data []byte) (*Registry, error) {
	var doc Document
	if err := yaml.UnmarshalWithOptions(data, &doc, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("idp/registry: parse: %w", err)
	}
	return doc.Builder().Build()
}

// LoadFile reads and loads the registry document at path.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("idp/registry: %w", err)
	}
	return Load(data)
}

// Builder converts the document into a Builder.
func (d *Document) Builder() *Builder {
	b := NewBuilder()
	for _, ir := range d.IdentityResources {
		b.AddIdentityResource(idp.IdentityResource(ir))
	}
	for _, ar := range d.APIResources {
		b.AddAPIResource(idp.APIResource(ar))
	}
	for _, cd := range d.Clients {
		b.AddClient(cd.client())
	}
	for _, ud := range d.Users {
		b.AddUser(idp.User(ud))
	}
	return b
}

func (cd ClientDoc) client() idp.Client {
	grants := make([]idp.GrantType, len(cd.AllowedGrantTypes))
	for i, g := range cd.AllowedGrantTypes {
		grants[i] = idp.GrantType(g)
	}
	requireSecret := true
	if cd.RequireClientSecret != nil {
		requireSecret = *cd.RequireClientSecret
	}
	return idp.Client{
		ClientID:                    cd.ClientID,
		ClientName:                  cd.ClientName,
		AllowedGrantTypes:           grants,
		ClientSecrets:               cd.ClientSecrets,
		RequireClientSecret:         requireSecret,
		RequirePkce:                 cd.RequirePkce,
		AllowPlainTextPkce:          cd.AllowPlainTextPkce,
		AllowedScopes:               cd.AllowedScopes,
		RedirectURIs:                cd.RedirectURIs,
		PostLogoutRedirectURIs:      cd.PostLogoutRedirectURIs,
		FrontChannelLogoutURI:       cd.FrontChannelLogoutURI,
		AllowedCorsOrigins:          cd.AllowedCorsOrigins,
		AllowOfflineAccess:          cd.AllowOfflineAccess,
		AllowAccessTokensViaBrowser: cd.AllowAccessTokensViaBrowser,
		AccessTokenLifetime:         cd.AccessTokenLifetime,
		IdentityTokenLifetime:       cd.IdentityTokenLifetime,
		AuthorizationCodeLifetime:   cd.AuthorizationCodeLifetime,
	}
}
