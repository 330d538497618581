// Package registry holds the immutable view of configured clients, scopes and
// users. A Registry is built once at startup and read without locks afterwards.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"

	idp "github.com/chimerakang/idp-go"
)

var _ idp.Registry = (*Registry)(nil)

// Registry is a read-only snapshot of the configured clients, scopes and users.
// Returned values must not be modified by callers.
type Registry struct {
	clients   map[string]*idp.Client
	scopes    map[string]idp.Scope
	resources []idp.APIResource
	users     map[string]*idp.User
	usernames map[string]*idp.User
	origins   map[string]struct{}
}

// FindClient returns the client with the given ID or idp.ErrNotFound.
func (r *Registry) FindClient(_ context.Context, clientID string) (*idp.Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("idp/registry: client %q: %w", clientID, idp.ErrNotFound)
	}
	return c, nil
}

// ResolveScopes splits names into registered scopes and unknown names,
// preserving request order.
func (r *Registry) ResolveScopes(_ context.Context, names []string) ([]idp.Scope, []string) {
	var valid []idp.Scope
	var unknown []string
	for _, n := range names {
		if s, ok := r.scopes[n]; ok {
			valid = append(valid, s)
		} else {
			unknown = append(unknown, n)
		}
	}
	return valid, unknown
}

// FindUser returns the user with the given subject ID or idp.ErrNotFound.
func (r *Registry) FindUser(_ context.Context, subjectID string) (*idp.User, error) {
	u, ok := r.users[subjectID]
	if !ok {
		return nil, fmt.Errorf("idp/registry: user: %w", idp.ErrNotFound)
	}
	return u, nil
}

// FindUserByUsername returns the user with the given username or idp.ErrNotFound.
func (r *Registry) FindUserByUsername(_ context.Context, username string) (*idp.User, error) {
	u, ok := r.usernames[username]
	if !ok {
		return nil, fmt.Errorf("idp/registry: user: %w", idp.ErrNotFound)
	}
	return u, nil
}

// Discovery returns the registered scope names and supported grant types.
func (r *Registry) Discovery(_ context.Context) idp.Discovery {
	var d idp.Discovery
	for name, s := range r.scopes {
		switch s.Kind {
		case idp.ScopeIdentity:
			d.IdentityScopes = append(d.IdentityScopes, name)
		case idp.ScopeResource:
			d.ResourceScopes = append(d.ResourceScopes, name)
		}
	}
	for _, res := range r.resources {
		d.APIResources = append(d.APIResources, res.Name)
	}
	for id := range r.clients {
		d.Clients = append(d.Clients, id)
	}
	sort.Strings(d.IdentityScopes)
	sort.Strings(d.ResourceScopes)
	sort.Strings(d.APIResources)
	sort.Strings(d.Clients)
	d.GrantTypes = slices.Clone(idp.GrantTypes)
	return d
}

// AllowsOrigin reports whether any client lists origin as an allowed CORS origin.
func (r *Registry) AllowsOrigin(origin string) bool {
	_, ok := r.origins[normalizeOrigin(origin)]
	return ok
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimSuffix(origin, "/"))
}

// Builder accumulates registry entries and validates them in Build.
type Builder struct {
	identity  []idp.IdentityResource
	resources []idp.APIResource
	clients   []idp.Client
	users     []idp.User
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// AddIdentityResource registers an identity scope such as openid or profile.
func (b *Builder) AddIdentityResource(r idp.IdentityResource) *Builder {
	b.identity = append(b.identity, r)
	return b
}

// AddAPIResource registers a protected API and its scopes.
func (b *Builder) AddAPIResource(r idp.APIResource) *Builder {
	b.resources = append(b.resources, r)
	return b
}

// AddClient registers a client.
func (b *Builder) AddClient(c idp.Client) *Builder {
	b.clients = append(b.clients, c)
	return b
}

// AddUser registers a resource owner.
func (b *Builder) AddUser(u idp.User) *Builder {
	b.users = append(b.users, u)
	return b
}

// Build validates all entries and returns the immutable Registry.
// Any violated invariant is a configuration error.
func (b *Builder) Build() (*Registry, error) {
	r := &Registry{
		clients:   make(map[string]*idp.Client, len(b.clients)),
		scopes:    make(map[string]idp.Scope),
		users:     make(map[string]*idp.User, len(b.users)),
		usernames: make(map[string]*idp.User, len(b.users)),
		origins:   make(map[string]struct{}),
	}

	r.scopes[idp.ScopeOfflineAccess] = idp.Scope{Name: idp.ScopeOfflineAccess, Kind: idp.ScopeIdentity}

	for _, ir := range b.identity {
		if ir.Name == "" {
			return nil, fmt.Errorf("idp/registry: identity resource with empty name")
		}
		if _, dup := r.scopes[ir.Name]; dup {
			return nil, fmt.Errorf("idp/registry: duplicate scope %q", ir.Name)
		}
		r.scopes[ir.Name] = idp.Scope{
			Name:   ir.Name,
			Kind:   idp.ScopeIdentity,
			Claims: slices.Clone(ir.UserClaims),
		}
	}

	resourceNames := make(map[string]struct{}, len(b.resources))
	for _, ar := range b.resources {
		if ar.Name == "" {
			return nil, fmt.Errorf("idp/registry: api resource with empty name")
		}
		if _, dup := resourceNames[ar.Name]; dup {
			return nil, fmt.Errorf("idp/registry: duplicate api resource %q", ar.Name)
		}
		resourceNames[ar.Name] = struct{}{}
		if len(ar.Scopes) == 0 {
			ar.Scopes = []string{ar.Name}
		}
		for _, sn := range ar.Scopes {
			if _, dup := r.scopes[sn]; dup {
				return nil, fmt.Errorf("idp/registry: duplicate scope %q", sn)
			}
			r.scopes[sn] = idp.Scope{
				Name:     sn,
				Kind:     idp.ScopeResource,
				Resource: ar.Name,
				Claims:   slices.Clone(ar.UserClaims),
			}
		}
		r.resources = append(r.resources, ar)
	}

	for i := range b.clients {
		c := b.clients[i]
		if err := r.validateClient(&c); err != nil {
			return nil, fmt.Errorf("idp/registry: client %q: %w", c.ClientID, err)
		}
		if _, dup := r.clients[c.ClientID]; dup {
			return nil, fmt.Errorf("idp/registry: duplicate client_id %q", c.ClientID)
		}
		if c.AllowOfflineAccess && !c.AllowsGrant(idp.GrantRefreshToken) {
			c.AllowedGrantTypes = append(slices.Clone(c.AllowedGrantTypes), idp.GrantRefreshToken)
		}
		for _, o := range c.AllowedCorsOrigins {
			r.origins[normalizeOrigin(o)] = struct{}{}
		}
		r.clients[c.ClientID] = &c
	}

	for i := range b.users {
		u := b.users[i]
		if u.SubjectID == "" || u.Username == "" {
			return nil, fmt.Errorf("idp/registry: user requires subject_id and username")
		}
		if _, dup := r.users[u.SubjectID]; dup {
			return nil, fmt.Errorf("idp/registry: duplicate subject_id %q", u.SubjectID)
		}
		if _, dup := r.usernames[u.Username]; dup {
			return nil, fmt.Errorf("idp/registry: duplicate username %q", u.Username)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("idp/registry: user %q: password_hash is not a bcrypt hash", u.SubjectID)
		}
		r.users[u.SubjectID] = &u
		r.usernames[u.Username] = &u
	}

	return r, nil
}

func (r *Registry) validateClient(c *idp.Client) error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if len(c.AllowedGrantTypes) == 0 {
		return fmt.Errorf("at least one grant type is required")
	}
	for _, g := range c.AllowedGrantTypes {
		if !g.Valid() {
			return fmt.Errorf("unknown grant type %q", g)
		}
	}
	if c.AllowsGrant(idp.GrantImplicit) && c.AllowsGrant(idp.GrantAuthorizationCode) {
		return fmt.Errorf("implicit and authorization_code cannot be combined")
	}
	if c.RequirePkce && !c.AllowsGrant(idp.GrantAuthorizationCode) {
		return fmt.Errorf("require_pkce needs the authorization_code grant")
	}
	if len(c.ClientSecrets) == 0 && c.RequireClientSecret {
		return fmt.Errorf("client without secrets must set require_client_secret=false")
	}
	for _, s := range c.ClientSecrets {
		if _, err := bcrypt.Cost([]byte(s)); err != nil {
			return fmt.Errorf("client secret is not a bcrypt hash")
		}
	}
	for _, s := range c.AllowedScopes {
		if _, ok := r.scopes[s]; !ok {
			return fmt.Errorf("unknown scope %q", s)
		}
	}
	needsRedirect := c.AllowsGrant(idp.GrantAuthorizationCode) || c.AllowsGrant(idp.GrantImplicit)
	if needsRedirect && len(c.RedirectURIs) == 0 {
		return fmt.Errorf("redirect_uris required for browser-based grants")
	}
	for _, list := range [][]string{c.RedirectURIs, c.PostLogoutRedirectURIs} {
		for _, u := range list {
			if err := checkAbsolute(u); err != nil {
				return err
			}
		}
	}
	if c.FrontChannelLogoutURI != "" {
		if err := checkAbsolute(c.FrontChannelLogoutURI); err != nil {
			return err
		}
	}
	for _, o := range c.AllowedCorsOrigins {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return fmt.Errorf("invalid cors origin %q", o)
		}
	}
	if c.AccessTokenLifetime < 0 || c.IdentityTokenLifetime < 0 || c.AuthorizationCodeLifetime < 0 {
		return fmt.Errorf("lifetimes must not be negative")
	}
	return nil
}

func checkAbsolute(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("uri %q must be absolute", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("uri %q must not contain a fragment", raw)
	}
	return nil
}
