package grant

import (
	"context"
	"errors"
	"fmt"
	"slices"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/credential"
)

// clientCredentials issues an access token for the client itself. Only
// resource scopes may be requested.
func (d *Dispatcher) clientCredentials(ctx context.Context, r *request) (*idp.TokenResponse, error) {
	scopes, err := credential.ValidateScopes(ctx, d.srv.Registry(), r.client, idp.ParseScope(r.Scope), true)
	if err != nil {
		return nil, err
	}
	return d.issue(ctx, r, issuance{scopes: scopes})
}

// password exchanges resource-owner credentials for tokens. A refresh token
// is issued when the client allows offline access.
func (d *Dispatcher) password(ctx context.Context, r *request) (*idp.TokenResponse, error) {
	scopes, err := credential.ValidateScopes(ctx, d.srv.Registry(), r.client, idp.ParseScope(r.Scope), false)
	if err != nil {
		return nil, err
	}
	users := d.srv.Users()
	if users == nil {
		return nil, idp.ServerError(fmt.Errorf("idp/grant: no user store configured"))
	}
	subject, err := credential.ValidateResourceOwnerCredentials(ctx, users, r.Username, r.Password)
	if err != nil {
		return nil, err
	}
	names := idp.ScopeNames(scopes)
	return d.issue(ctx, r, issuance{
		subject:       subject,
		scopes:        scopes,
		authTime:      d.now(),
		refresh:       r.client.AllowOfflineAccess,
		refreshScopes: names,
	})
}

// authorizationCode redeems a code. The code is consumed before any check so
// a failed redemption still burns it.
func (d *Dispatcher) authorizationCode(ctx context.Context, r *request) (*idp.TokenResponse, error) {
	if r.Code == "" {
		return nil, idp.InvalidRequest("code is required")
	}
	store, err := d.sessions()
	if err != nil {
		return nil, err
	}
	code, err := store.TakeCode(ctx, r.Code)
	if errors.Is(err, idp.ErrNotFound) {
		return nil, idp.InvalidGrant("invalid, expired or already used authorization code")
	}
	if err != nil {
		return nil, err
	}

	if code.ClientID != r.client.ClientID {
		return nil, idp.InvalidGrant("authorization code was issued to another client")
	}
	if !sameURI(code.RedirectURI, r.RedirectURI) {
		return nil, idp.InvalidGrant("redirect_uri does not match the authorization request")
	}
	switch {
	case code.CodeChallenge != "":
		if err := credential.ValidatePkce(code.CodeChallenge, code.CodeChallengeMethod, r.CodeVerifier); err != nil {
			return nil, err
		}
	case r.client.RequirePkce:
		return nil, idp.InvalidGrant("authorization code has no PKCE challenge")
	case r.CodeVerifier != "":
		return nil, idp.InvalidGrant("code_verifier supplied for a code without a challenge")
	}

	scopes, err := d.resolve(ctx, code.Scopes)
	if err != nil {
		return nil, err
	}
	names := idp.ScopeNames(scopes)
	return d.issue(ctx, r, issuance{
		subject:       code.SubjectID,
		scopes:        scopes,
		nonce:         code.Nonce,
		authTime:      code.AuthTime,
		refresh:       r.client.AllowOfflineAccess && slices.Contains(names, idp.ScopeOfflineAccess),
		refreshScopes: names,
	})
}

// refreshToken redeems a refresh token. With one-time usage the token is
// consumed and replaced by one with the same absolute expiry.
func (d *Dispatcher) refreshToken(ctx context.Context, r *request) (*idp.TokenResponse, error) {
	if r.RefreshToken == "" {
		return nil, idp.InvalidRequest("refresh_token is required")
	}
	store, err := d.sessions()
	if err != nil {
		return nil, err
	}
	rt, err := store.GetRefreshToken(ctx, r.RefreshToken)
	if errors.Is(err, idp.ErrNotFound) {
		return nil, idp.InvalidGrant("invalid, expired or revoked refresh token")
	}
	if err != nil {
		return nil, err
	}
	if rt.ClientID != r.client.ClientID {
		return nil, idp.InvalidGrant("refresh token was issued to another client")
	}

	requested := idp.ParseScope(r.Scope)
	if len(requested) == 0 {
		requested = rt.Scopes
	}
	for _, name := range requested {
		if !slices.Contains(rt.Scopes, name) {
			return nil, idp.InvalidScope("scope %q exceeds the original grant", name)
		}
		if !r.client.AllowsScope(name) {
			return nil, idp.InvalidScope("scope %q is no longer allowed for this client", name)
		}
	}
	scopes, err := d.resolve(ctx, requested)
	if err != nil {
		return nil, err
	}

	is := issuance{
		subject:  rt.SubjectID,
		scopes:   scopes,
		authTime: rt.AuthTime,
	}
	if d.srv.Config().RefreshTokenUsage == idp.RefreshReUse {
		is.reuse = rt.Token
		return d.issue(ctx, r, is)
	}

	// Consume before issuing; of two concurrent redemptions only one wins.
	rt, err = store.TakeRefreshToken(ctx, r.RefreshToken)
	if errors.Is(err, idp.ErrNotFound) {
		return nil, idp.InvalidGrant("invalid, expired or revoked refresh token")
	}
	if err != nil {
		return nil, err
	}
	is.refresh = true
	is.refreshScopes = rt.Scopes
	is.refreshExpiry = rt.ExpiresAt
	return d.issue(ctx, r, is)
}

// resolve maps stored scope names back to registered scopes.
func (d *Dispatcher) resolve(ctx context.Context, names []string) ([]idp.Scope, error) {
	reg := d.srv.Registry()
	if reg == nil {
		return nil, idp.ServerError(fmt.Errorf("idp/grant: no registry configured"))
	}
	scopes, unknown := reg.ResolveScopes(ctx, names)
	if len(unknown) > 0 {
		return nil, idp.InvalidGrant("grant references unknown scope %q", unknown[0])
	}
	if len(scopes) == 0 {
		return nil, idp.InvalidGrant("grant carries no scopes")
	}
	return scopes, nil
}

func sameURI(stored, presented string) bool {
	if presented == "" {
		return false
	}
	a, err := credential.CanonicalURI(stored)
	if err != nil {
		return false
	}
	b, err := credential.CanonicalURI(presented)
	if err != nil {
		return false
	}
	return a == b
}
