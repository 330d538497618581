// Package credential validates what a caller presents: client secrets, PKCE
// verifiers, redirect URIs, CORS origins and resource-owner credentials.
package credential

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	idp "github.com/chimerakang/idp-go"
)

// SecretCost is the bcrypt cost used by HashSecret.
const SecretCost = bcrypt.DefaultCost

// HashSecret returns the bcrypt hash of a cleartext secret or password.
func HashSecret(plain string) (string, error) {
	if plain == "" {
		return "", fmt.Errorf("idp/credential: empty secret")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), SecretCost)
	if err != nil {
		return "", fmt.Errorf("idp/credential: %w", err)
	}
	return string(h), nil
}

// ValidateClientSecret authenticates a client. Public clients pass without a
// secret and are rejected if they present one. Clients with optional secrets
// pass when none is presented. Otherwise the presented secret must match one
// of the client's hashes.
func ValidateClientSecret(client *idp.Client, presented string) error {
	if client.IsPublic() {
		if presented != "" {
			return idp.InvalidClient("public client must not present a secret")
		}
		return nil
	}
	if presented == "" {
		if client.RequireClientSecret {
			return idp.InvalidClient("client authentication required")
		}
		return nil
	}
	for _, h := range client.ClientSecrets {
		err := bcrypt.CompareHashAndPassword([]byte(h), []byte(presented))
		if err == nil {
			return nil
		}
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return idp.ServerError(fmt.Errorf("idp/credential: stored secret for %q: %w", client.ClientID, err))
		}
	}
	return idp.InvalidClient("invalid client secret")
}

// ValidateResourceOwnerCredentials delegates a username/password check to the
// user store and returns the subject ID. Unknown users and wrong passwords are
// indistinguishable to the caller.
func ValidateResourceOwnerCredentials(ctx context.Context, users idp.UserStore, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", idp.InvalidGrant("username and password are required")
	}
	sub, err := users.VerifyPassword(ctx, username, password)
	switch {
	case err == nil:
		return sub, nil
	case errors.Is(err, idp.ErrInvalidCredentials), errors.Is(err, idp.ErrNotFound):
		return "", idp.InvalidGrant("invalid username or password")
	default:
		var e *idp.Error
		if errors.As(err, &e) {
			return "", e
		}
		return "", idp.Unavailable(err)
	}
}
