package grant

import (
	"context"
	"errors"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/audit"
	"github.com/chimerakang/idp-go/token"
)

// Token type hints accepted by Revoke.
const (
	HintRefreshToken = "refresh_token"
	HintAccessToken  = "access_token"
)

// RevocationRequest carries the revocation endpoint parameters.
type RevocationRequest struct {
	ClientID      string
	ClientSecret  string
	Token         string
	TokenTypeHint string
}

// Revoke invalidates a refresh token held by the authenticated client.
// Unknown tokens, tokens of other clients and self-contained access tokens
// are ignored so the response never reveals whether a token exists.
func (d *Dispatcher) Revoke(ctx context.Context, req RevocationRequest) error {
	client, err := d.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return idp.InvalidRequest("token is required")
	}
	d.metrics.RecordRevocation()

	if req.TokenTypeHint == HintAccessToken {
		d.logger.Debug("access token revocation ignored", "client_id", client.ClientID)
		return nil
	}

	store, err := d.sessions()
	if err != nil {
		return err
	}
	rt, err := store.GetRefreshToken(ctx, req.Token)
	if errors.Is(err, idp.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rt.ClientID != client.ClientID {
		d.logger.Warn("revocation of another client's refresh token ignored",
			"client_id", client.ClientID, "token", token.Redact(req.Token))
		return nil
	}
	if err := store.RevokeRefreshToken(ctx, req.Token); err != nil {
		return err
	}

	d.audit.LogContext(ctx, audit.Event{
		Action:   audit.ActionTokenRevoked,
		Result:   audit.ResultSuccess,
		ClientID: client.ClientID,
		Subject:  rt.SubjectID,
		Scopes:   rt.Scopes,
	})
	d.logger.Info("refresh token revoked", "client_id", client.ClientID, "token", token.Redact(req.Token))
	return nil
}
