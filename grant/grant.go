// Package grant implements the token endpoint: a dispatcher that validates a
// token request, executes one of the supported grants and issues tokens.
package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/audit"
	"github.com/chimerakang/idp-go/credential"
	"github.com/chimerakang/idp-go/metrics"
	"github.com/chimerakang/idp-go/token"
)

// State is a step in the processing of a token request.
type State int

const (
	StateReceived State = iota + 1
	StateValidating
	StateGrantExecuting
	StateIssued
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidating:
		return "validating"
	case StateGrantExecuting:
		return "grant_executing"
	case StateIssued:
		return "issued"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// TokenRequest carries the token endpoint parameters.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	Username     string
	Password     string
	RefreshToken string
	Scope        string
}

// StateObserver is notified of every state transition of a token request.
type StateObserver func(grantType string, from, to State)

// Dispatcher executes token requests against a Server's collaborators.
// It holds no per-request state and is safe for concurrent use.
type Dispatcher struct {
	srv      *idp.Server
	issuer   *token.Issuer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	audit    *audit.Logger
	observer StateObserver
	now      func() time.Time
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records issuance and rejection metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithAudit emits an audit event per token request and revocation.
func WithAudit(l *audit.Logger) Option {
	return func(d *Dispatcher) { d.audit = l }
}

// WithStateObserver sets a callback for state transitions.
func WithStateObserver(o StateObserver) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithClock overrides the time source used for issued tokens.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher for srv.
func NewDispatcher(srv *idp.Server, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		srv:    srv,
		logger: srv.Logger().With("component", "grant"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.issuer = token.NewIssuer(srv, token.WithClock(d.now))
	return d
}

// request tracks one token request through the state machine.
type request struct {
	TokenRequest
	grant   idp.GrantType
	state   State
	client  *idp.Client
	subject string
	scopes  []string
}

// grantLabel names the grant for metrics, logs and audit. Unsupported values
// share one label so callers cannot mint new series.
func (r *request) grantLabel() string {
	if r.grant.Valid() {
		return string(r.grant)
	}
	return "unknown"
}

func (d *Dispatcher) enter(r *request, to State) {
	from := r.state
	r.state = to
	if d.observer != nil {
		d.observer(r.GrantType, from, to)
	}
}

// Exchange runs a token request to completion. Errors are always *idp.Error.
func (d *Dispatcher) Exchange(ctx context.Context, req TokenRequest) (*idp.TokenResponse, error) {
	started := time.Now()
	r := &request{TokenRequest: req}
	d.enter(r, StateReceived)

	resp, err := d.exchange(ctx, r)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		e := toError(err)
		d.enter(r, StateRejected)
		d.metrics.RecordGrant(r.grantLabel(), e.Code, elapsed)
		d.audit.LogContext(ctx, d.event(r, audit.ActionTokenRejected, audit.ResultFailure, e.Code))

		level := slog.LevelInfo
		if e.Kind == idp.KindUpstream {
			level = slog.LevelError
		}
		d.logger.Log(ctx, level, "token request rejected",
			"grant_type", r.grantLabel(), "client_id", req.ClientID, "error", e.Code, "detail", e.Error())
		return nil, e
	}

	d.enter(r, StateIssued)
	d.metrics.RecordGrant(r.grantLabel(), "", elapsed)
	d.audit.LogContext(ctx, d.event(r, audit.ActionTokenIssued, audit.ResultSuccess, ""))
	d.logger.Debug("token issued",
		"grant_type", r.grantLabel(), "client_id", req.ClientID, "scope", resp.Scope)
	return resp, nil
}

func (d *Dispatcher) exchange(ctx context.Context, r *request) (*idp.TokenResponse, error) {
	d.enter(r, StateValidating)

	if r.GrantType == "" {
		return nil, idp.InvalidRequest("grant_type is required")
	}
	r.grant = idp.GrantType(r.GrantType)
	if !r.grant.Valid() {
		return nil, idp.UnsupportedGrantType("grant_type %q is not supported", r.GrantType)
	}
	if r.grant == idp.GrantImplicit {
		return nil, idp.UnsupportedGrantType("implicit grant is only available at the authorization endpoint")
	}

	client, err := d.Authenticate(ctx, r.ClientID, r.ClientSecret)
	if err != nil {
		return nil, err
	}
	r.client = client
	if !client.AllowsGrant(r.grant) {
		return nil, idp.UnauthorizedClient("client is not allowed to use grant type %q", r.GrantType)
	}

	d.enter(r, StateGrantExecuting)
	switch r.grant {
	case idp.GrantClientCredentials:
		return d.clientCredentials(ctx, r)
	case idp.GrantPassword:
		return d.password(ctx, r)
	case idp.GrantAuthorizationCode:
		return d.authorizationCode(ctx, r)
	case idp.GrantRefreshToken:
		return d.refreshToken(ctx, r)
	default:
		return nil, idp.UnsupportedGrantType("grant_type %q is not supported", r.GrantType)
	}
}

// Authenticate looks up a client and validates its secret. Unknown clients
// and bad secrets both yield invalid_client.
func (d *Dispatcher) Authenticate(ctx context.Context, clientID, secret string) (*idp.Client, error) {
	if clientID == "" {
		return nil, idp.InvalidClient("client_id is required")
	}
	reg := d.srv.Registry()
	if reg == nil {
		return nil, idp.ServerError(fmt.Errorf("idp/grant: no registry configured"))
	}
	client, err := reg.FindClient(ctx, clientID)
	if errors.Is(err, idp.ErrNotFound) {
		return nil, idp.InvalidClient("unknown client")
	}
	if err != nil {
		return nil, toError(err)
	}
	if err := credential.ValidateClientSecret(client, secret); err != nil {
		return nil, err
	}
	return client, nil
}

// issuance describes the tokens a successful grant produces.
type issuance struct {
	subject  string
	scopes   []idp.Scope
	nonce    string
	authTime time.Time

	// refresh requests a new refresh token carrying refreshScopes.
	refresh       bool
	refreshScopes []string
	// refreshExpiry keeps an absolute expiry across rotation. Zero means
	// now plus the configured lifetime.
	refreshExpiry time.Time
	// reuse is an existing refresh token returned unchanged.
	reuse string
}

func (d *Dispatcher) issue(ctx context.Context, r *request, is issuance) (*idp.TokenResponse, error) {
	names := idp.ScopeNames(is.scopes)
	r.subject = is.subject
	if r.subject == "" {
		r.subject = r.client.ClientID
	}
	r.scopes = names

	at, err := d.issuer.IssueAccessToken(ctx, r.client, is.subject, names, idp.Audiences(is.scopes))
	if err != nil {
		return nil, err
	}
	d.metrics.RecordTokenIssued(r.GrantType, "access_token")

	resp := &idp.TokenResponse{
		AccessToken: at.Value,
		TokenType:   token.TypeBearer,
		ExpiresIn:   int64(at.Lifetime / time.Second),
		Scope:       strings.Join(names, " "),
	}

	if is.subject != "" && slices.Contains(names, idp.ScopeOpenID) {
		id, err := d.issuer.IssueIdentityToken(ctx, token.IdentityRequest{
			Client:      r.client,
			Subject:     is.subject,
			Scopes:      is.scopes,
			Nonce:       is.nonce,
			AuthTime:    is.authTime,
			AccessToken: at.Value,
		})
		if err != nil {
			return nil, err
		}
		resp.IDToken = id.Value
		d.metrics.RecordTokenIssued(r.GrantType, "id_token")
	}

	switch {
	case is.reuse != "":
		resp.RefreshToken = is.reuse
	case is.refresh:
		handle, err := d.persistRefreshToken(ctx, r, is)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = handle
		d.metrics.RecordTokenIssued(r.GrantType, "refresh_token")
	}
	return resp, nil
}

// persistRefreshToken stores a new refresh token. It runs last so that a
// cancelled request never leaves a usable refresh token behind.
func (d *Dispatcher) persistRefreshToken(ctx context.Context, r *request, is issuance) (string, error) {
	store, err := d.sessions()
	if err != nil {
		return "", err
	}
	handle, err := token.NewHandle()
	if err != nil {
		return "", idp.ServerError(err)
	}
	now := d.now()
	expires := is.refreshExpiry
	if expires.IsZero() {
		expires = now.Add(d.srv.Config().RefreshTokenLifetime)
	}
	authTime := is.authTime
	if authTime.IsZero() {
		authTime = now
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	err = store.SaveRefreshToken(ctx, &idp.RefreshToken{
		Token:     handle,
		ClientID:  r.client.ClientID,
		SubjectID: is.subject,
		Scopes:    is.refreshScopes,
		AuthTime:  authTime,
		CreatedAt: now,
		ExpiresAt: expires,
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

func (d *Dispatcher) sessions() (idp.SessionStore, error) {
	s := d.srv.Sessions()
	if s == nil {
		return nil, idp.ServerError(fmt.Errorf("idp/grant: no session store configured"))
	}
	return s, nil
}

func (d *Dispatcher) event(r *request, action, result, errCode string) audit.Event {
	clientID := r.ClientID
	if r.client != nil {
		clientID = r.client.ClientID
	}
	return audit.Event{
		Action:    action,
		Result:    result,
		ClientID:  clientID,
		Subject:   r.subject,
		GrantType: r.grantLabel(),
		Scopes:    r.scopes,
		Error:     errCode,
	}
}

// toError maps any failure to a protocol error. Cancellation and deadline
// expiry are retryable.
func toError(err error) *idp.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var e *idp.Error
		if errors.As(err, &e) {
			return e
		}
		return idp.Unavailable(err)
	}
	return idp.AsError(err)
}
