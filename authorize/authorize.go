// Package authorize implements the authorization endpoint: it validates
// browser-flow requests and answers with an authorization code or, for the
// implicit flow, tokens in the redirect fragment.
package authorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/audit"
	"github.com/chimerakang/idp-go/credential"
	"github.com/chimerakang/idp-go/metrics"
	"github.com/chimerakang/idp-go/token"
)

// Response types.
const (
	ResponseCode    = "code"
	ResponseToken   = "token"
	ResponseIDToken = "id_token"
)

// Request carries the authorization endpoint parameters.
type Request struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	// Origin is the browser Origin header, if any.
	Origin string
}

// Response is where the user agent must be sent next.
type Response struct {
	// Location is the client redirect URI with the result appended.
	Location string
	// Code is the issued authorization code, empty for implicit and error responses.
	Code string
	// Err is set when Location carries an error.
	Err *idp.Error
}

// Endpoint validates authorization requests against a Server's registry.
type Endpoint struct {
	srv     *idp.Server
	issuer  *token.Issuer
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *audit.Logger
	now     func() time.Time
}

// Option configures the Endpoint.
type Option func(*Endpoint)

// WithMetrics records codes issued and rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Endpoint) { e.metrics = m }
}

// WithAudit emits an audit event per authorization decision.
func WithAudit(l *audit.Logger) Option {
	return func(e *Endpoint) { e.audit = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Endpoint) { e.now = now }
}

// NewEndpoint creates an authorization Endpoint for srv.
func NewEndpoint(srv *idp.Server, opts ...Option) *Endpoint {
	e := &Endpoint{
		srv:    srv,
		logger: srv.Logger().With("component", "authorize"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.issuer = token.NewIssuer(srv, token.WithClock(e.now))
	return e
}

// Validated is an authorization request that passed every check that does
// not need an authenticated user.
type Validated struct {
	Request
	Client        *idp.Client
	Scopes        []idp.Scope
	ResponseTypes []string
	Method        string
}

// Implicit reports whether the response is delivered in the URI fragment.
func (v *Validated) Implicit() bool {
	return !slices.Contains(v.ResponseTypes, ResponseCode)
}

// Validate checks a request without issuing anything. A nil *Response means
// the request is valid. A non-nil error means the client or redirect URI
// could not be trusted and the user agent must not be redirected.
func (e *Endpoint) Validate(ctx context.Context, req Request) (*Validated, *Response, error) {
	if req.ClientID == "" {
		return nil, nil, idp.InvalidRequest("client_id is required")
	}
	reg := e.srv.Registry()
	if reg == nil {
		return nil, nil, idp.ServerError(fmt.Errorf("idp/authorize: no registry configured"))
	}
	client, err := reg.FindClient(ctx, req.ClientID)
	if errors.Is(err, idp.ErrNotFound) {
		return nil, nil, idp.InvalidClient("unknown client")
	}
	if err != nil {
		return nil, nil, idp.AsError(err)
	}
	if err := credential.ValidateRedirectURI(client, req.RedirectURI); err != nil {
		return nil, nil, err
	}

	v := &Validated{Request: req, Client: client, ResponseTypes: strings.Fields(req.ResponseType)}
	fail := func(err *idp.Error) (*Validated, *Response, error) {
		return nil, e.reject(ctx, v, err), nil
	}

	if err := credential.ValidateOrigin(client, req.Origin); err != nil {
		return fail(idp.AsError(err))
	}

	grant, err := grantFor(v.ResponseTypes)
	if err != nil {
		return fail(idp.AsError(err))
	}
	if !client.AllowsGrant(grant) {
		return fail(idp.UnauthorizedClient("client is not allowed to use response_type %q", req.ResponseType))
	}

	requested := idp.ParseScope(req.Scope)
	if len(requested) == 0 {
		return fail(idp.InvalidScope("scope is required"))
	}
	scopes, err := credential.ValidateScopes(ctx, reg, client, requested, false)
	if err != nil {
		return fail(idp.AsError(err))
	}
	v.Scopes = scopes
	names := idp.ScopeNames(scopes)

	if slices.Contains(v.ResponseTypes, ResponseIDToken) {
		if !slices.Contains(names, idp.ScopeOpenID) {
			return fail(idp.InvalidScope("id_token requires the openid scope"))
		}
		if req.Nonce == "" {
			return fail(idp.InvalidRequest("nonce is required for id_token responses"))
		}
	}
	if grant == idp.GrantImplicit {
		if slices.Contains(names, idp.ScopeOfflineAccess) {
			return fail(idp.InvalidScope("offline_access is not available to the implicit flow"))
		}
		if slices.Contains(v.ResponseTypes, ResponseToken) && !client.AllowAccessTokensViaBrowser {
			return fail(idp.UnauthorizedClient("client may not receive access tokens via the browser"))
		}
		if req.CodeChallenge != "" {
			return fail(idp.InvalidRequest("code_challenge is only valid for the code flow"))
		}
	} else {
		method, err := credential.ValidateChallenge(client, req.CodeChallenge, req.CodeChallengeMethod)
		if err != nil {
			return fail(idp.AsError(err))
		}
		v.Method = method
	}
	return v, nil, nil
}

// Authorize validates req and, for an authenticated subject, issues the
// response. An empty subject yields a login_required error redirect.
func (e *Endpoint) Authorize(ctx context.Context, req Request, subject string, authTime time.Time) (*Response, error) {
	v, resp, err := e.Validate(ctx, req)
	if err != nil {
		e.metrics.RecordAuthorizeRejection(idp.AsError(err).Code)
		e.logger.InfoContext(ctx, "authorization request not redirectable",
			"client_id", req.ClientID, "error", idp.AsError(err).Code)
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}
	if subject == "" {
		return e.reject(ctx, v, idp.LoginRequired("user is not authenticated")), nil
	}
	if authTime.IsZero() {
		authTime = e.now()
	}

	if v.Implicit() {
		return e.implicit(ctx, v, subject, authTime)
	}
	return e.code(ctx, v, subject, authTime)
}

func (e *Endpoint) code(ctx context.Context, v *Validated, subject string, authTime time.Time) (*Response, error) {
	store := e.srv.Sessions()
	if store == nil {
		return e.reject(ctx, v, idp.ServerError(fmt.Errorf("idp/authorize: no session store configured"))), nil
	}
	handle, err := token.NewHandle()
	if err != nil {
		return e.reject(ctx, v, idp.ServerError(err)), nil
	}
	now := e.now()
	names := idp.ScopeNames(v.Scopes)
	err = store.SaveCode(ctx, &idp.AuthorizationCode{
		Code:                handle,
		ClientID:            v.Client.ClientID,
		SubjectID:           subject,
		Scopes:              names,
		RedirectURI:         v.RedirectURI,
		CodeChallenge:       v.CodeChallenge,
		CodeChallengeMethod: v.Method,
		Nonce:               v.Nonce,
		AuthTime:            authTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.srv.AuthorizationCodeLifetime(v.Client)),
	})
	if err != nil {
		return e.reject(ctx, v, idp.AsError(err)), nil
	}

	params := url.Values{"code": {handle}, "scope": {strings.Join(names, " ")}}
	if v.State != "" {
		params.Set("state", v.State)
	}
	location, err := appendParams(v.RedirectURI, params, false)
	if err != nil {
		return nil, idp.InvalidRequest("redirect_uri is malformed")
	}

	e.metrics.RecordCodeIssued()
	e.audit.LogContext(ctx, audit.Event{
		Action:    audit.ActionCodeIssued,
		Result:    audit.ResultSuccess,
		ClientID:  v.Client.ClientID,
		Subject:   subject,
		GrantType: string(idp.GrantAuthorizationCode),
		Scopes:    names,
	})
	e.logger.DebugContext(ctx, "authorization code issued",
		"client_id", v.Client.ClientID, "code", token.Redact(handle))
	return &Response{Location: location, Code: handle}, nil
}

func (e *Endpoint) implicit(ctx context.Context, v *Validated, subject string, authTime time.Time) (*Response, error) {
	names := idp.ScopeNames(v.Scopes)
	params := url.Values{}
	grant := string(idp.GrantImplicit)

	var accessToken string
	if slices.Contains(v.ResponseTypes, ResponseToken) {
		at, err := e.issuer.IssueAccessToken(ctx, v.Client, subject, names, idp.Audiences(v.Scopes))
		if err != nil {
			return e.reject(ctx, v, idp.AsError(err)), nil
		}
		accessToken = at.Value
		params.Set("access_token", at.Value)
		params.Set("token_type", token.TypeBearer)
		params.Set("expires_in", strconv.FormatInt(int64(at.Lifetime/time.Second), 10))
		params.Set("scope", strings.Join(names, " "))
		e.metrics.RecordTokenIssued(grant, "access_token")
	}
	if slices.Contains(v.ResponseTypes, ResponseIDToken) {
		id, err := e.issuer.IssueIdentityToken(ctx, token.IdentityRequest{
			Client:      v.Client,
			Subject:     subject,
			Scopes:      v.Scopes,
			Nonce:       v.Nonce,
			AuthTime:    authTime,
			AccessToken: accessToken,
		})
		if err != nil {
			return e.reject(ctx, v, idp.AsError(err)), nil
		}
		params.Set("id_token", id.Value)
		e.metrics.RecordTokenIssued(grant, "id_token")
	}
	if v.State != "" {
		params.Set("state", v.State)
	}

	location, err := appendParams(v.RedirectURI, params, true)
	if err != nil {
		return nil, idp.InvalidRequest("redirect_uri is malformed")
	}
	e.audit.LogContext(ctx, audit.Event{
		Action:    audit.ActionTokenIssued,
		Result:    audit.ResultSuccess,
		ClientID:  v.Client.ClientID,
		Subject:   subject,
		GrantType: grant,
		Scopes:    names,
	})
	return &Response{Location: location}, nil
}

// reject builds an error redirect to the validated redirect URI.
func (e *Endpoint) reject(ctx context.Context, v *Validated, err *idp.Error) *Response {
	e.metrics.RecordAuthorizeRejection(err.Code)
	e.audit.LogContext(ctx, audit.Event{
		Action:   audit.ActionAuthorizeDenied,
		Result:   audit.ResultDenied,
		ClientID: v.Client.ClientID,
		Error:    err.Code,
	})
	e.logger.InfoContext(ctx, "authorization request rejected",
		"client_id", v.Client.ClientID, "error", err.Code, "detail", err.Description)

	params := url.Values{"error": {err.Code}}
	if err.Description != "" {
		params.Set("error_description", err.Description)
	}
	if v.State != "" {
		params.Set("state", v.State)
	}
	fragment := len(v.ResponseTypes) > 0 && !slices.Contains(v.ResponseTypes, ResponseCode)
	location, perr := appendParams(v.RedirectURI, params, fragment)
	if perr != nil {
		// ValidateRedirectURI already parsed it.
		location = v.RedirectURI
	}
	return &Response{Location: location, Err: err}
}

// grantFor maps a response_type to the grant that must be allowed.
func grantFor(types []string) (idp.GrantType, error) {
	if len(types) == 0 {
		return "", idp.InvalidRequest("response_type is required")
	}
	sorted := slices.Clone(types)
	slices.Sort(sorted)
	switch strings.Join(sorted, " ") {
	case ResponseCode:
		return idp.GrantAuthorizationCode, nil
	case ResponseToken, ResponseIDToken, "id_token token":
		return idp.GrantImplicit, nil
	default:
		return "", idp.UnsupportedResponseType("response_type %q is not supported", strings.Join(types, " "))
	}
}

func appendParams(redirectURI string, params url.Values, fragment bool) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	if fragment {
		u.Fragment = ""
		return u.String() + "#" + params.Encode(), nil
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
