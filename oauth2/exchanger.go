// Package oauth2 provides a client-credentials token exchanger for services
// that call resource APIs protected by the identity provider.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	idp "github.com/chimerakang/idp-go"
)

// Token is an access token obtained from the token endpoint.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	ExpiresAt   time.Time
	Scope       string
}

// Exchanger requests and caches client-credentials access tokens.
type Exchanger struct {
	clientID      string
	clientSecret  string
	tokenURL      string
	defaultScopes []string
	refreshBuffer time.Duration
	basicAuth     bool
	httpClient    *http.Client
	now           func() time.Time

	mu    sync.RWMutex
	token *Token

	sf singleflight.Group
}

// Option configures the Exchanger.
type Option func(*Exchanger)

// WithHTTPClient sets a custom HTTP client for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exchanger) { e.httpClient = c }
}

// WithRefreshBuffer sets how long before expiry to refresh the token.
func WithRefreshBuffer(d time.Duration) Option {
	return func(e *Exchanger) { e.refreshBuffer = d }
}

// WithBasicAuth sends the client credentials in the Authorization header
// instead of the form body.
func WithBasicAuth() Option {
	return func(e *Exchanger) { e.basicAuth = true }
}

// New creates a new token exchanger.
func New(clientID, clientSecret, tokenURL string, scopes []string, opts ...Option) *Exchanger {
	e := &Exchanger{
		clientID:      clientID,
		clientSecret:  clientSecret,
		tokenURL:      tokenURL,
		defaultScopes: scopes,
		refreshBuffer: 5 * time.Minute,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		now:           time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// errorResponse is the OAuth2 error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeToken requests a new access token using client credentials.
// An OAuth2 error response is returned as *idp.Error carrying its code.
func (e *Exchanger) ExchangeToken(ctx context.Context, scopes []string) (*Token, error) {
	if len(scopes) == 0 {
		scopes = e.defaultScopes
	}

	form := url.Values{"grant_type": {string(idp.GrantClientCredentials)}}
	if !e.basicAuth {
		form.Set("client_id", e.clientID)
		form.Set("client_secret", e.clientSecret)
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("idp/oauth2: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if e.basicAuth {
		req.SetBasicAuth(url.QueryEscape(e.clientID), url.QueryEscape(e.clientSecret))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("idp/oauth2: token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("idp/oauth2: failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("idp/oauth2: token endpoint returned %d: %w", resp.StatusCode,
				&idp.Error{Kind: idp.KindUpstream, Code: errResp.Error, Description: errResp.ErrorDescription})
		}
		return nil, fmt.Errorf("idp/oauth2: token endpoint returned %d", resp.StatusCode)
	}

	var tokenResp idp.TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("idp/oauth2: failed to decode response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("idp/oauth2: empty access_token in response")
	}

	return &Token{
		AccessToken: tokenResp.AccessToken,
		TokenType:   tokenResp.TokenType,
		ExpiresIn:   tokenResp.ExpiresIn,
		ExpiresAt:   e.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		Scope:       tokenResp.Scope,
	}, nil
}

// GetCachedToken returns a valid cached token, or fetches a new one if expired/missing.
func (e *Exchanger) GetCachedToken(ctx context.Context) (string, error) {
	e.mu.RLock()
	if e.token != nil && e.now().Before(e.token.ExpiresAt.Add(-e.refreshBuffer)) {
		defer e.mu.RUnlock()
		return e.token.AccessToken, nil
	}
	e.mu.RUnlock()

	// singleflight prevents thundering herd
	result, err, _ := e.sf.Do("token", func() (any, error) {
		return e.ExchangeToken(ctx, e.defaultScopes)
	})
	if err != nil {
		return "", fmt.Errorf("idp/oauth2: token exchange failed: %w", err)
	}

	token := result.(*Token)
	e.mu.Lock()
	e.token = token
	e.mu.Unlock()

	return token.AccessToken, nil
}

// Invalidate drops the cached token, e.g. after a resource API rejected it.
func (e *Exchanger) Invalidate() {
	e.mu.Lock()
	e.token = nil
	e.mu.Unlock()
}
