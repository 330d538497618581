package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/authorize"
	"github.com/chimerakang/idp-go/credential"
	"github.com/chimerakang/idp-go/grant"
)

var errNoSigner = errors.New("idp/endpoint: no signer configured")

func urlDecode(s string) (string, error) {
	return url.QueryUnescape(s)
}

// authorize serves the authorization endpoint. Requests without a login
// session are validated first, so a bad client or redirect URI is reported
// before the user is asked to sign in.
func (h *Handler) authorize(c *gin.Context) {
	if err := parseForm(c); err != nil {
		h.writeError(c, err)
		return
	}
	form := c.Request.Form
	req := authorize.Request{
		ResponseType:        form.Get("response_type"),
		ClientID:            form.Get("client_id"),
		RedirectURI:         form.Get("redirect_uri"),
		Scope:               form.Get("scope"),
		State:               form.Get("state"),
		Nonce:               form.Get("nonce"),
		CodeChallenge:       form.Get("code_challenge"),
		CodeChallengeMethod: form.Get("code_challenge_method"),
		Origin:              c.GetHeader("Origin"),
	}
	ctx := c.Request.Context()
	prompt := form.Get("prompt")

	sess, err := h.readSession(c)
	if err != nil || prompt == "login" {
		_, resp, verr := h.authorizer.Validate(ctx, req)
		switch {
		case verr != nil:
			h.writeError(c, verr)
			return
		case resp != nil:
			c.Redirect(http.StatusFound, resp.Location)
			return
		case prompt == "none":
			resp, err := h.authorizer.Authorize(ctx, req, "", time.Time{})
			if err != nil {
				h.writeError(c, err)
				return
			}
			c.Redirect(http.StatusFound, resp.Location)
			return
		}
		form.Del("prompt")
		returnURL := PathAuthorize + "?" + form.Encode()
		c.Redirect(http.StatusFound, PathLogin+"?"+url.Values{"returnUrl": {returnURL}}.Encode())
		return
	}

	resp, err := h.authorizer.Authorize(ctx, req, sess.Subject, time.Unix(sess.AuthTime, 0))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Redirect(http.StatusFound, resp.Location)
}

func (h *Handler) token(c *gin.Context) {
	if err := parseForm(c); err != nil {
		h.writeError(c, err)
		return
	}
	clientID, secret, basic, err := clientCredentials(c)
	if err != nil {
		h.tokenError(c, err, basic)
		return
	}
	form := c.Request.PostForm
	resp, err := h.dispatcher.Exchange(c.Request.Context(), grant.TokenRequest{
		GrantType:    form.Get("grant_type"),
		ClientID:     clientID,
		ClientSecret: secret,
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		Username:     form.Get("username"),
		Password:     form.Get("password"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
	})
	if err != nil {
		h.tokenError(c, err, basic)
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, resp)
}

// tokenError adds the Basic challenge RFC 6749 requires when client
// authentication failed.
func (h *Handler) tokenError(c *gin.Context, err error, basic bool) {
	if e := idp.AsError(err); e.Code == idp.CodeInvalidClient && basic {
		c.Header("WWW-Authenticate", `Basic realm="idp"`)
	}
	h.writeError(c, err)
}

func (h *Handler) revoke(c *gin.Context) {
	if err := parseForm(c); err != nil {
		h.writeError(c, err)
		return
	}
	clientID, secret, basic, err := clientCredentials(c)
	if err != nil {
		h.tokenError(c, err, basic)
		return
	}
	err = h.dispatcher.Revoke(c.Request.Context(), grant.RevocationRequest{
		ClientID:      clientID,
		ClientSecret:  secret,
		Token:         c.Request.PostForm.Get("token"),
		TokenTypeHint: c.Request.PostForm.Get("token_type_hint"),
	})
	if err != nil {
		h.tokenError(c, err, basic)
		return
	}
	c.Status(http.StatusOK)
}

// introspection is the RFC 7662 response. Inactive tokens carry only Active.
type introspection struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Expiry    int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	TokenID   string   `json:"jti,omitempty"`
}

// introspect reports whether a token is active. Any authenticated client may
// introspect access tokens; refresh tokens are only revealed to their owner.
func (h *Handler) introspect(c *gin.Context) {
	if err := parseForm(c); err != nil {
		h.writeError(c, err)
		return
	}
	clientID, secret, basic, err := clientCredentials(c)
	if err != nil {
		h.tokenError(c, err, basic)
		return
	}
	ctx := c.Request.Context()
	client, err := h.dispatcher.Authenticate(ctx, clientID, secret)
	if err != nil {
		h.tokenError(c, err, basic)
		return
	}
	tok := c.Request.PostForm.Get("token")
	if tok == "" {
		h.writeError(c, idp.InvalidRequest("token is required"))
		return
	}
	noStore(c)

	if c.Request.PostForm.Get("token_type_hint") != grant.HintRefreshToken {
		if v := h.srv.Verifier(); v != nil {
			if claims, err := v.Verify(ctx, tok); err == nil {
				c.JSON(http.StatusOK, introspection{
					Active:    true,
					Scope:     strings.Join(claims.Scopes, " "),
					ClientID:  claims.ClientID,
					Subject:   claims.Subject,
					TokenType: "access_token",
					Expiry:    claims.ExpiresAt.Unix(),
					IssuedAt:  claims.IssuedAt.Unix(),
					Issuer:    claims.Issuer,
					Audience:  claims.Audience,
					TokenID:   claims.TokenID,
				})
				return
			}
		}
	}

	if st := h.srv.Sessions(); st != nil {
		rt, err := st.GetRefreshToken(ctx, tok)
		switch {
		case err == nil && rt.ClientID == client.ClientID:
			c.JSON(http.StatusOK, introspection{
				Active:    true,
				Scope:     strings.Join(rt.Scopes, " "),
				ClientID:  rt.ClientID,
				Subject:   rt.SubjectID,
				TokenType: "refresh_token",
				Expiry:    rt.ExpiresAt.Unix(),
				IssuedAt:  rt.CreatedAt.Unix(),
				Issuer:    h.srv.Config().Issuer,
			})
			return
		case err != nil && !errors.Is(err, idp.ErrNotFound):
			h.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, introspection{Active: false})
}

// userinfo returns the claims released by the identity scopes of a bearer
// access token that was granted openid.
func (h *Handler) userinfo(c *gin.Context) {
	if c.Request.Method == http.MethodPost {
		if err := parseForm(c); err != nil {
			h.writeError(c, err)
			return
		}
	}
	tok := bearerToken(c)
	if tok == "" {
		c.Header("WWW-Authenticate", `Bearer realm="idp"`)
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	ctx := c.Request.Context()
	v := h.srv.Verifier()
	if v == nil {
		h.writeError(c, idp.ServerError(fmt.Errorf("idp/endpoint: no token verifier configured")))
		return
	}
	claims, err := v.Verify(ctx, tok)
	if err != nil {
		bearerChallenge(c, http.StatusUnauthorized, idp.CodeInvalidToken, "token is invalid or expired")
		return
	}
	if !claims.HasScope(idp.ScopeOpenID) {
		bearerChallenge(c, http.StatusForbidden, "insufficient_scope", "the openid scope is required")
		return
	}
	scopes, _ := h.srv.Registry().ResolveScopes(ctx, claims.Scopes)
	info, err := h.issuer.UserClaims(ctx, claims.Subject, scopes)
	if err != nil {
		if e := idp.AsError(err); e.Kind != idp.KindUpstream {
			bearerChallenge(c, http.StatusUnauthorized, idp.CodeInvalidToken, "subject no longer exists")
			return
		}
		h.writeError(c, err)
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, info)
}

// identityVerifier is implemented by verifiers that also check identity
// tokens, which Verify rejects.
type identityVerifier interface {
	VerifyIdentityToken(ctx context.Context, token string) (*idp.Claims, error)
}

// endSession clears the login session. A post_logout_redirect_uri is only
// followed when it is registered for the client named by client_id or by
// the audience of id_token_hint.
func (h *Handler) endSession(c *gin.Context) {
	if err := parseForm(c); err != nil {
		h.writeError(c, err)
		return
	}
	form := c.Request.Form
	ctx := c.Request.Context()
	sess, _ := h.readSession(c)
	h.clearSession(c)

	clientID := form.Get("client_id")
	if hint := form.Get("id_token_hint"); hint != "" && clientID == "" {
		if v, ok := h.srv.Verifier().(identityVerifier); ok {
			if claims, err := v.VerifyIdentityToken(ctx, hint); err == nil && len(claims.Audience) == 1 {
				clientID = claims.Audience[0]
			}
		}
	}

	var client *idp.Client
	if clientID != "" {
		cl, err := h.srv.Registry().FindClient(ctx, clientID)
		if err != nil {
			h.writeError(c, idp.InvalidRequest("unknown client"))
			return
		}
		client = cl
	}
	if sess != nil {
		h.logger.InfoContext(ctx, "user signed out", "subject", sess.Subject, "client_id", clientID)
	}

	if target := form.Get("post_logout_redirect_uri"); target != "" {
		if client == nil {
			h.writeError(c, idp.InvalidRequest("client_id or id_token_hint is required with post_logout_redirect_uri"))
			return
		}
		if err := credential.ValidatePostLogoutRedirectURI(client, target); err != nil {
			h.writeError(c, err)
			return
		}
		u, err := url.Parse(target)
		if err != nil {
			h.writeError(c, idp.InvalidRequest("malformed post_logout_redirect_uri"))
			return
		}
		if state := form.Get("state"); state != "" {
			q := u.Query()
			q.Set("state", state)
			u.RawQuery = q.Encode()
		}
		c.Redirect(http.StatusFound, u.String())
		return
	}

	var frontChannel string
	if client != nil {
		frontChannel = client.FrontChannelLogoutURI
	}
	c.HTML(http.StatusOK, "signedout", gin.H{"FrontChannelLogoutURI": frontChannel})
}
