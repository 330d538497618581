package endpoint_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/endpoint"
	"github.com/chimerakang/idp-go/jwks"
	"github.com/chimerakang/idp-go/metrics"
	"github.com/chimerakang/idp-go/registry"
	"github.com/chimerakang/idp-go/session"
	"github.com/chimerakang/idp-go/user"
)

const (
	issuer      = "https://id.example.com"
	mvcRedirect = "http://localhost:5002/signin-oidc"
)

func init() { gin.SetMode(gin.TestMode) }

type fixture struct {
	handler *endpoint.Handler
	server  *httptest.Server
	client  *http.Client
	store   *session.Service
	promReg *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	secret, err := bcrypt.GenerateFromPassword([]byte(registry.DemoClientSecret), bcrypt.MinCost)
	require.NoError(t, err)
	password, err := bcrypt.GenerateFromPassword([]byte(registry.DemoPassword), bcrypt.MinCost)
	require.NoError(t, err)
	reg, err := registry.DefaultBuilder(string(secret), string(password)).Build()
	require.NoError(t, err)

	signer, err := jwks.GenerateSigner("k1")
	require.NoError(t, err)
	store := session.NewMemoryStore(session.WithCleanupInterval(0))

	srv, err := idp.New(idp.Config{Issuer: issuer},
		idp.WithRegistry(reg),
		idp.WithUserStore(user.New(user.NewRegistryBackend(reg))),
		idp.WithSigner(signer),
		idp.WithSessionStore(store),
		idp.WithTokenVerifier(signer.Verifier(jwks.WithIssuer(issuer))),
	)
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	h := endpoint.New(srv, endpoint.WithMetrics(metrics.New(true, metrics.WithRegisterer(promReg))))
	ts := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &fixture{handler: h, server: ts, client: client, store: store, promReg: promReg}
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.client.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) post(t *testing.T, path string, form url.Values, basic ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if len(basic) == 2 {
		req.SetBasicAuth(basic[0], basic[1])
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestDiscovery(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, endpoint.PathDiscovery)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc endpoint.Document
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, issuer, doc.Issuer)
	assert.Equal(t, issuer+"/connect/token", doc.TokenEndpoint)
	assert.Equal(t, issuer+"/.well-known/openid-configuration/jwks", doc.JWKSURI)
	assert.Equal(t, []string{"RS256"}, doc.IDTokenSigningAlgValuesSupported)
	assert.Contains(t, doc.ScopesSupported, "ResourceApi")
	assert.Contains(t, doc.ScopesSupported, "openid")
	assert.Contains(t, doc.GrantTypesSupported, "refresh_token")
	assert.Contains(t, doc.CodeChallengeMethodsSupported, "S256")
}

func TestJWKS(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, endpoint.PathJWKS)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "k1", set.Keys[0]["kid"])
	assert.Equal(t, "RSA", set.Keys[0]["kty"])
	assert.NotContains(t, set.Keys[0], "d")
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, endpoint.PathHealth)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestToken_ClientCredentials(t *testing.T) {
	f := newFixture(t)
	form := url.Values{"grant_type": {"client_credentials"}, "scope": {"ResourceApi"}}

	t.Run("form", func(t *testing.T) {
		form := url.Values{"client_id": {"ConsoleAppClient"}, "client_secret": {"secret"}}
		form.Set("grant_type", "client_credentials")
		resp := f.post(t, endpoint.PathToken, form)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
		body := decode(t, resp)
		assert.Equal(t, "Bearer", body["token_type"])
		assert.Equal(t, "ResourceApi", body["scope"])
		assert.NotContains(t, body, "refresh_token")
	})

	t.Run("basic", func(t *testing.T) {
		resp := f.post(t, endpoint.PathToken, form, "ConsoleAppClient", "secret")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("wrong secret", func(t *testing.T) {
		resp := f.post(t, endpoint.PathToken, form, "ConsoleAppClient", "nope")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
		assert.Equal(t, "invalid_client", decode(t, resp)["error"])
	})

	t.Run("two auth methods", func(t *testing.T) {
		both := url.Values{"grant_type": {"client_credentials"}, "client_secret": {"secret"}}
		resp := f.post(t, endpoint.PathToken, both, "ConsoleAppClient", "secret")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_request", decode(t, resp)["error"])
	})

	t.Run("unsupported grant", func(t *testing.T) {
		bad := url.Values{"grant_type": {"urn:ietf:params:oauth:grant-type:device_code"}}
		resp := f.post(t, endpoint.PathToken, bad, "ConsoleAppClient", "secret")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "unsupported_grant_type", decode(t, resp)["error"])
	})
}

// login walks the browser part of the code flow and returns the code.
func (f *fixture) login(t *testing.T, authorizeQuery url.Values) *url.URL {
	t.Helper()
	resp := f.get(t, endpoint.PathAuthorize+"?"+authorizeQuery.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, endpoint.PathLogin, loc.Path)
	returnURL := loc.Query().Get("returnUrl")
	require.True(t, strings.HasPrefix(returnURL, endpoint.PathAuthorize+"?"))

	page := f.get(t, loc.String())
	require.Equal(t, http.StatusOK, page.StatusCode)

	resp = f.post(t, endpoint.PathLogin, url.Values{
		"username":  {registry.DemoUsername},
		"password":  {registry.DemoPassword},
		"returnUrl": {returnURL},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, returnURL, resp.Header.Get("Location"))

	resp = f.get(t, returnURL)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	final, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return final
}

func TestCodeFlow_EndToEnd(t *testing.T) {
	f := newFixture(t)
	verifier := oauth2.GenerateVerifier()

	cb := f.login(t, url.Values{
		"response_type":         {"code"},
		"client_id":             {"MvcClient"},
		"redirect_uri":          {mvcRedirect},
		"scope":                 {"openid profile ResourceApi offline_access"},
		"state":                 {"xyz"},
		"nonce":                 {"n-0S6"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	})
	assert.Equal(t, "localhost:5002", cb.Host)
	assert.Equal(t, "xyz", cb.Query().Get("state"))
	code := cb.Query().Get("code")
	require.NotEmpty(t, code)

	resp := f.post(t, endpoint.PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {mvcRedirect},
		"code_verifier": {verifier},
	}, "MvcClient", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decode(t, resp)
	access, _ := tokens["access_token"].(string)
	refresh, _ := tokens["refresh_token"].(string)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)
	idToken, _ := tokens["id_token"].(string)
	require.NotEmpty(t, idToken)

	// userinfo releases the profile claims for the demo user
	req, err := http.NewRequest(http.MethodGet, f.server.URL+endpoint.PathUserInfo, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+access)
	uresp, err := f.client.Do(req)
	require.NoError(t, err)
	defer uresp.Body.Close()
	require.Equal(t, http.StatusOK, uresp.StatusCode)
	info := decode(t, uresp)
	assert.Equal(t, registry.DemoSubjectID, info["sub"])
	assert.Equal(t, "Demo User", info["name"])

	// introspection
	intro := decode(t, f.post(t, endpoint.PathIntrospect, url.Values{"token": {access}}, "ConsoleAppClient", "secret"))
	assert.Equal(t, true, intro["active"])
	assert.Equal(t, "MvcClient", intro["client_id"])
	assert.Equal(t, registry.DemoSubjectID, intro["sub"])

	intro = decode(t, f.post(t, endpoint.PathIntrospect, url.Values{"token": {refresh}}, "MvcClient", "secret"))
	assert.Equal(t, true, intro["active"])
	assert.Equal(t, "refresh_token", intro["token_type"])

	// an identity token is not an access token
	intro = decode(t, f.post(t, endpoint.PathIntrospect, url.Values{"token": {idToken}}, "MvcClient", "secret"))
	assert.Equal(t, false, intro["active"])

	// another client cannot see the refresh token
	intro = decode(t, f.post(t, endpoint.PathIntrospect, url.Values{"token": {refresh}}, "postman", "secret"))
	assert.Equal(t, false, intro["active"])

	// revocation, then the refresh token is inactive and unusable
	rresp := f.post(t, endpoint.PathRevocation, url.Values{"token": {refresh}, "token_type_hint": {"refresh_token"}}, "MvcClient", "secret")
	require.Equal(t, http.StatusOK, rresp.StatusCode)
	intro = decode(t, f.post(t, endpoint.PathIntrospect, url.Values{"token": {refresh}}, "MvcClient", "secret"))
	assert.Equal(t, false, intro["active"])

	resp = f.post(t, endpoint.PathToken, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refresh}}, "MvcClient", "secret")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decode(t, resp)["error"])

	// id_token_hint names the client for the post-logout redirect
	resp = f.get(t, endpoint.PathEndSession+"?"+url.Values{
		"id_token_hint":            {idToken},
		"post_logout_redirect_uri": {"http://localhost:5002/signout-callback-oidc"},
	}.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://localhost:5002/signout-callback-oidc", resp.Header.Get("Location"))

	// end session redirects to the registered post-logout URI
	resp = f.get(t, endpoint.PathEndSession+"?"+url.Values{
		"client_id":                {"MvcClient"},
		"post_logout_redirect_uri": {"http://localhost:5002/signout-callback-oidc"},
		"state":                    {"bye"},
	}.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://localhost:5002/signout-callback-oidc?state=bye", resp.Header.Get("Location"))

	// the login session is gone
	resp = f.get(t, endpoint.PathAuthorize+"?"+url.Values{
		"response_type":         {"code"},
		"client_id":             {"MvcClient"},
		"redirect_uri":          {mvcRedirect},
		"scope":                 {"openid"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), endpoint.PathLogin))
}

func TestImplicitFlow_Fragment(t *testing.T) {
	f := newFixture(t)
	cb := f.login(t, url.Values{
		"response_type": {"id_token token"},
		"client_id":     {"resourcesswaggerui"},
		"redirect_uri":  {"http://localhost:5001/swagger/oauth2-redirect.html"},
		"scope":         {"openid ResourceApi"},
		"nonce":         {"abc"},
		"state":         {"s1"},
	})
	assert.Empty(t, cb.RawQuery)
	frag, err := url.ParseQuery(cb.Fragment)
	require.NoError(t, err)
	assert.NotEmpty(t, frag.Get("access_token"))
	assert.NotEmpty(t, frag.Get("id_token"))
	assert.Equal(t, "s1", frag.Get("state"))
}

func TestEndSession_UnregisteredRedirect(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, endpoint.PathEndSession+"?"+url.Values{
		"client_id":                {"MvcClient"},
		"post_logout_redirect_uri": {"https://evil.example.com/"},
	}.Encode())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndSession_SignedOutPage(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, endpoint.PathEndSession+"?client_id=postman")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "https://www.getpostman.com/oauth2/callback/")
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, endpoint.PathLogin, url.Values{
		"username":  {registry.DemoUsername},
		"password":  {"wrong"},
		"returnUrl": {"/connect/authorize?client_id=MvcClient"},
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Invalid username or password")
	assert.NotContains(t, string(body), "wrong")
}

func TestLogin_ExternalReturnURLIgnored(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, endpoint.PathLogin, url.Values{
		"username":  {registry.DemoUsername},
		"password":  {registry.DemoPassword},
		"returnUrl": {"//evil.example.com/"},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestAuthorize_NotRedirectable(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, endpoint.PathAuthorize+"?"+url.Values{
		"response_type": {"code"},
		"client_id":     {"MvcClient"},
		"redirect_uri":  {"https://evil.example.com/cb"},
		"scope":         {"openid"},
	}.Encode())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
	assert.Equal(t, "invalid_request", decode(t, resp)["error"])
}

func TestAuthorize_PromptNone(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, endpoint.PathAuthorize+"?"+url.Values{
		"response_type":         {"code"},
		"client_id":             {"JsClient"},
		"redirect_uri":          {"http://localhost:5003/callback.html"},
		"scope":                 {"openid"},
		"state":                 {"st"},
		"prompt":                {"none"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())},
		"code_challenge_method": {"S256"},
	}.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "login_required", loc.Query().Get("error"))
	assert.Equal(t, "st", loc.Query().Get("state"))
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, f.server.URL+endpoint.PathToken, nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		resp, err := f.client.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := preflight("http://localhost:5003")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5003", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = preflight("https://evil.example.com")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestUserInfo_Rejections(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, endpoint.PathUserInfo)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	tokens := decode(t, f.post(t, endpoint.PathToken, url.Values{"grant_type": {"client_credentials"}}, "ConsoleAppClient", "secret"))
	req, err := http.NewRequest(http.MethodGet, f.server.URL+endpoint.PathUserInfo, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokens["access_token"].(string))
	resp, err = f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "insufficient_scope")
}

func TestRequestID(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.server.URL+endpoint.PathHealth, nil)
	require.NoError(t, err)
	req.Header.Set(endpoint.HeaderRequestID, "req-42")
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get(endpoint.HeaderRequestID))

	resp = f.get(t, endpoint.PathHealth)
	assert.NotEmpty(t, resp.Header.Get(endpoint.HeaderRequestID))
}

func TestReportStoreStats(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveCode(context.Background(), &idp.AuthorizationCode{
		Code:      "stats-code",
		ClientID:  "MvcClient",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.handler.ReportStoreStats(ctx, 10*time.Millisecond) }()

	expected := `
# HELP idp_session_store_entries Current number of entries in the session store
# TYPE idp_session_store_entries gauge
idp_session_store_entries{kind="authorization_code"} 1
idp_session_store_entries{kind="refresh_token"} 0
`
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(f.promReg, strings.NewReader(expected), "idp_session_store_entries") == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
