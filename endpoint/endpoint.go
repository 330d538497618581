// Package endpoint exposes the engine over HTTP with gin: the OIDC discovery
// and JWKS documents, the authorize, token, revocation, introspection,
// userinfo and end-session endpoints, and a minimal login page.
package endpoint

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/audit"
	"github.com/chimerakang/idp-go/authorize"
	"github.com/chimerakang/idp-go/grant"
	"github.com/chimerakang/idp-go/metrics"
	"github.com/chimerakang/idp-go/token"
)

// Routes served by the Handler.
const (
	PathDiscovery  = "/.well-known/openid-configuration"
	PathJWKS       = "/.well-known/openid-configuration/jwks"
	PathAuthorize  = "/connect/authorize"
	PathToken      = "/connect/token"
	PathRevocation = "/connect/revocation"
	PathIntrospect = "/connect/introspect"
	PathUserInfo   = "/connect/userinfo"
	PathEndSession = "/connect/endsession"
	PathLogin      = "/account/login"
	PathHealth     = "/healthz"
)

// HeaderRequestID carries the request correlation ID.
const HeaderRequestID = "X-Request-ID"

// Handler serves the engine's HTTP endpoints.
type Handler struct {
	srv        *idp.Server
	dispatcher *grant.Dispatcher
	authorizer *authorize.Endpoint
	issuer     *token.Issuer
	metrics    *metrics.Metrics
	audit      *audit.Logger
	logger     *slog.Logger
	now        func() time.Time

	cookies      *securecookie.SecureCookie
	cookieName   string
	cookieSecure bool
	sessionTTL   time.Duration
	hashKey      []byte
	blockKey     []byte
}

// Option configures the Handler.
type Option func(*Handler)

// WithMetrics records endpoint, grant and authorization metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithAudit emits audit events for logins, grants and authorization responses.
func WithAudit(l *audit.Logger) Option {
	return func(h *Handler) { h.audit = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithCookieKeys sets the login-session cookie keys. The hash key should be
// 32 or 64 bytes; the block key, if set, 16, 24 or 32 bytes. Without keys a
// random pair is generated and sessions do not survive a restart.
func WithCookieKeys(hashKey, blockKey []byte) Option {
	return func(h *Handler) {
		h.hashKey = hashKey
		h.blockKey = blockKey
	}
}

// WithSecureCookies marks the login-session cookie Secure.
func WithSecureCookies(secure bool) Option {
	return func(h *Handler) { h.cookieSecure = secure }
}

// WithSessionTTL sets how long a login session lasts. Default: 8 hours.
func WithSessionTTL(d time.Duration) Option {
	return func(h *Handler) { h.sessionTTL = d }
}

// New creates a Handler over srv.
func New(srv *idp.Server, opts ...Option) *Handler {
	h := &Handler{
		srv:        srv,
		logger:     srv.Logger().With("component", "endpoint"),
		now:        time.Now,
		cookieName: "idp.session",
		sessionTTL: 8 * time.Hour,
	}
	for _, o := range opts {
		o(h)
	}
	if len(h.hashKey) == 0 {
		h.hashKey = securecookie.GenerateRandomKey(64)
		h.blockKey = securecookie.GenerateRandomKey(32)
	}
	h.cookies = securecookie.New(h.hashKey, h.blockKey)
	h.cookies.MaxAge(int(h.sessionTTL.Seconds()))

	h.dispatcher = grant.NewDispatcher(srv,
		grant.WithMetrics(h.metrics), grant.WithAudit(h.audit), grant.WithClock(h.now))
	h.authorizer = authorize.NewEndpoint(srv,
		authorize.WithMetrics(h.metrics), authorize.WithAudit(h.audit), authorize.WithClock(h.now))
	h.issuer = token.NewIssuer(srv, token.WithClock(h.now))
	return h
}

// Router returns a gin engine serving every endpoint.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestID(), h.accessLog(), h.cors())
	r.SetHTMLTemplate(pages)
	h.Register(r)
	return r
}

// Register adds the endpoint routes to r. The login and end-session pages
// need the templates installed by Router.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET(PathDiscovery, h.discovery)
	r.GET(PathJWKS, h.jwks)
	r.GET(PathHealth, h.health)

	r.GET(PathAuthorize, h.authorize)
	r.POST(PathAuthorize, h.authorize)
	r.POST(PathToken, h.token)
	r.POST(PathRevocation, h.revoke)
	r.POST(PathIntrospect, h.introspect)
	r.GET(PathUserInfo, h.userinfo)
	r.POST(PathUserInfo, h.userinfo)
	r.GET(PathEndSession, h.endSession)
	r.POST(PathEndSession, h.endSession)

	r.GET(PathLogin, h.loginPage)
	r.POST(PathLogin, h.login)
}

// Dispatcher returns the grant dispatcher used by the token endpoint.
func (h *Handler) Dispatcher() *grant.Dispatcher { return h.dispatcher }

// --- middleware ---

func (h *Handler) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx := idp.WithRequestID(c.Request.Context(), id)
		ctx = audit.WithRequestID(ctx, id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.DebugContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", idp.RequestIDFromContext(c.Request.Context()),
		)
	}
}

// originChecker is implemented by registries that index client CORS origins.
type originChecker interface {
	AllowsOrigin(origin string) bool
}

// cors allows browser clients to call the engine from their registered origins.
func (h *Handler) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if oc, ok := h.srv.Registry().(originChecker); ok && oc.AllowsOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "600")
		}
		c.Header("Vary", "Origin")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// --- responses ---

// errorBody is the OAuth2 error response.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}

// writeError renders an OAuth2 error. server_error never leaks its cause.
func (h *Handler) writeError(c *gin.Context, err error) {
	e := idp.AsError(err)
	if e.Kind == idp.KindUpstream {
		h.logger.ErrorContext(c.Request.Context(), "request failed",
			"path", c.Request.URL.Path, "error", err)
	}
	noStore(c)
	status := e.HTTPStatus()
	if e.Code == idp.CodeTemporarilyUnavailable {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, errorBody{Error: e.Code, ErrorDescription: e.Description})
}

// bearerChallenge renders a 401 or 403 with an RFC 6750 challenge.
func bearerChallenge(c *gin.Context, status int, code, description string) {
	c.Header("WWW-Authenticate", `Bearer realm="idp", error="`+code+`", error_description="`+description+`"`)
	c.AbortWithStatusJSON(status, errorBody{Error: code, ErrorDescription: description})
}

// clientCredentials extracts client_id and client_secret from HTTP Basic or
// the form body. Using both methods at once is an invalid_request.
func clientCredentials(c *gin.Context) (id, secret string, basic bool, err error) {
	formID := c.Request.PostForm.Get("client_id")
	formSecret := c.Request.PostForm.Get("client_secret")

	user, pass, ok := c.Request.BasicAuth()
	if !ok {
		return formID, formSecret, false, nil
	}
	if formSecret != "" {
		return "", "", true, idp.InvalidRequest("multiple client authentication methods")
	}
	if id, err = urlDecode(user); err != nil {
		return "", "", true, idp.InvalidClient("malformed basic credentials")
	}
	if secret, err = urlDecode(pass); err != nil {
		return "", "", true, idp.InvalidClient("malformed basic credentials")
	}
	if formID != "" && formID != id {
		return "", "", true, idp.InvalidRequest("client_id does not match basic credentials")
	}
	return id, secret, true, nil
}

func parseForm(c *gin.Context) error {
	if err := c.Request.ParseForm(); err != nil {
		return idp.InvalidRequest("malformed request body")
	}
	return nil
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	if c.Request.Method == http.MethodPost {
		return c.Request.PostForm.Get("access_token")
	}
	return ""
}

var errNoSession = errors.New("idp/endpoint: no login session")

var pages = func() *template.Template {
	t := template.Must(template.New("login").Parse(loginTemplate))
	template.Must(t.New("signedout").Parse(signedOutTemplate))
	return t
}()
