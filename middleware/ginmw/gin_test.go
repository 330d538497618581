package ginmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/fake"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(srv *idp.Server, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Auth(srv, WithExcludedPaths("/healthz"), WithRealm("api")))
	handlers := append(extra, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sub":       GetSubject(c),
			"client_id": GetClientID(c),
			"ctx_sub":   idp.SubjectFromContext(c.Request.Context()),
		})
	})
	r.GET("/api", handlers...)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func serve(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func testServer() *idp.Server {
	return fake.NewServer(
		fake.WithToken("api-token", idp.Claims{
			Subject:  "1",
			ClientID: "MvcClient",
			Scopes:   []string{"openid", "ResourceApi"},
			Audience: []string{"ResourceApi"},
		}),
		fake.WithToken("openid-only", idp.Claims{Subject: "1", ClientID: "JsClient", Scopes: []string{"openid"}}),
	)
}

func TestAuth_Success(t *testing.T) {
	w := serve(newRouter(testServer()), "/api", "api-token")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"sub":"1"`) || !strings.Contains(body, `"ctx_sub":"1"`) {
		t.Errorf("body = %s, want subject in gin and request context", body)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	w := serve(newRouter(testServer()), "/api", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); got != `Bearer realm="api"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	w := serve(newRouter(testServer()), "/api", "bogus")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_token"`) {
		t.Errorf("WWW-Authenticate = %q, want invalid_token", got)
	}
}

func TestAuth_ExcludedPath(t *testing.T) {
	w := serve(newRouter(testServer()), "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestRequireScope(t *testing.T) {
	r := newRouter(testServer(), RequireScope("ResourceApi"))

	if w := serve(r, "/api", "api-token"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	w := serve(r, "/api", "openid-only")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); !strings.Contains(got, "insufficient_scope") {
		t.Errorf("WWW-Authenticate = %q, want insufficient_scope", got)
	}
}

func TestRequireAnyScope(t *testing.T) {
	r := newRouter(testServer(), RequireAnyScope("admin", "openid"))
	if w := serve(r, "/api", "openid-only"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRequireAudience(t *testing.T) {
	r := newRouter(testServer(), RequireAudience("ResourceApi"))

	if w := serve(r, "/api", "api-token"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w := serve(r, "/api", "openid-only"); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRequireScope_WithoutAuth(t *testing.T) {
	r := gin.New()
	r.GET("/", RequireScope("openid"), func(c *gin.Context) { c.Status(http.StatusOK) })
	if w := serve(r, "/", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := ExtractBearerToken(req); got != tt.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
