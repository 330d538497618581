package kratosmw

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/fake"
)

// mockTransport implements transport.Transporter
type mockTransport struct {
	headers map[string]string
	reply   map[string]string
	op      string
}

func (m *mockTransport) Kind() transport.Kind            { return transport.KindHTTP }
func (m *mockTransport) Endpoint() string                { return "mock://test" }
func (m *mockTransport) Operation() string               { return m.op }
func (m *mockTransport) RequestHeader() transport.Header { return &mockHeader{headers: m.headers} }
func (m *mockTransport) ReplyHeader() transport.Header {
	if m.reply == nil {
		m.reply = make(map[string]string)
	}
	return &mockHeader{headers: m.reply}
}

type mockHeader struct {
	headers map[string]string
}

func (h *mockHeader) Get(key string) string      { return h.headers[key] }
func (h *mockHeader) Set(key, value string)      { h.headers[key] = value }
func (h *mockHeader) Add(key, value string)      { h.headers[key] = value }
func (h *mockHeader) Values(key string) []string { return []string{h.headers[key]} }
func (h *mockHeader) Keys() []string {
	keys := make([]string, 0, len(h.headers))
	for k := range h.headers {
		keys = append(keys, k)
	}
	return keys
}

func testServer() *idp.Server {
	return fake.NewServer(
		fake.WithToken("user123", idp.Claims{
			Subject:  "user123",
			ClientID: "MvcClient",
			Scopes:   []string{"openid", "ResourceApi"},
			Audience: []string{"ResourceApi"},
		}),
	)
}

func ok(ctx context.Context, req any) (any, error) { return "ok", nil }

func principalCtx(scopes ...string) context.Context {
	return idp.WithPrincipal(context.Background(), &idp.Claims{
		Subject:  "user123",
		Scopes:   scopes,
		Audience: []string{"ResourceApi"},
	})
}

func TestAuth_Success(t *testing.T) {
	mw := Auth(testServer())

	var capturedCtx context.Context
	handler := func(ctx context.Context, req any) (any, error) {
		capturedCtx = ctx
		return "ok", nil
	}

	tr := &mockTransport{
		headers: map[string]string{"Authorization": "Bearer user123"},
		op:      "/test/operation",
	}
	ctx := transport.NewServerContext(context.Background(), tr)

	result, err := mw(middleware.Handler(handler))(ctx, nil)
	if err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}

	if sub := idp.SubjectFromContext(capturedCtx); sub != "user123" {
		t.Errorf("expected subject user123, got %s", sub)
	}
	if clientID := idp.ClientIDFromContext(capturedCtx); clientID != "MvcClient" {
		t.Errorf("expected client MvcClient, got %s", clientID)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	mw := Auth(testServer())

	tr := &mockTransport{headers: make(map[string]string), op: "/test/operation"}
	ctx := transport.NewServerContext(context.Background(), tr)

	_, err := mw(ok)(ctx, nil)
	if err == nil {
		t.Fatal("expected error for missing token")
	}
	if !errors.IsUnauthorized(err) {
		t.Fatalf("expected Unauthorized error, got %v", err)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	mw := Auth(testServer())

	tr := &mockTransport{headers: map[string]string{"Authorization": "Bearer forged"}, op: "/test/operation"}
	ctx := transport.NewServerContext(context.Background(), tr)

	_, err := mw(ok)(ctx, nil)
	if !errors.IsUnauthorized(err) {
		t.Fatalf("expected Unauthorized error, got %v", err)
	}
}

func TestAuth_ExcludedOperation(t *testing.T) {
	mw := Auth(testServer(), WithExcludedOperations("/health/check"))

	tr := &mockTransport{headers: make(map[string]string), op: "/health/check"}
	ctx := transport.NewServerContext(context.Background(), tr)

	result, err := mw(ok)(ctx, nil)
	if err != nil {
		t.Fatalf("excluded operation should not return error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}
}

func TestRequireScope_Success(t *testing.T) {
	result, err := RequireScope("ResourceApi")(ok)(principalCtx("openid", "ResourceApi"), nil)
	if err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}
}

func TestRequireScope_Denied(t *testing.T) {
	_, err := RequireScope("ResourceApi")(ok)(principalCtx("openid"), nil)
	if !errors.IsForbidden(err) {
		t.Fatalf("expected Forbidden error, got %v", err)
	}
}

func TestRequireScope_NoPrincipal(t *testing.T) {
	_, err := RequireScope("ResourceApi")(ok)(context.Background(), nil)
	if !errors.IsUnauthorized(err) {
		t.Fatalf("expected Unauthorized error, got %v", err)
	}
}

func TestRequireAnyScope_SecondMatches(t *testing.T) {
	_, err := RequireAnyScope("admin", "profile")(ok)(principalCtx("openid", "profile"), nil)
	if err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
}

func TestRequireAnyScope_NoneMatches(t *testing.T) {
	_, err := RequireAnyScope("admin", "profile")(ok)(principalCtx("openid"), nil)
	if !errors.IsForbidden(err) {
		t.Fatalf("expected Forbidden error, got %v", err)
	}
}

func TestRequireAudience(t *testing.T) {
	if _, err := RequireAudience("ResourceApi")(ok)(principalCtx(), nil); err != nil {
		t.Fatalf("RequireAudience(ResourceApi) unexpected error: %v", err)
	}
	if _, err := RequireAudience("OtherApi")(ok)(principalCtx(), nil); !errors.IsUnauthorized(err) {
		t.Fatalf("expected Unauthorized error, got %v", err)
	}
}

type staticSource struct {
	token string
	err   error
}

func (s staticSource) GetCachedToken(context.Context) (string, error) { return s.token, s.err }

func TestOAuth2ClientCredentials_InjectsHeader(t *testing.T) {
	tr := &mockTransport{headers: make(map[string]string), op: "/api.Resource/Get"}
	ctx := transport.NewClientContext(context.Background(), tr)

	if _, err := OAuth2ClientCredentials(staticSource{token: "m2m-token"})(ok)(ctx, nil); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if got := tr.headers["Authorization"]; got != "Bearer m2m-token" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer m2m-token")
	}
}

func TestOAuth2ClientCredentials_SourceError(t *testing.T) {
	tr := &mockTransport{headers: make(map[string]string), op: "/api.Resource/Get"}
	ctx := transport.NewClientContext(context.Background(), tr)

	_, err := OAuth2ClientCredentials(staticSource{err: fmt.Errorf("down")})(ok)(ctx, nil)
	if !errors.IsUnauthorized(err) {
		t.Fatalf("expected Unauthorized error, got %v", err)
	}
}
