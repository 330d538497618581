//go:build integration

package idp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/endpoint"
	"github.com/chimerakang/idp-go/jwks"
	"github.com/chimerakang/idp-go/oauth2"
)

// These tests run against a live idpd serving the demo registry.
// To run them, use: IDP_ENDPOINT=http://localhost:5000 go test -tags=integration .

func liveEndpoint(t *testing.T) string {
	t.Helper()
	ep := os.Getenv("IDP_ENDPOINT")
	if ep == "" {
		t.Skip("Skipping integration test (IDP_ENDPOINT not set)")
	}
	return strings.TrimSuffix(ep, "/")
}

func TestLiveDiscovery(t *testing.T) {
	ep := liveEndpoint(t)

	resp, err := http.Get(ep + endpoint.PathDiscovery)
	if err != nil {
		t.Fatalf("GET discovery unexpected error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var doc endpoint.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode discovery unexpected error: %v", err)
	}
	if doc.TokenEndpoint == "" || doc.JWKSURI == "" {
		t.Fatalf("discovery document incomplete: %+v", doc)
	}
}

func TestLiveClientCredentialsVerifiedViaJWKS(t *testing.T) {
	ep := liveEndpoint(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ex := oauth2.New("ConsoleAppClient", "secret", ep+endpoint.PathToken, []string{"ResourceApi"}, oauth2.WithBasicAuth())
	tok, err := ex.ExchangeToken(ctx, nil)
	if err != nil {
		t.Fatalf("ExchangeToken() unexpected error: %v", err)
	}

	verifier := jwks.NewVerifier(ep+endpoint.PathJWKS, jwks.WithAudience("ResourceApi"))
	claims, err := verifier.Verify(ctx, tok.AccessToken)
	if err != nil {
		t.Fatalf("Verify() unexpected error: %v", err)
	}
	if claims.Subject != "ConsoleAppClient" {
		t.Errorf("Subject = %q, want ConsoleAppClient", claims.Subject)
	}
	if !claims.HasScope("ResourceApi") {
		t.Errorf("Scopes = %v, want ResourceApi", claims.Scopes)
	}
}

func TestLiveWrongSecret(t *testing.T) {
	ep := liveEndpoint(t)

	ex := oauth2.New("ConsoleAppClient", "wrong", ep+endpoint.PathToken, []string{"ResourceApi"})
	_, err := ex.ExchangeToken(context.Background(), nil)

	var e *idp.Error
	if !errors.As(err, &e) || e.Code != idp.CodeInvalidClient {
		t.Fatalf("ExchangeToken() error = %v, want invalid_client", err)
	}
}

func TestLiveIntrospection(t *testing.T) {
	ep := liveEndpoint(t)
	ctx := context.Background()

	cc := clientcredentials.Config{
		ClientID:     "ConsoleAppClient",
		ClientSecret: "secret",
		TokenURL:     ep + endpoint.PathToken,
		Scopes:       []string{"ResourceApi"},
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		t.Fatalf("Token() unexpected error: %v", err)
	}

	form := url.Values{"token": {tok.AccessToken}}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ep+endpoint.PathIntrospect, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("ConsoleAppClient", "secret")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("introspect unexpected error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Active   bool   `json:"active"`
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode introspection unexpected error: %v", err)
	}
	if !body.Active || body.ClientID != "ConsoleAppClient" {
		t.Errorf("introspection = %+v, want active for ConsoleAppClient", body)
	}
}
