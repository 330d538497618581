package credential

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	idp "github.com/chimerakang/idp-go"
)

func mustHash(t *testing.T, s string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func errCode(err error) string {
	var e *idp.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func TestValidateClientSecret(t *testing.T) {
	confidential := &idp.Client{ClientID: "c", ClientSecrets: []string{mustHash(t, "old"), mustHash(t, "secret")}, RequireClientSecret: true}
	optional := &idp.Client{ClientID: "o", ClientSecrets: []string{mustHash(t, "secret")}}
	public := &idp.Client{ClientID: "p"}

	tests := []struct {
		name      string
		client    *idp.Client
		presented string
		wantCode  string
	}{
		{"matches second secret", confidential, "secret", ""},
		{"wrong secret", confidential, "nope", idp.CodeInvalidClient},
		{"missing required secret", confidential, "", idp.CodeInvalidClient},
		{"optional secret omitted", optional, "", ""},
		{"optional secret wrong", optional, "nope", idp.CodeInvalidClient},
		{"public without secret", public, "", ""},
		{"public with secret", public, "secret", idp.CodeInvalidClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateClientSecret(tt.client, tt.presented)
			if got := errCode(err); got != tt.wantCode {
				t.Errorf("ValidateClientSecret() code = %q, want %q (err %v)", got, tt.wantCode, err)
			}
		})
	}
}

func TestValidateClientSecret_ErrorHidesSecret(t *testing.T) {
	c := &idp.Client{ClientID: "c", ClientSecrets: []string{mustHash(t, "secret")}, RequireClientSecret: true}
	err := ValidateClientSecret(c, "hunter2-guess")
	if strings.Contains(err.Error(), "hunter2") {
		t.Errorf("error %q leaks the presented secret", err)
	}
}

func TestHashSecret(t *testing.T) {
	h, err := HashSecret("secret")
	if err != nil {
		t.Fatalf("HashSecret() unexpected error: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h), []byte("secret")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
	if _, err := HashSecret(""); err == nil {
		t.Error("HashSecret(\"\") expected error")
	}
}

func TestValidatePkce_S256(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	if err := ValidatePkce(challenge, PkceS256, verifier); err != nil {
		t.Fatalf("ValidatePkce() unexpected error: %v", err)
	}
	if err := ValidatePkce(challenge, PkceS256, oauth2.GenerateVerifier()); errCode(err) != idp.CodeInvalidGrant {
		t.Errorf("ValidatePkce(other verifier) = %v, want invalid_grant", err)
	}
	if err := ValidatePkce(challenge, PkceS256, ""); errCode(err) != idp.CodeInvalidGrant {
		t.Errorf("ValidatePkce(no verifier) = %v, want invalid_grant", err)
	}
}

func TestValidatePkce_Plain(t *testing.T) {
	v := strings.Repeat("a", 43)
	if err := ValidatePkce(v, PkcePlain, v); err != nil {
		t.Errorf("ValidatePkce(plain) unexpected error: %v", err)
	}
	if err := ValidatePkce(v, PkcePlain, strings.Repeat("b", 43)); err == nil {
		t.Error("ValidatePkce(plain mismatch) expected error")
	}
}

func TestValidatePkce_VerifierFormat(t *testing.T) {
	short := strings.Repeat("a", 42)
	if err := ValidatePkce(short, PkcePlain, short); err == nil {
		t.Error("42-char verifier accepted")
	}
	long := strings.Repeat("a", 129)
	if err := ValidatePkce(long, PkcePlain, long); err == nil {
		t.Error("129-char verifier accepted")
	}
	bad := strings.Repeat("a", 42) + "+"
	if err := ValidatePkce(bad, PkcePlain, bad); err == nil {
		t.Error("verifier with '+' accepted")
	}
}

func TestValidatePkce_NoChallenge(t *testing.T) {
	if err := ValidatePkce("", "", ""); err != nil {
		t.Errorf("ValidatePkce(no pkce) unexpected error: %v", err)
	}
	if err := ValidatePkce("", "", oauth2.GenerateVerifier()); err == nil {
		t.Error("verifier without stored challenge accepted")
	}
}

func TestValidateChallenge(t *testing.T) {
	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
	pkce := &idp.Client{RequirePkce: true}
	plainOK := &idp.Client{RequirePkce: true, AllowPlainTextPkce: true}

	if _, err := ValidateChallenge(pkce, "", ""); errCode(err) != idp.CodeInvalidRequest {
		t.Errorf("missing challenge: %v, want invalid_request", err)
	}
	if m, err := ValidateChallenge(pkce, challenge, PkceS256); err != nil || m != PkceS256 {
		t.Errorf("S256: method %q err %v", m, err)
	}
	if _, err := ValidateChallenge(pkce, challenge, ""); err == nil {
		t.Error("implicit plain accepted without AllowPlainTextPkce")
	}
	if m, err := ValidateChallenge(plainOK, challenge, ""); err != nil || m != PkcePlain {
		t.Errorf("plain: method %q err %v", m, err)
	}
	if _, err := ValidateChallenge(pkce, challenge, "S512"); err == nil {
		t.Error("unknown method accepted")
	}
	if m, err := ValidateChallenge(&idp.Client{}, "", ""); err != nil || m != "" {
		t.Errorf("no pkce: method %q err %v", m, err)
	}
}

func TestCanonicalURI(t *testing.T) {
	tests := []struct{ in, want string }{
		{"HTTP://LocalHost:5002/signin-oidc", "http://localhost:5002/signin-oidc"},
		{"https://Example.com:443", "https://example.com/"},
		{"http://example.com:80/cb?x=1", "http://example.com/cb?x=1"},
		{"http://[::1]:8080/cb", "http://[::1]:8080/cb"},
	}
	for _, tt := range tests {
		got, err := CanonicalURI(tt.in)
		if err != nil {
			t.Errorf("CanonicalURI(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalURI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"/relative", "https://a/cb#frag", "://"} {
		if _, err := CanonicalURI(bad); err == nil {
			t.Errorf("CanonicalURI(%q) expected error", bad)
		}
	}
}

func TestValidateRedirectURI(t *testing.T) {
	c := &idp.Client{RedirectURIs: []string{"http://localhost:5002/signin-oidc"}}

	if err := ValidateRedirectURI(c, "http://LOCALHOST:5002/signin-oidc"); err != nil {
		t.Errorf("case-insensitive host rejected: %v", err)
	}
	for _, uri := range []string{
		"",
		"http://localhost:5002/signin-oidc/",
		"http://localhost:5002/Signin-oidc",
		"http://localhost:5002/signin-oidc?next=x",
		"https://localhost:5002/signin-oidc",
		"http://evil.example/signin-oidc",
	} {
		if err := ValidateRedirectURI(c, uri); err == nil {
			t.Errorf("ValidateRedirectURI(%q) expected error", uri)
		}
	}
}

func TestValidatePostLogoutRedirectURI(t *testing.T) {
	c := &idp.Client{PostLogoutRedirectURIs: []string{"http://localhost:5003/index.html"}}
	if err := ValidatePostLogoutRedirectURI(c, "http://localhost:5003/index.html"); err != nil {
		t.Errorf("registered uri rejected: %v", err)
	}
	if err := ValidatePostLogoutRedirectURI(c, "http://localhost:5003/other.html"); err == nil {
		t.Error("unregistered uri accepted")
	}
}

func TestValidateOrigin(t *testing.T) {
	c := &idp.Client{AllowedCorsOrigins: []string{"http://localhost:5003"}}
	if err := ValidateOrigin(c, ""); err != nil {
		t.Errorf("empty origin rejected: %v", err)
	}
	if err := ValidateOrigin(c, "http://localhost:5003"); err != nil {
		t.Errorf("allowed origin rejected: %v", err)
	}
	if err := ValidateOrigin(c, "http://localhost:5004"); err == nil {
		t.Error("foreign origin accepted")
	}
}

type stubUsers struct {
	sub string
	err error
}

func (s stubUsers) VerifyPassword(context.Context, string, string) (string, error) {
	return s.sub, s.err
}
func (s stubUsers) FindUser(context.Context, string) (*idp.User, error) { return nil, idp.ErrNotFound }

func TestValidateResourceOwnerCredentials(t *testing.T) {
	ctx := context.Background()

	sub, err := ValidateResourceOwnerCredentials(ctx, stubUsers{sub: "1"}, "demo", "demo")
	if err != nil || sub != "1" {
		t.Errorf("valid credentials: sub %q err %v", sub, err)
	}

	_, err = ValidateResourceOwnerCredentials(ctx, stubUsers{err: idp.ErrInvalidCredentials}, "demo", "wrong")
	if errCode(err) != idp.CodeInvalidGrant {
		t.Errorf("wrong password: %v, want invalid_grant", err)
	}
	if strings.Contains(err.Error(), "wrong") {
		t.Errorf("error %q leaks the password", err)
	}

	_, err = ValidateResourceOwnerCredentials(ctx, stubUsers{err: idp.Unavailable(errors.New("db down"))}, "demo", "demo")
	if errCode(err) != idp.CodeTemporarilyUnavailable {
		t.Errorf("upstream failure: %v, want temporarily_unavailable", err)
	}

	_, err = ValidateResourceOwnerCredentials(ctx, stubUsers{sub: "1"}, "demo", "")
	if errCode(err) != idp.CodeInvalidGrant {
		t.Errorf("empty password: %v, want invalid_grant", err)
	}
}
