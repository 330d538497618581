package credential

import (
	"fmt"
	"net/url"
	"strings"

	idp "github.com/chimerakang/idp-go"
)

// CanonicalURI lower-cases scheme and host, drops default ports and maps an
// empty path to "/". Query strings are kept verbatim; fragments are rejected.
func CanonicalURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("idp/credential: parse uri: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("idp/credential: uri must be absolute")
	}
	if u.Fragment != "" || strings.HasSuffix(raw, "#") {
		return "", fmt.Errorf("idp/credential: uri must not contain a fragment")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	return u.String(), nil
}

func matchURI(candidate string, allowed []string) bool {
	want, err := CanonicalURI(candidate)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if got, err := CanonicalURI(a); err == nil && got == want {
			return true
		}
	}
	return false
}

// ValidateRedirectURI checks uri against the client's registered redirect URIs.
func ValidateRedirectURI(client *idp.Client, uri string) error {
	if uri == "" {
		return idp.InvalidRequest("redirect_uri is required")
	}
	if !matchURI(uri, client.RedirectURIs) {
		return idp.InvalidRequest("redirect_uri is not registered for this client")
	}
	return nil
}

// ValidatePostLogoutRedirectURI checks uri against the client's post-logout redirect URIs.
func ValidatePostLogoutRedirectURI(client *idp.Client, uri string) error {
	if !matchURI(uri, client.PostLogoutRedirectURIs) {
		return idp.InvalidRequest("post_logout_redirect_uri is not registered for this client")
	}
	return nil
}

// ValidateOrigin checks a browser Origin header against the client's allowed
// CORS origins. An empty origin is a same-origin or non-browser request.
func ValidateOrigin(client *idp.Client, origin string) error {
	if origin == "" {
		return nil
	}
	o := strings.ToLower(strings.TrimSuffix(origin, "/"))
	for _, a := range client.AllowedCorsOrigins {
		if strings.ToLower(strings.TrimSuffix(a, "/")) == o {
			return nil
		}
	}
	return idp.UnauthorizedClient("origin is not allowed for this client")
}
