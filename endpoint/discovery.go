package endpoint

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/authorize"
)

// Document is the OpenID Provider metadata.
type Document struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	FrontChannelLogoutSupported       bool     `json:"frontchannel_logout_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// Discovery builds the metadata document from the configuration and registry.
func (h *Handler) Discovery(ctx context.Context) Document {
	base := strings.TrimSuffix(h.srv.Config().Issuer, "/")
	d := Document{
		Issuer:                            h.srv.Config().Issuer,
		AuthorizationEndpoint:             base + PathAuthorize,
		TokenEndpoint:                     base + PathToken,
		UserInfoEndpoint:                  base + PathUserInfo,
		JWKSURI:                           base + PathJWKS,
		RevocationEndpoint:                base + PathRevocation,
		IntrospectionEndpoint:             base + PathIntrospect,
		EndSessionEndpoint:                base + PathEndSession,
		FrontChannelLogoutSupported:       true,
		ResponseTypesSupported:            []string{authorize.ResponseCode, authorize.ResponseToken, authorize.ResponseIDToken, authorize.ResponseIDToken + " " + authorize.ResponseToken},
		ResponseModesSupported:            []string{"query", "fragment"},
		SubjectTypesSupported:             []string{"public"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"plain", "S256"},
	}
	if sg := h.srv.Signer(); sg != nil {
		d.IDTokenSigningAlgValuesSupported = []string{sg.Algorithm()}
	}
	if reg := h.srv.Registry(); reg != nil {
		info := reg.Discovery(ctx)
		d.ScopesSupported = append(d.ScopesSupported, info.IdentityScopes...)
		d.ScopesSupported = append(d.ScopesSupported, info.ResourceScopes...)
		for _, g := range info.GrantTypes {
			d.GrantTypesSupported = append(d.GrantTypesSupported, string(g))
		}
	}
	return d
}

func (h *Handler) discovery(c *gin.Context) {
	c.JSON(http.StatusOK, h.Discovery(c.Request.Context()))
}

func (h *Handler) jwks(c *gin.Context) {
	sg := h.srv.Signer()
	if sg == nil {
		h.writeError(c, idp.ServerError(errNoSigner))
		return
	}
	keys, err := sg.PublicKeys(c.Request.Context())
	if err != nil {
		h.writeError(c, idp.ServerError(err))
		return
	}
	c.Header("Cache-Control", "public, max-age=300")
	c.Data(http.StatusOK, "application/json", keys)
}

func (h *Handler) health(c *gin.Context) {
	if err := h.srv.HealthCheck(c.Request.Context()); err != nil {
		h.logger.WarnContext(c.Request.Context(), "health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
