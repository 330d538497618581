package credential

import (
	"context"
	"testing"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/registry"
)

func scopeRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	h := mustHash(t, "x")
	reg, err := registry.DefaultBuilder(h, h).Build()
	if err != nil {
		t.Fatalf("Build() unexpected error: %v", err)
	}
	return reg
}

func TestValidateScopes(t *testing.T) {
	reg := scopeRegistry(t)
	ctx := context.Background()
	mvc, _ := reg.FindClient(ctx, "MvcClient")
	console, _ := reg.FindClient(ctx, "ConsoleAppClient")
	js, _ := reg.FindClient(ctx, "JsClient")

	tests := []struct {
		name         string
		client       *idp.Client
		requested    []string
		resourceOnly bool
		want         []string
		wantCode     string
	}{
		{"allowed", mvc, []string{"openid", "profile"}, false, []string{"openid", "profile"}, ""},
		{"offline allowed", mvc, []string{"openid", "offline_access"}, false, []string{"openid", "offline_access"}, ""},
		{"offline not allowed", js, []string{"openid", "offline_access"}, false, nil, idp.CodeInvalidScope},
		{"one bad rejects all", mvc, []string{"openid", "admin"}, false, nil, idp.CodeInvalidScope},
		{"default to allowed", mvc, nil, false, []string{"openid", "profile", "ResourceApi"}, ""},
		{"resource only", console, []string{"ResourceApi"}, true, []string{"ResourceApi"}, ""},
		{"identity in resource only", mvc, []string{"openid", "ResourceApi"}, true, nil, idp.CodeInvalidScope},
		{"default resource only", mvc, nil, true, []string{"ResourceApi"}, ""},
		{"not allowed for client", console, []string{"openid"}, true, nil, idp.CodeInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateScopes(ctx, reg, tt.client, tt.requested, tt.resourceOnly)
			if tt.wantCode != "" {
				if code := errCode(err); code != tt.wantCode {
					t.Fatalf("ValidateScopes() error = %v, want %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateScopes() unexpected error: %v", err)
			}
			names := idp.ScopeNames(got)
			if len(names) != len(tt.want) {
				t.Fatalf("ValidateScopes() = %v, want %v", names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Errorf("ValidateScopes()[%d] = %q, want %q", i, names[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidateScopes_UnregisteredAllowedScope(t *testing.T) {
	reg := scopeRegistry(t)
	c := &idp.Client{ClientID: "x", AllowedScopes: []string{"ghost"}}

	_, err := ValidateScopes(context.Background(), reg, c, []string{"ghost"}, false)
	if code := errCode(err); code != idp.CodeInvalidScope {
		t.Errorf("error code = %q, want %q", code, idp.CodeInvalidScope)
	}
}

func TestValidateScopes_NoRegistry(t *testing.T) {
	_, err := ValidateScopes(context.Background(), nil, &idp.Client{}, nil, false)
	if code := errCode(err); code != idp.CodeServerError {
		t.Errorf("error code = %q, want %q", code, idp.CodeServerError)
	}
}
