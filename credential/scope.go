package credential

import (
	"context"
	"fmt"

	idp "github.com/chimerakang/idp-go"
)

// ValidateScopes checks requested scope names against the client's allowed
// set and the registry. A single disallowed or unknown name rejects the whole
// request with invalid_scope. An empty request defaults to every allowed
// scope. With resourceOnly, identity scopes are rejected when requested and
// skipped when defaulted.
func ValidateScopes(ctx context.Context, reg idp.Registry, client *idp.Client, requested []string, resourceOnly bool) ([]idp.Scope, error) {
	if reg == nil {
		return nil, idp.ServerError(fmt.Errorf("idp/credential: no registry configured"))
	}

	defaulted := len(requested) == 0
	if defaulted {
		requested = client.AllowedScopes
	}
	for _, name := range requested {
		if !client.AllowsScope(name) {
			return nil, idp.InvalidScope("scope %q is not allowed for this client", name)
		}
	}

	valid, unknown := reg.ResolveScopes(ctx, requested)
	if len(unknown) > 0 {
		return nil, idp.InvalidScope("unknown scope %q", unknown[0])
	}

	if resourceOnly {
		filtered := valid[:0:0]
		for _, s := range valid {
			if s.Kind == idp.ScopeResource {
				filtered = append(filtered, s)
				continue
			}
			if !defaulted {
				return nil, idp.InvalidScope("identity scope %q is not allowed for this grant", s.Name)
			}
		}
		valid = filtered
	}

	if len(valid) == 0 {
		return nil, idp.InvalidScope("no valid scope requested")
	}
	return valid, nil
}
