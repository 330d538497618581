package idp

import "context"

type ctxKey string

const (
	ctxKeySubject   ctxKey = "idp_subject"
	ctxKeyClientID  ctxKey = "idp_client_id"
	ctxKeyScopes    ctxKey = "idp_scopes"
	ctxKeyClaims    ctxKey = "idp_claims"
	ctxKeyRequestID ctxKey = "idp_request_id"
)

// WithSubject stores the authenticated subject ID in the context.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// SubjectFromContext extracts the authenticated subject ID from the context.
func SubjectFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeySubject).(string)
	return v
}

// WithClientID stores the calling client ID in the context.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ctxKeyClientID, clientID)
}

// ClientIDFromContext extracts the calling client ID from the context.
func ClientIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyClientID).(string)
	return v
}

// WithScopes stores the granted scopes in the context.
func WithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, ctxKeyScopes, scopes)
}

// ScopesFromContext extracts the granted scopes from the context.
func ScopesFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(ctxKeyScopes).([]string)
	return v
}

// WithClaims stores the full token claims in the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, claims)
}

// ClaimsFromContext extracts the full token claims from the context.
func ClaimsFromContext(ctx context.Context) *Claims {
	v, _ := ctx.Value(ctxKeyClaims).(*Claims)
	return v
}

// WithRequestID stores a request correlation ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request correlation ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

// WithPrincipal stores subject, client and scopes from verified claims.
func WithPrincipal(ctx context.Context, claims *Claims) context.Context {
	ctx = WithSubject(ctx, claims.Subject)
	ctx = WithClientID(ctx, claims.ClientID)
	ctx = WithScopes(ctx, claims.Scopes)
	return WithClaims(ctx, claims)
}
