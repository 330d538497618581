// Package grpcmw provides pure gRPC interceptors that protect resource APIs
// with access tokens issued by the identity provider.
//
// Use this package for gRPC services that do NOT use Kratos.
// For Kratos-based services, use kratosmw instead. Kratos middleware
// handles both HTTP and gRPC transports transparently.
package grpcmw

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/metrics"
)

// AuthOption configures auth interceptor behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedMethods map[string]bool
	metrics         *metrics.Metrics
}

// WithExcludedMethods sets gRPC methods that skip authentication.
// Methods should be fully qualified (e.g. "/package.Service/Method").
func WithExcludedMethods(methods ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, m := range methods {
			cfg.excludedMethods[m] = true
		}
	}
}

// WithMetrics records verification outcomes.
func WithMetrics(m *metrics.Metrics) AuthOption {
	return func(cfg *authConfig) { cfg.metrics = m }
}

func newAuthConfig(opts []AuthOption) *authConfig {
	cfg := &authConfig{excludedMethods: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// UnaryAuth returns a gRPC unary server interceptor that verifies access tokens.
// On success, it stores the principal in the context via idp.WithPrincipal.
func UnaryAuth(srv *idp.Server, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		ctx, err := authenticate(ctx, srv, cfg)
		if err != nil {
			return nil, err
		}

		return handler(ctx, req)
	}
}

// StreamAuth returns a gRPC stream server interceptor that verifies access tokens.
func StreamAuth(srv *idp.Server, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)

	return func(s any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(s, ss)
		}

		ctx, err := authenticate(ss.Context(), srv, cfg)
		if err != nil {
			return err
		}

		wrapped := &wrappedStream{ServerStream: ss, ctx: ctx}
		return handler(s, wrapped)
	}
}

// UnaryRequireScope returns a gRPC unary server interceptor that checks a granted scope.
// Requires UnaryAuth to run first.
func UnaryRequireScope(scope string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkScope(ctx, scope); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// UnaryRequireAudience returns a gRPC unary server interceptor that checks the
// token was issued for the given API resource.
func UnaryRequireAudience(audience string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		claims := idp.ClaimsFromContext(ctx)
		if claims == nil {
			return nil, status.Error(codes.Unauthenticated, "missing token context")
		}
		if !claims.HasAudience(audience) {
			return nil, status.Error(codes.Unauthenticated, "token audience mismatch")
		}
		return handler(ctx, req)
	}
}

// --- internal helpers ---

func checkScope(ctx context.Context, scope string) error {
	claims := idp.ClaimsFromContext(ctx)
	if claims == nil {
		return status.Error(codes.Unauthenticated, "missing token context")
	}
	if !claims.HasScope(scope) {
		return status.Error(codes.PermissionDenied, "insufficient scope")
	}
	return nil
}

func authenticate(ctx context.Context, srv *idp.Server, cfg *authConfig) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		cfg.metrics.RecordAuthFailure("grpc", "missing")
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}

	tokenStr := extractBearerFromMD(md)
	if tokenStr == "" {
		cfg.metrics.RecordAuthFailure("grpc", "missing")
		return ctx, status.Error(codes.Unauthenticated, "missing authorization token")
	}

	verifier := srv.Verifier()
	if verifier == nil {
		return ctx, status.Error(codes.Internal, "token verifier not configured")
	}

	claims, err := verifier.Verify(ctx, tokenStr)
	if err != nil {
		cfg.metrics.RecordAuthFailure("grpc", "invalid")
		return ctx, status.Error(codes.Unauthenticated, "invalid token")
	}
	cfg.metrics.RecordAuthSuccess("grpc")

	return idp.WithPrincipal(ctx, claims), nil
}

func extractBearerFromMD(md metadata.MD) string {
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	parts := strings.SplitN(vals[0], " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// wrappedStream wraps grpc.ServerStream to override Context().
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
