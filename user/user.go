// Package user provides the resource-owner credential store consumed by the
// password grant and by identity-token claim lookup.
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/internal/call"
)

// Backend defines the contract for pluggable user directories (registry, MySQL).
// Lookups of unknown users return idp.ErrNotFound.
type Backend interface {
	// FindByUsername returns the user with the given username.
	FindByUsername(ctx context.Context, username string) (*idp.User, error)

	// FindBySubject returns the user with the given subject ID.
	FindBySubject(ctx context.Context, subjectID string) (*idp.User, error)
}

// Service implements idp.UserStore with a configurable backend. Every backend
// call is bounded by the call policy's timeout and retries.
type Service struct {
	backend Backend
	policy  call.Policy
	logger  *slog.Logger
}

var _ idp.UserStore = (*Service)(nil)

// Option configures the Service.
type Option func(*Service)

// WithPolicy sets the timeout and retry bounds for backend calls.
func WithPolicy(p call.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithLogger sets a structured logger for the service.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a new user Service with the given backend.
func New(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		policy: call.Policy{
			Timeout: idp.DefaultCollaboratorTimeout,
			Retries: idp.DefaultCollaboratorRetries,
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.policy.Logger == nil {
		s.policy.Logger = s.logger
	}
	return s
}

// dummyHash equalizes timing between unknown users and wrong passwords.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	return h
})

// VerifyPassword returns the subject ID for valid credentials, or
// idp.ErrInvalidCredentials. The password is never logged.
func (s *Service) VerifyPassword(ctx context.Context, username, password string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("idp/user: %w", idp.ErrInvalidCredentials)
	}

	u, err := call.Do(ctx, s.policy, "user.FindByUsername", func(ctx context.Context) (*idp.User, error) {
		return s.backend.FindByUsername(ctx, username)
	})
	if errors.Is(err, idp.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		s.logger.DebugContext(ctx, "password check failed", "reason", "unknown user")
		return "", fmt.Errorf("idp/user: %w", idp.ErrInvalidCredentials)
	}
	if err != nil {
		return "", fmt.Errorf("idp/user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.logger.DebugContext(ctx, "password check failed", "subject", u.SubjectID)
		return "", fmt.Errorf("idp/user: %w", idp.ErrInvalidCredentials)
	}
	return u.SubjectID, nil
}

// FindUser returns the user with the given subject ID.
func (s *Service) FindUser(ctx context.Context, subjectID string) (*idp.User, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("idp/user: subjectID cannot be empty")
	}
	u, err := call.Do(ctx, s.policy, "user.FindBySubject", func(ctx context.Context) (*idp.User, error) {
		return s.backend.FindBySubject(ctx, subjectID)
	})
	if err != nil {
		return nil, fmt.Errorf("idp/user: %w", err)
	}
	return u, nil
}

// Close closes the backend if it holds resources.
func (s *Service) Close() error {
	if c, ok := s.backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Directory is the read side of a registry that knows users.
type Directory interface {
	FindUser(ctx context.Context, subjectID string) (*idp.User, error)
	FindUserByUsername(ctx context.Context, username string) (*idp.User, error)
}

// RegistryBackend serves users from a static registry.
type RegistryBackend struct {
	dir Directory
}

var _ Backend = (*RegistryBackend)(nil)

// NewRegistryBackend creates a backend over the registry's users.
func NewRegistryBackend(dir Directory) *RegistryBackend {
	return &RegistryBackend{dir: dir}
}

func (b *RegistryBackend) FindByUsername(ctx context.Context, username string) (*idp.User, error) {
	return b.dir.FindUserByUsername(ctx, username)
}

func (b *RegistryBackend) FindBySubject(ctx context.Context, subjectID string) (*idp.User, error) {
	return b.dir.FindUser(ctx, subjectID)
}
