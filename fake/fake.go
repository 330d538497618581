// Package fake provides in-memory implementations of all idp collaborators for testing.
//
// Use fake.NewServer() in unit tests to get a fully wired *idp.Server backed by
// the sample registry, an HMAC signer and an in-memory session store.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/jwks"
	"github.com/chimerakang/idp-go/registry"
	"github.com/chimerakang/idp-go/session"
)

// Issuer is the issuer of every fake server.
const Issuer = "https://fake.idp.local"

// Option configures the fake server.
type Option func(*state)

type state struct {
	mu        sync.RWMutex
	users     map[string]*fakeUser   // subjectID → user
	usernames map[string]string      // username → subjectID
	tokens    map[string]*idp.Claims // static bearer token → claims
	clients   []clientEntry
	userErr   error
	key       []byte
	config    idp.Config
}

type fakeUser struct {
	user     idp.User
	password string
}

type clientEntry struct {
	client idp.Client
	secret string
}

// WithUser adds a fake resource owner with a cleartext password.
func WithUser(subjectID, username, password string, claims map[string]string) Option {
	return func(s *state) {
		s.users[subjectID] = &fakeUser{
			user:     idp.User{SubjectID: subjectID, Username: username, Claims: claims},
			password: password,
		}
		s.usernames[username] = subjectID
	}
}

// WithClient registers an extra client. A non-empty secret is hashed and
// becomes the client's only secret.
func WithClient(c idp.Client, secret string) Option {
	return func(s *state) {
		s.clients = append(s.clients, clientEntry{client: c, secret: secret})
	}
}

// WithToken makes the verifier accept token with the given claims.
func WithToken(token string, claims idp.Claims) Option {
	return func(s *state) {
		c := claims
		if c.ExpiresAt.IsZero() {
			c.ExpiresAt = time.Now().Add(time.Hour)
		}
		if c.Issuer == "" {
			c.Issuer = Issuer
		}
		s.tokens[token] = &c
	}
}

// WithUserStoreError makes every user store call fail with err.
func WithUserStoreError(err error) Option {
	return func(s *state) { s.userErr = err }
}

// WithConfig overrides the server configuration. Issuer defaults to fake.Issuer.
func WithConfig(cfg idp.Config) Option {
	return func(s *state) { s.config = cfg }
}

// NewServer creates an *idp.Server with all collaborators wired to in-memory fakes.
func NewServer(opts ...Option) *idp.Server {
	s := &state{
		users:     make(map[string]*fakeUser),
		usernames: make(map[string]string),
		tokens:    make(map[string]*idp.Claims),
		key:       []byte("fake-signing-key-for-tests-only!"),
	}
	WithUser(registry.DemoSubjectID, registry.DemoUsername, registry.DemoPassword, map[string]string{
		"name":               "Demo User",
		"preferred_username": registry.DemoUsername,
	})(s)
	for _, o := range opts {
		o(s)
	}
	if s.config.Issuer == "" {
		s.config.Issuer = Issuer
	}

	reg, err := s.registry()
	if err != nil {
		panic(fmt.Sprintf("idp/fake: %v", err))
	}

	srv, err := idp.New(s.config,
		idp.WithRegistry(reg),
		idp.WithUserStore(&fakeUserStore{s: s}),
		idp.WithSigner(&fakeSigner{s: s}),
		idp.WithSessionStore(session.NewMemoryStore(session.WithCleanupInterval(0))),
		idp.WithTokenVerifier(&fakeVerifier{s: s}),
	)
	if err != nil {
		panic(fmt.Sprintf("idp/fake: %v", err))
	}
	return srv
}

func (s *state) registry() (*registry.Registry, error) {
	hash := func(plain string) (string, error) {
		h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
		return string(h), err
	}
	secret, err := hash(registry.DemoClientSecret)
	if err != nil {
		return nil, err
	}
	password, err := hash(registry.DemoPassword)
	if err != nil {
		return nil, err
	}
	b := registry.DefaultBuilder(secret, password)
	for _, e := range s.clients {
		c := e.client
		if e.secret != "" {
			h, err := hash(e.secret)
			if err != nil {
				return nil, err
			}
			c.ClientSecrets = []string{h}
			c.RequireClientSecret = true
		}
		b.AddClient(c)
	}
	return b.Build()
}

// --- UserStore ---

type fakeUserStore struct{ s *state }

func (f *fakeUserStore) VerifyPassword(_ context.Context, username, password string) (string, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()

	if f.s.userErr != nil {
		return "", f.s.userErr
	}
	sub, ok := f.s.usernames[username]
	if !ok || f.s.users[sub].password != password {
		return "", idp.ErrInvalidCredentials
	}
	return sub, nil
}

func (f *fakeUserStore) FindUser(_ context.Context, subjectID string) (*idp.User, error) {
	f.s.mu.RLock()
	defer f.s.mu.RUnlock()

	if f.s.userErr != nil {
		return nil, f.s.userErr
	}
	u, ok := f.s.users[subjectID]
	if !ok {
		return nil, fmt.Errorf("idp/fake: user %q: %w", subjectID, idp.ErrNotFound)
	}
	user := u.user
	return &user, nil
}

// --- Signer ---

type fakeSigner struct{ s *state }

func (f *fakeSigner) Sign(_ context.Context, claims map[string]any) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims)).SignedString(f.s.key)
}

// PublicKeys returns an empty key set: HMAC keys are never published.
func (f *fakeSigner) PublicKeys(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"keys":[]}`), nil
}

func (f *fakeSigner) Algorithm() string { return jwt.SigningMethodHS256.Alg() }

// --- TokenVerifier ---

type fakeVerifier struct{ s *state }

// Verify accepts static tokens registered with WithToken and any token
// signed by the fake signer.
func (f *fakeVerifier) Verify(_ context.Context, token string) (*idp.Claims, error) {
	f.s.mu.RLock()
	static, ok := f.s.tokens[token]
	f.s.mu.RUnlock()
	if ok {
		if time.Now().After(static.ExpiresAt) {
			return nil, fmt.Errorf("idp/fake: token expired")
		}
		c := *static
		return &c, nil
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return f.s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(f.s.config.Issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("idp/fake: %w", err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("idp/fake: invalid token claims")
	}
	return jwks.MapClaims(mc), nil
}

// --- context helper ---

// ContextWithSubject returns a context carrying an authenticated principal.
// Use this in tests to simulate a request that passed bearer verification.
func ContextWithSubject(ctx context.Context, subject, clientID string, scopes ...string) context.Context {
	return idp.WithPrincipal(ctx, &idp.Claims{
		Subject:  subject,
		ClientID: clientID,
		Scopes:   scopes,
		Issuer:   Issuer,
	})
}
