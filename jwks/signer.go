package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	idp "github.com/chimerakang/idp-go"
)

// DefaultKeyBits is the RSA key size used by GenerateSigner.
const DefaultKeyBits = 2048

// Signer implements idp.Signer with a single RSA key (RS256).
type Signer struct {
	key  *rsa.PrivateKey
	kid  string
	jwks json.RawMessage
}

// compile-time check
var _ idp.Signer = (*Signer)(nil)

// NewSigner creates a signer for the given key. kid is published in the JWKS
// and set in every token header.
func NewSigner(key *rsa.PrivateKey, kid string) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("idp/jwks: nil signing key")
	}
	if kid == "" {
		return nil, fmt.Errorf("idp/jwks: kid is required")
	}
	set, err := publicSet(&key.PublicKey, kid)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, kid: kid, jwks: set}, nil
}

// GenerateSigner creates a signer with a fresh in-memory key.
// Tokens it signs do not survive a restart.
func GenerateSigner(kid string) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, DefaultKeyBits)
	if err != nil {
		return nil, fmt.Errorf("idp/jwks: generate key: %w", err)
	}
	return NewSigner(key, kid)
}

// LoadSigner reads a PEM encoded RSA private key (PKCS#1 or PKCS#8).
func LoadSigner(path, kid string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("idp/jwks: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("idp/jwks: parse key: %w", err)
	}
	return NewSigner(key, kid)
}

func publicSet(pub *rsa.PublicKey, kid string) (json.RawMessage, error) {
	key, err := jwk.PublicKeyOf(pub)
	if err != nil {
		return nil, fmt.Errorf("idp/jwks: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, fmt.Errorf("idp/jwks: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, fmt.Errorf("idp/jwks: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, fmt.Errorf("idp/jwks: %w", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("idp/jwks: %w", err)
	}
	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("idp/jwks: marshal: %w", err)
	}
	return data, nil
}

// Sign signs the claims as a compact JWS.
func (s *Signer) Sign(_ context.Context, claims map[string]any) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(claims))
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("idp/jwks: sign: %w", err)
	}
	return signed, nil
}

// PublicKeys returns the JWKS document with the signer's public key.
func (s *Signer) PublicKeys(context.Context) (json.RawMessage, error) {
	return s.jwks, nil
}

// Algorithm returns "RS256".
func (s *Signer) Algorithm() string { return jwt.SigningMethodRS256.Alg() }

// KeyID returns the key ID placed in token headers.
func (s *Signer) KeyID() string { return s.kid }

// Verifier returns a verifier that checks tokens against this signer's key
// without any network access.
func (s *Signer) Verifier(opts ...Option) *Verifier {
	return NewStaticVerifier(map[string]*rsa.PublicKey{s.kid: &s.key.PublicKey}, opts...)
}
