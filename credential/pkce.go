package credential

import (
	"crypto/subtle"

	"golang.org/x/oauth2"

	idp "github.com/chimerakang/idp-go"
)

// PKCE transform methods.
const (
	PkceS256  = "S256"
	PkcePlain = "plain"
)

const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

// ValidateChallenge checks an authorization request's code_challenge against
// the client's PKCE policy and returns the effective method. An empty method
// with a challenge means plain.
func ValidateChallenge(client *idp.Client, challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", idp.InvalidRequest("code_challenge_method without code_challenge")
		}
		if client.RequirePkce {
			return "", idp.InvalidRequest("code challenge required")
		}
		return "", nil
	}
	if method == "" {
		method = PkcePlain
	}
	switch method {
	case PkceS256:
	case PkcePlain:
		if !client.AllowPlainTextPkce {
			return "", idp.InvalidRequest("transform algorithm not supported")
		}
	default:
		return "", idp.InvalidRequest("transform algorithm not supported")
	}
	if !validPkceString(challenge) {
		return "", idp.InvalidRequest("invalid code_challenge")
	}
	return method, nil
}

// ValidatePkce checks a code_verifier against the stored challenge.
// An empty challenge means the code was issued without PKCE, in which case a
// verifier must not be sent.
func ValidatePkce(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return idp.InvalidGrant("unexpected code_verifier")
		}
		return nil
	}
	if verifier == "" {
		return idp.InvalidGrant("code_verifier required")
	}
	if !validPkceString(verifier) {
		return idp.InvalidGrant("invalid code_verifier")
	}

	var computed string
	switch method {
	case PkceS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PkcePlain, "":
		computed = verifier
	default:
		return idp.InvalidGrant("unsupported code_challenge_method")
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return idp.InvalidGrant("invalid code_verifier")
	}
	return nil
}

// validPkceString checks length 43..128 over the unreserved character set.
func validPkceString(s string) bool {
	if len(s) < minVerifierLen || len(s) > maxVerifierLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
