package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashIterations = 120_000
	tokenHashKeyLength  = 32
	tokenHashSaltLength = 16
)

// ErrInvalidToken is returned when a presented token matches no owner.
var ErrInvalidToken = errors.New("invalid api token")

// DefaultOwner is the identity stamped on records when authentication is
// disabled (no tokens configured).
const DefaultOwner = "admin"

// Authenticator maps bearer tokens to owner identities. Tokens are hashed at
// construction; plaintext never stays in memory past startup.
type Authenticator struct {
	hashes map[string]string
}

// ParsePairs turns "owner=token" strings into an owner-to-token map,
// rejecting malformed and duplicate entries.
func ParsePairs(pairs []string) (map[string]string, error) {
	tokens := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		trimmed := strings.TrimSpace(pair)
		if trimmed == "" {
			continue
		}
		owner, token, found := strings.Cut(trimmed, "=")
		owner = strings.TrimSpace(owner)
		token = strings.TrimSpace(token)
		if !found || owner == "" || token == "" {
			return nil, fmt.Errorf("malformed token pair %q, want owner=token", pair)
		}
		if _, exists := tokens[owner]; exists {
			return nil, fmt.Errorf("duplicate token entry for owner %q", owner)
		}
		tokens[owner] = token
	}
	return tokens, nil
}

// NewAuthenticator hashes the provided owner-to-token map. Values already in
// pbkdf2 encoded form are kept as-is so deployments can avoid plaintext
// tokens in their configuration.
func NewAuthenticator(tokens map[string]string) (*Authenticator, error) {
	hashes := make(map[string]string, len(tokens))
	for owner, token := range tokens {
		if strings.HasPrefix(token, "pbkdf2$") {
			hashes[owner] = token
			continue
		}
		hashed, err := hashToken(token)
		if err != nil {
			return nil, fmt.Errorf("hash token for %s: %w", owner, err)
		}
		hashes[owner] = hashed
	}
	return &Authenticator{hashes: hashes}, nil
}

// Enabled reports whether any tokens are configured. When false, callers
// should treat every request as DefaultOwner.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.hashes) > 0
}

// Authenticate resolves a bearer token to its owner identity.
func (a *Authenticator) Authenticate(token string) (string, error) {
	if !a.Enabled() {
		return DefaultOwner, nil
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	for owner, hash := range a.hashes {
		if verifyToken(hash, token) == nil {
			return owner, nil
		}
	}
	return "", ErrInvalidToken
}

func hashToken(token string) (string, error) {
	salt := make([]byte, tokenHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", tokenHashIterations, encodedSalt, encodedKey), nil
}

func verifyToken(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify token: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify token: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify token: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify token: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify token: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidToken
	}
	return nil
}
