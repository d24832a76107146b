// Package auth implements the proxy's bearer-token gate. Configured
// tokens are stored hashed (argon2id, or SHA-256 hex for file-seeded
// tokens); verification results are cached so argon2id runs once per
// distinct token.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/alexedwards/argon2id"
	"github.com/cespare/xxhash/v2"
)

// ErrInvalidToken is returned when a presented token matches no
// configured hash.
var ErrInvalidToken = errors.New("invalid auth token")

// TokenGate verifies bearer tokens against configured hashes. An empty
// hash list disables the gate entirely.
type TokenGate struct {
	hashes []string

	mu       sync.Mutex
	verified map[uint64]struct{}
}

// NewTokenGate creates a gate over the configured token hashes.
// Each entry is either an argon2id PHC string ("$argon2id$...") or a
// 64-char SHA-256 hex digest.
func NewTokenGate(hashes []string) *TokenGate {
	return &TokenGate{
		hashes:   append([]string(nil), hashes...),
		verified: make(map[uint64]struct{}),
	}
}

// Enabled reports whether any tokens are configured.
func (g *TokenGate) Enabled() bool {
	return len(g.hashes) > 0
}

// Verify checks a presented token. Returns nil when the gate is disabled
// or the token matches a configured hash; ErrInvalidToken otherwise.
func (g *TokenGate) Verify(token string) error {
	if !g.Enabled() {
		return nil
	}
	if token == "" {
		return ErrInvalidToken
	}

	digest := xxhash.Sum64String(token)
	g.mu.Lock()
	_, hit := g.verified[digest]
	g.mu.Unlock()
	if hit {
		return nil
	}

	for _, stored := range g.hashes {
		ok, err := matches(token, stored)
		if err != nil {
			continue
		}
		if ok {
			g.mu.Lock()
			g.verified[digest] = struct{}{}
			g.mu.Unlock()
			return nil
		}
	}
	return ErrInvalidToken
}

// HashToken produces the SHA-256 hex digest used for file-seeded tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// matches compares a raw token against one stored hash, dispatching on the
// hash format.
func matches(token, stored string) (bool, error) {
	if strings.HasPrefix(stored, "$argon2id$") {
		return argon2id.ComparePasswordAndHash(token, stored)
	}
	if len(stored) == 64 {
		sum := HashToken(token)
		return subtle.ConstantTimeCompare([]byte(sum), []byte(stored)) == 1, nil
	}
	return false, errors.New("unknown hash format")
}
