package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

// TokenPrefix starts every generated admin token.
const TokenPrefix = "tpx-admin-"

// HashedPrefix marks a configured token stored as its SHA-256 digest.
const HashedPrefix = "sha256:"

// GenerateToken creates a new admin token: tpx-admin-{32 random alphanumeric chars}
func GenerateToken() (string, error) {
	random, err := randomString(32)
	if err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return TokenPrefix + random, nil
}

// HashToken returns the SHA-256 hex digest of a token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", h)
}

// Matches reports whether presented equals the configured token. configured is
// either the plain token or "sha256:<hex digest>".
func Matches(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	want := configured
	if digest, ok := strings.CutPrefix(configured, HashedPrefix); ok {
		want = strings.ToLower(digest)
	} else {
		want = HashToken(configured)
	}
	got := HashToken(presented)
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// DisplayPrefix returns a log-safe prefix of a token.
func DisplayPrefix(token string) string {
	n := len(TokenPrefix) + 6
	if !strings.HasPrefix(token, TokenPrefix) {
		n = 6
	}
	if len(token) <= n {
		return token[:min(len(token), 4)] + "..."
	}
	return token[:n] + "..."
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
