package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	// KeyLength is the number of random bytes in a generated key.
	KeyLength = 32
	// DefaultKeyPrefix is the prefix for generated keys.
	DefaultKeyPrefix = "alk_"
)

// GenerateAPIKey creates a key of the form alk_<random>. The full key is
// shown once; only the hash is stored.
func GenerateAPIKey() (fullKey, hash string, err error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("generate random bytes: %w", err)
	}

	fullKey = DefaultKeyPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return fullKey, HashKey(fullKey), nil
}

// HashKey returns the hex SHA-256 of an API key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// KeyFromRequest extracts the caller's API key from "Authorization: Bearer"
// or the x-api-key header.
func KeyFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		key, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return "", false
		}
		key = strings.TrimSpace(key)
		return key, key != ""
	}
	key := strings.TrimSpace(r.Header.Get("x-api-key"))
	return key, key != ""
}

// MaskKey returns a loggable form of a key.
func MaskKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
