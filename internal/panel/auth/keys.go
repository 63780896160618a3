// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package auth issues and validates the panel's north-bound API keys. Keys
// are random, bcrypt-hashed at rest, and looked up by a short plaintext
// prefix so validation touches a single row.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefix      = "wgp_"
	keyRandomBytes = 32
	// prefixLen is how much of the key (after keyPrefix) serves as the
	// lookup index.
	prefixLen = 8
)

// GenerateAPIKey creates a new key and returns the plaintext key, its bcrypt
// hash and its lookup prefix. The plaintext is shown once and never stored.
func GenerateAPIKey() (key, hash, prefix string, err error) {
	randomBytes := make([]byte, keyRandomBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("generate random bytes: %w", err)
	}

	key = keyPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	prefix = key[:len(keyPrefix)+prefixLen]

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash key: %w", err)
	}

	return key, string(hashBytes), prefix, nil
}

// ValidateAPIKey reports whether a presented key matches a stored hash.
func ValidateAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// ExtractPrefix returns the lookup prefix of a presented key, or "" when the
// key is too short to carry one.
func ExtractPrefix(key string) string {
	if len(key) < len(keyPrefix)+prefixLen {
		return ""
	}
	return key[:len(keyPrefix)+prefixLen]
}

// IsValidKeyFormat rejects tokens that cannot be panel keys before any
// database work happens.
func IsValidKeyFormat(key string) bool {
	return strings.HasPrefix(key, keyPrefix) && len(key) > len(keyPrefix)+prefixLen
}
