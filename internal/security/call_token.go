package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// callTokenPrefix marks tokens issued for metered calls.
const callTokenPrefix = "cat_"

// GenerateCallToken creates a new random single-use call token.
func GenerateCallToken() (token string, err error) {
	secret := make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate call token: %w", err)
	}
	return callTokenPrefix + hex.EncodeToString(secret), nil
}

// LooksLikeCallToken reports whether token has the issued shape. It is a cheap
// pre-check before a store lookup, not a validation.
func LooksLikeCallToken(token string) bool {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, callTokenPrefix) || len(token) != len(callTokenPrefix)+64 {
		return false
	}
	_, err := hex.DecodeString(token[len(callTokenPrefix):])
	return err == nil
}
