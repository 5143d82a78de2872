package registry

import (
	"crypto/rand"
	"fmt"
)

// TokenLength is the length of generated agent bearer tokens
const TokenLength = 86

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// GenerateToken returns a random URL-safe token of TokenLength characters
func GenerateToken() (string, error) {
	buf := make([]byte, TokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	// 64 symbols divide 256 evenly, so masking keeps the distribution uniform
	for i, b := range buf {
		buf[i] = tokenAlphabet[b&63]
	}
	return string(buf), nil
}
