package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// GenerateSigningSecret returns a random hex string suitable for jwt.secret.
func GenerateSigningSecret() (string, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate signing secret: %w", err)
	}
	return hex.EncodeToString(secret), nil
}
