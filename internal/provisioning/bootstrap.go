package provisioning

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	bootstrapPrefix      = "bt"
	bootstrapSecretBytes = 32
)

// NewBootstrapToken returns a token of the form bt_<tenant>_<secret> and the
// bcrypt hash of its secret. Only the hash is stored.
func NewBootstrapToken(tenantID uuid.UUID) (token string, hash string, err error) {
	b := make([]byte, bootstrapSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate random token: %w", err)
	}
	secret := hex.EncodeToString(b)

	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash bootstrap token: %w", err)
	}

	token = strings.Join([]string{bootstrapPrefix, hex.EncodeToString(tenantID[:]), secret}, "_")
	return token, string(hashed), nil
}

// ParseBootstrapToken extracts the tenant and secret from a token.
func ParseBootstrapToken(token string) (uuid.UUID, string, error) {
	parts := strings.Split(token, "_")
	if len(parts) != 3 || parts[0] != bootstrapPrefix || len(parts[2]) != 2*bootstrapSecretBytes {
		return uuid.Nil, "", ErrInvalidBootstrapToken
	}
	raw, err := hex.DecodeString(parts[1])
	if err != nil {
		return uuid.Nil, "", ErrInvalidBootstrapToken
	}
	tenantID, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, "", ErrInvalidBootstrapToken
	}
	return tenantID, parts[2], nil
}

func checkBootstrapSecret(hash string, expiresAt *time.Time, secret string, now time.Time) error {
	if hash == "" || expiresAt == nil || now.After(*expiresAt) {
		return ErrInvalidBootstrapToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrInvalidBootstrapToken
	}
	return nil
}
