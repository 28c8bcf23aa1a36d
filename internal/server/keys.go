package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/renameio/v2"
)

// Registration keys gate room creation on restricted servers. The keyfile
// holds a hex-encoded HMAC secret; keys handed to users are HS256 JWTs
// signed with it, so revocation is a matter of rotating the file.

const (
	keyIssuer   = "syng-server"
	keyAudience = "syng-client"
)

var (
	ErrKeyExpired = errors.New("registration key expired")
	ErrKeyInvalid = errors.New("registration key invalid")
)

type keyClaims struct {
	jwt.RegisteredClaims
}

// LoadKeySecret reads the HMAC secret from the keyfile. A missing file is
// created with a fresh random secret so a server operator can enable key
// checking by just naming a path.
func LoadKeySecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read keyfile: %w", err)
		}
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate key secret: %w", err)
		}
		encoded := hex.EncodeToString(secret) + "\n"
		if err := renameio.WriteFile(path, []byte(encoded), 0o600); err != nil {
			return nil, fmt.Errorf("write keyfile: %w", err)
		}
		return secret, nil
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode keyfile: %w", err)
	}
	if len(secret) < 16 {
		return nil, errors.New("keyfile secret too short")
	}
	return secret, nil
}

// GenerateRegistrationKey issues a key for one named holder, valid until
// expiry (zero means no expiry).
func GenerateRegistrationKey(secret []byte, holder string, expiry time.Time) (string, error) {
	now := time.Now()
	claims := keyClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  holder,
			Issuer:   keyIssuer,
			Audience: jwt.ClaimStrings{keyAudience},
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if !expiry.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiry)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyRegistrationKey checks a presented key against the server secret.
func VerifyRegistrationKey(secret []byte, key string) error {
	if key == "" {
		return ErrKeyInvalid
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(keyAudience),
		jwt.WithIssuer(keyIssuer),
	)
	claims := &keyClaims{}
	parsed, err := parser.ParseWithClaims(key, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrKeyExpired
		}
		return ErrKeyInvalid
	}
	if parsed == nil || !parsed.Valid {
		return ErrKeyInvalid
	}
	return nil
}
