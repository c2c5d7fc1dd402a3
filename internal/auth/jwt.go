package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hnrobert/rundir/internal/hostfs"
)

const (
	DefaultIssuer = "rundir"
	keyBytes      = 32
)

var ErrInvalidToken = errors.New("invalid session token")

type Claims struct {
	Username string `json:"sub"`
	UID      int    `json:"uid"`
	jwt.RegisteredClaims
}

func NewRandomSecretB64(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// LoadOrCreateKey returns the signing key stored at path, creating it with
// mode 0600 on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	b, err := hostfs.ReadFile(path)
	if err == nil {
		key, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(b)))
		if err != nil || len(key) < keyBytes {
			return nil, fmt.Errorf("key file %s is malformed", path)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	s, err := NewRandomSecretB64(keyBytes)
	if err != nil {
		return nil, err
	}
	if err := hostfs.WriteFileAtomic(path, []byte(s+"\n"), 0600); err != nil {
		return nil, err
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// SignHS256 mints a token for one counted session. id is the session's
// token identifier.
func SignHS256(secret []byte, id, username string, uid int, issuedAt time.Time) (string, error) {
	claims := Claims{
		Username: username,
		UID:      uid,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       id,
			Issuer:   DefaultIssuer,
			Subject:  username,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}

func ParseHS256(secret []byte, tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithIssuer(DefaultIssuer), jwt.WithIssuedAt(), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
