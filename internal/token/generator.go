// Package token issues and validates the credentials that move a key
// assignment forward: drop-off codes, pickup codes, one-time access tokens,
// and signed magic links.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// codeAlphabet deliberately omits 0/O, 1/I/L, and other glyphs that read
// ambiguously on a phone screen or a hive display.
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const (
	// DefaultCodeLength gives ~40 bits of entropy, enough that guessing a
	// live code within its validity window is impractical.
	DefaultCodeLength = 8

	magicLinkAudience = "magic-link"
)

var (
	ErrLinkInvalid = errors.New("magic link is not valid")
	ErrLinkExpired = errors.New("magic link has expired")
)

// Generator mints drop-off and pickup codes and signs magic-link tokens.
type Generator struct {
	secret  []byte
	codeLen int
	linkTTL time.Duration
	issuer  string
}

// NewGenerator creates a Generator. codeLen falls back to DefaultCodeLength
// when non-positive.
func NewGenerator(secret []byte, codeLen int, linkTTL time.Duration) *Generator {
	if codeLen <= 0 {
		codeLen = DefaultCodeLength
	}
	return &Generator{
		secret:  secret,
		codeLen: codeLen,
		linkTTL: linkTTL,
		issuer:  "keyhive",
	}
}

// Code returns a fresh random code. Uniqueness across live assignments is
// enforced by the database; callers retry on a duplicate.
func (g *Generator) Code() (string, error) {
	buf := make([]byte, g.codeLen)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Opaque returns a random value for machine-presented credentials, the qr
// and nfc access tokens. Unlike Code it is never typed by a person, so it
// trades readability for length.
func (g *Generator) Opaque() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token value: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type linkClaims struct {
	jwt.RegisteredClaims
}

// MagicLink signs an expiring reference to an assignment. The link carries
// no pickup code; opening it is how the guest gets to the code, and viewing
// is not consuming.
func (g *Generator) MagicLink(assignmentID uuid.UUID, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(g.linkTTL)
	claims := linkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   assignmentID.String(),
			Audience:  jwt.ClaimStrings{magicLinkAudience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign magic link: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseMagicLink verifies a magic-link token and returns the assignment it
// references.
func (g *Generator) ParseMagicLink(raw string) (uuid.UUID, error) {
	var claims linkClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithAudience(magicLinkAudience), jwt.WithIssuer(g.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrLinkExpired
		}
		return uuid.Nil, ErrLinkInvalid
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, ErrLinkInvalid
	}
	return id, nil
}
