// ABOUTME: JWT token verification for authenticating chat participants
// ABOUTME: Uses HS256 signing with configurable secret; the sub claim is the participant id

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/unicollab-dm/internal/room"
)

// MinSecretLength is the shortest HS256 secret the verifier accepts.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrMissingClaim   = errors.New("missing required claim")
	ErrSecretTooShort = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (participantID string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the participant ID from the "sub" claim
func (v *JWTVerifier) Verify(tokenString string) (participantID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	// The subject is compared verbatim against frame senders, so it must
	// already be in the form room keys are built from.
	if err := room.ValidateParticipant(sub); err != nil {
		return "", fmt.Errorf("%w: sub: %v", ErrInvalidToken, err)
	}

	return sub, nil
}

// Generate creates a new JWT token for the given participant ID with expiration
func (v *JWTVerifier) Generate(participantID string, expiresIn time.Duration) (string, error) {
	if err := room.ValidateParticipant(participantID); err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": participantID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
