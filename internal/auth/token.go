// internal/auth/token.go
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/jules-labs/library-backend/internal/apperr"
)

// DefaultTokenTTL applies when no lifetime is configured.
const DefaultTokenTTL = 30 * time.Minute

// TokenService issues and validates HS256 bearer tokens whose subject is a
// patron id.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret []byte, issuer string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for subject, valid for ttl. A non-positive ttl means
// the service TTL.
func (s *TokenService) Issue(subject uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now().UTC()
	expiresAt := now.Add(ttl)

	claims := jwt.RegisteredClaims{
		Subject:   subject.String(),
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Validate checks signature, algorithm, issuer and expiry and returns the
// subject. Every failure is an Unauthorized error.
func (s *TokenService) Validate(token string) (uuid.UUID, error) {
	claims := &jwt.RegisteredClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return uuid.Nil, apperr.Wrap(err, apperr.CodeUnauthorized, "token expired")
		}
		return uuid.Nil, apperr.Wrap(err, apperr.CodeUnauthorized, apperr.ErrUnauthorized.Message)
	}
	if !parsed.Valid {
		return uuid.Nil, apperr.ErrUnauthorized
	}
	if claims.ExpiresAt == nil {
		return uuid.Nil, apperr.Unauthorized("token has no expiry")
	}
	if s.issuer != "" && !claims.VerifyIssuer(s.issuer, true) {
		return uuid.Nil, apperr.Unauthorized("token issuer mismatch")
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, apperr.Wrap(err, apperr.CodeUnauthorized, apperr.ErrUnauthorized.Message)
	}
	return id, nil
}
