package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/library-backend/internal/apperr"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestIssueAndValidate(t *testing.T) {
	svc := NewTokenService(testSecret, "library", time.Hour)
	id := uuid.New()

	token, exp, err := svc.Issue(id, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	got, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestDefaultTTL(t *testing.T) {
	svc := NewTokenService(testSecret, "", 0)
	_, exp, err := svc.Issue(uuid.New(), 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), exp, 5*time.Second)
}

func TestIssueWithExplicitTTL(t *testing.T) {
	svc := NewTokenService(testSecret, "library", time.Hour)
	token, exp, err := svc.Issue(uuid.New(), 5*time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), exp, 5*time.Second)

	_, err = svc.Validate(token)
	require.NoError(t, err)

	_, exp, err = svc.Issue(uuid.New(), -time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)
}

func TestValidateRejectsExpired(t *testing.T) {
	svc := NewTokenService(testSecret, "library", time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, _, err := svc.Issue(uuid.New(), 0)
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Equal(t, "token expired", apperr.From(err).Message)
}

func TestValidateRejectsWrongKey(t *testing.T) {
	token, _, err := NewTokenService([]byte("another-secret-another-secret-xx"), "library", time.Hour).Issue(uuid.New(), 0)
	require.NoError(t, err)

	_, err = NewTokenService(testSecret, "library", time.Hour).Validate(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	token, _, err := NewTokenService(testSecret, "someone-else", time.Hour).Issue(uuid.New(), 0)
	require.NoError(t, err)

	_, err = NewTokenService(testSecret, "library", time.Hour).Validate(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokenService(testSecret, "", time.Hour).Validate(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestValidateRejectsNonUUIDSubject(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = NewTokenService(testSecret, "", time.Hour).Validate(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestValidateRejectsMissingExpiry(t *testing.T) {
	claims := jwt.RegisteredClaims{Subject: uuid.NewString()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = NewTokenService(testSecret, "", time.Hour).Validate(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestValidateRejectsGarbage(t *testing.T) {
	_, err := NewTokenService(testSecret, "", time.Hour).Validate("not.a.token")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}
