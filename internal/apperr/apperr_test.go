package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeNotFound:        http.StatusNotFound,
		CodeConflict:        http.StatusConflict,
		CodeUnavailable:     http.StatusBadRequest,
		CodeAlreadyReturned: http.StatusBadRequest,
		CodeInvalid:         http.StatusBadRequest,
		CodeForbidden:       http.StatusForbidden,
		CodeUnauthorized:    http.StatusUnauthorized,
		CodeRateLimited:     http.StatusTooManyRequests,
		CodeIntegrity:       http.StatusInternalServerError,
		CodeInternal:        http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, code.HTTPStatus(), code)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("checkout: %w", NotFound("book %s not found", "abc"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestFromWrapsForeignErrors(t *testing.T) {
	raw := errors.New("connection reset")
	e := From(raw)
	assert.Equal(t, CodeInternal, e.Code)
	assert.ErrorIs(t, e, raw)
	assert.Nil(t, From(nil))
}

func TestPublicHidesInternals(t *testing.T) {
	e := Integrity(errors.New("available 3 > quantity 2"), "inventory for book %d exceeds quantity", 7)
	pub := e.Public()
	assert.Equal(t, CodeIntegrity, pub.Code)
	assert.Equal(t, "internal server error", pub.Message)
	assert.NotContains(t, pub.Error(), "quantity")

	nf := NotFound("book not found").WithDetails(map[string]string{"id": "x"})
	assert.Equal(t, "book not found", nf.Public().Message)
	assert.NotNil(t, nf.Public().Details)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeAlreadyReturned, CodeOf(fmt.Errorf("x: %w", ErrAlreadyReturned)))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}
