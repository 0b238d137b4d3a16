// internal/httpx/httpx.go

// Package httpx holds the request decoding and response encoding helpers
// shared by the HTTP handlers.
package httpx

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/jules-labs/library-backend/internal/apperr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Error renders err using its domain code. Internal and integrity failures
// are logged with their cause and returned with a generic message.
func Error(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	e := apperr.From(err)
	status := e.HTTPStatus()

	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", e.Code,
			"error", err,
		)
	}
	if e.Code == apperr.CodeUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	JSON(w, status, e.Public())
}

// Decode reads a JSON body into dst. Unknown fields are rejected.
func Decode(r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			return apperr.Invalid("content type must be application/json")
		}
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Invalid("malformed request body: %v", err)
	}
	return nil
}

// Page is a skip/limit window over an ordered result set.
type Page struct {
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
}

// ParsePage reads skip and limit from the query string. A missing limit
// defaults to maxLimit; larger limits are capped.
func ParsePage(r *http.Request, maxLimit int) (Page, error) {
	p := Page{Skip: 0, Limit: maxLimit}
	q := r.URL.Query()

	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Page{}, apperr.Invalid("skip must be a non-negative integer")
		}
		p.Skip = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Page{}, apperr.Invalid("limit must be a positive integer")
		}
		p.Limit = n
	}
	return p.Clamp(maxLimit), nil
}

// Clamp caps the limit at maxLimit.
func (p Page) Clamp(maxLimit int) Page {
	if p.Limit <= 0 || p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Skip < 0 {
		p.Skip = 0
	}
	return p
}

// Validate rejects negative windows.
func (p Page) Validate() error {
	if p.Skip < 0 || p.Limit < 0 {
		return apperr.Invalid("skip and limit must not be negative")
	}
	return nil
}

func (p Page) String() string {
	return fmt.Sprintf("skip=%d limit=%d", p.Skip, p.Limit)
}

// UUIDParam parses the named chi URL parameter as a UUID.
func UUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Invalid("invalid %s", name)
	}
	return id, nil
}
