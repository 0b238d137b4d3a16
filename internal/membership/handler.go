// internal/membership/handler.go
package membership

import (
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/jules-labs/library-backend/internal/apperr"
	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/httpx"
)

type Handler struct {
	service Service
	tokens  *auth.TokenService
	maxPage int
	log     *slog.Logger
}

func NewHandler(service Service, tokens *auth.TokenService, maxPage int, log *slog.Logger) *Handler {
	return &Handler{service: service, tokens: tokens, maxPage: maxPage, log: log}
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// HandleToken implements the OAuth2 password grant. The credentials come
// from a form body or a JSON document.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseForm(); err != nil {
			httpx.Error(w, r, h.log, apperr.Invalid("malformed form body"))
			return
		}
		creds.Username = r.PostFormValue("username")
		creds.Password = r.PostFormValue("password")
	default:
		if err := httpx.Decode(r, &creds); err != nil {
			httpx.Error(w, r, h.log, err)
			return
		}
	}
	if creds.Username == "" || creds.Password == "" {
		httpx.Error(w, r, h.log, apperr.Invalid("username and password are required"))
		return
	}

	patron, err := h.service.Authenticate(r.Context(), creds.Username, creds.Password)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	token, expiresAt, err := h.tokens.Issue(patron.ID, 0)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	h.log.InfoContext(r.Context(), "token issued", "patron_id", patron.ID)
	httpx.JSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: expiresAt})
}

// HandleRegister is the public sign-up endpoint.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	patron, err := h.service.Register(r.Context(), req)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, patron)
}

// HandleCreateUser lets an administrator create any kind of account.
func (h *Handler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	patron, err := h.service.CreateUser(r.Context(), auth.PrincipalFrom(r.Context()), req)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, patron)
}

func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	if p == nil {
		httpx.Error(w, r, h.log, apperr.ErrUnauthorized)
		return
	}

	patron, err := h.service.GetPatron(r.Context(), p, p.PatronID)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, patron)
}

func (h *Handler) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	if p == nil {
		httpx.Error(w, r, h.log, apperr.ErrUnauthorized)
		return
	}

	var req UpdatePatronInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	patron, err := h.service.UpdatePatron(r.Context(), p, p.PatronID, req)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, patron)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.ParsePage(r, h.maxPage)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	patrons, err := h.service.ListPatrons(r.Context(), auth.PrincipalFrom(r.Context()), page)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, patrons)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	patron, err := h.service.GetPatron(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, patron)
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	var req UpdatePatronInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	patron, err := h.service.UpdatePatron(r.Context(), auth.PrincipalFrom(r.Context()), id, req)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, patron)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	if err := h.service.DeletePatron(r.Context(), auth.PrincipalFrom(r.Context()), id); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
