// internal/circulation/handler.go
package circulation

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/library-backend/internal/apperr"
	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/httpx"
)

type Handler struct {
	service       Service
	maxPage       int
	dueSoonWindow time.Duration
	log           *slog.Logger
}

// NewHandler builds the checkout endpoints. dueSoonWindow is the default
// horizon of /checkouts/due-soon.
func NewHandler(service Service, maxPage int, dueSoonWindow time.Duration, log *slog.Logger) *Handler {
	return &Handler{service: service, maxPage: maxPage, dueSoonWindow: dueSoonWindow, log: log}
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	checkout, err := h.service.CreateCheckout(r.Context(), auth.PrincipalFrom(r.Context()), req)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, checkout)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	checkout, err := h.service.ReturnCheckout(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkout)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	checkout, err := h.service.GetCheckout(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkout)
}

// HandleList serves /checkouts/; administrators may narrow it with
// ?patron_id=.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	in, ok := h.listInput(w, r, false)
	if !ok {
		return
	}
	h.respond(w, r)(h.service.ListCheckouts(r.Context(), auth.PrincipalFrom(r.Context()), in))
}

func (h *Handler) HandleOverdue(w http.ResponseWriter, r *http.Request) {
	in, ok := h.listInput(w, r, false)
	if !ok {
		return
	}
	h.respond(w, r)(h.service.ListOverdue(r.Context(), auth.PrincipalFrom(r.Context()), in))
}

// HandleDueSoon accepts ?within=<duration>, e.g. 72h.
func (h *Handler) HandleDueSoon(w http.ResponseWriter, r *http.Request) {
	in, ok := h.listInput(w, r, false)
	if !ok {
		return
	}

	window := h.dueSoonWindow
	if v := r.URL.Query().Get("within"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			httpx.Error(w, r, h.log, apperr.Invalid("within must be a positive duration"))
			return
		}
		window = d
	}
	h.respond(w, r)(h.service.ListDueSoon(r.Context(), auth.PrincipalFrom(r.Context()), window, in))
}

func (h *Handler) HandleAdminAll(w http.ResponseWriter, r *http.Request) {
	in, ok := h.listInput(w, r, true)
	if !ok {
		return
	}
	h.respond(w, r)(h.service.ListCheckouts(r.Context(), auth.PrincipalFrom(r.Context()), in))
}

func (h *Handler) HandleAdminOverdue(w http.ResponseWriter, r *http.Request) {
	in, ok := h.listInput(w, r, true)
	if !ok {
		return
	}
	h.respond(w, r)(h.service.ListOverdue(r.Context(), auth.PrincipalFrom(r.Context()), in))
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	events, err := h.service.History(r.Context(), auth.PrincipalFrom(r.Context()), id)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}

func (h *Handler) listInput(w http.ResponseWriter, r *http.Request, all bool) (ListInput, bool) {
	page, err := httpx.ParsePage(r, h.maxPage)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return ListInput{}, false
	}

	in := ListInput{Page: page, AllPatrons: all}
	if v := r.URL.Query().Get("patron_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpx.Error(w, r, h.log, apperr.Invalid("invalid patron_id"))
			return ListInput{}, false
		}
		in.PatronID = &id
	}
	return in, true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request) func([]*Checkout, error) {
	return func(checkouts []*Checkout, err error) {
		if err != nil {
			httpx.Error(w, r, h.log, err)
			return
		}
		httpx.JSON(w, http.StatusOK, checkouts)
	}
}
