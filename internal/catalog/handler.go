// internal/catalog/handler.go
package catalog

import (
	"log/slog"
	"net/http"

	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/httpx"
)

type Handler struct {
	service   Service
	checkouts CheckoutSource
	maxPage   int
	log       *slog.Logger
}

// NewHandler builds the book endpoints. checkouts may be nil, in which case
// the detail view never lists loans.
func NewHandler(service Service, checkouts CheckoutSource, maxPage int, log *slog.Logger) *Handler {
	return &Handler{service: service, checkouts: checkouts, maxPage: maxPage, log: log}
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateBookInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	book, err := h.service.CreateBook(r.Context(), auth.PrincipalFrom(r.Context()), req)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, book)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.ParsePage(r, h.maxPage)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	books, err := h.service.ListBooks(r.Context(), auth.PrincipalFrom(r.Context()), page)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, books)
}

func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.ParsePage(r, h.maxPage)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	books, err := h.service.SearchBooks(r.Context(), auth.PrincipalFrom(r.Context()), r.URL.Query().Get("q"), page)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, books)
}

// HandleGet returns the book; administrators also get its loans.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	p := auth.PrincipalFrom(r.Context())

	book, err := h.service.GetBook(r.Context(), p, id)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	detail := BookDetail{Book: book}
	if h.checkouts != nil && p.IsAdmin() {
		if detail.Checkouts, err = h.checkouts.CheckoutsForBook(r.Context(), p, id); err != nil {
			httpx.Error(w, r, h.log, err)
			return
		}
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	var req UpdateBookInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	book, err := h.service.UpdateBook(r.Context(), auth.PrincipalFrom(r.Context()), id, req)
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, book)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}

	if err := h.service.DeleteBook(r.Context(), auth.PrincipalFrom(r.Context()), id); err != nil {
		httpx.Error(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
