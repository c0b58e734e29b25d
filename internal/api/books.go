package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bookwatch/bookwatch/internal/catalog"
	"github.com/bookwatch/bookwatch/internal/store"
)

type pagedResponse struct {
	Items any `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
}

func (s *Server) listBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BookFilter{
		Category: q.Get("category"),
		Sort:     q.Get("sort"),
	}
	filter.MinRating, _ = strconv.Atoi(q.Get("min_rating"))
	filter.MinPrice, _ = strconv.ParseFloat(q.Get("min_price"), 64)
	filter.MaxPrice, _ = strconv.ParseFloat(q.Get("max_price"), 64)
	if v := q.Get("in_stock"); v != "" {
		inStock := v == "true" || v == "1"
		filter.InStock = &inStock
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	books, total, err := s.gateway.ListBooks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if books == nil {
		books = []catalog.Book{}
	}
	page, _ := store.NormalizePage(filter.Page, filter.PageSize)
	writeJSON(w, http.StatusOK, pagedResponse{Items: books, Total: total, Page: page})
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.gateway.GetBook(r.Context(), chi.URLParam(r, "book_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) lookupBook(w http.ResponseWriter, r *http.Request) {
	sourceURL := r.URL.Query().Get("source_url")
	if sourceURL == "" {
		writeError(w, http.StatusBadRequest, "source_url query parameter is required")
		return
	}
	book, err := s.gateway.FindBySourceURL(r.Context(), sourceURL)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) bookChanges(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "book_id")
	if _, err := s.gateway.GetBook(r.Context(), bookID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	events, err := s.gateway.ChangeHistory(r.Context(), bookID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	if events == nil {
		events = []catalog.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	filter, err := changeFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, total, err := s.gateway.ListChangeEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "change lookup failed")
		return
	}
	if events == nil {
		events = []catalog.ChangeEvent{}
	}
	page, _ := store.NormalizePage(filter.Page, filter.PageSize)
	writeJSON(w, http.StatusOK, pagedResponse{Items: events, Total: total, Page: page})
}

func changeFilterFromQuery(r *http.Request) (store.ChangeFilter, error) {
	q := r.URL.Query()
	filter := store.ChangeFilter{
		BookID:     q.Get("book_id"),
		ChangeType: catalog.ChangeType(q.Get("type")),
	}
	switch filter.ChangeType {
	case "", catalog.ChangeTypeNew, catalog.ChangeTypeUpdate, catalog.ChangeTypeDeleted:
	default:
		return store.ChangeFilter{}, errors.New("type must be new, update, or deleted")
	}
	for name, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return store.ChangeFilter{}, errors.New(name + " must be RFC 3339")
			}
			*dst = &t
		}
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	return filter, nil
}
