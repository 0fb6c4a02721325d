package audit

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type listResponse struct {
	Events        []Event `json:"events"`
	NextPageToken string  `json:"next_page_token,omitempty"`
	Total         int64   `json:"total"`
}

// Router serves the event log:
//
//	GET /events?actor=&action=&outcome=&path=&page_size=&page_token=
//	GET /events/{id}
func Router(store *Store, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{store: store, logger: logger}
	r := chi.NewRouter()
	r.Get("/events", h.list)
	r.Get("/events/{id}", h.get)
	return r
}

type handlers struct {
	store  *Store
	logger *slog.Logger
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize := 0
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "page_size must be a positive integer")
			return
		}
		pageSize = n
	}

	events, next, total, err := h.store.List(r.Context(), Filter{
		Actor:   q.Get("actor"),
		Action:  q.Get("action"),
		Outcome: q.Get("outcome"),
		Path:    q.Get("path"),
	}, pageSize, q.Get("page_token"))
	if errors.Is(err, ErrInvalidPageToken) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("list audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if events == nil {
		events = []Event{}
	}
	writeJSON(w, http.StatusOK, listResponse{Events: events, NextPageToken: next, Total: total})
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	e, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("get audit event", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
