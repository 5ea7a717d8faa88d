// Package admin serves the operator HTTP API over a carrier.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus"
)

type Handler struct {
	carrier *sagabus.Carrier
	logger  *zap.Logger
}

func NewHandler(carrier *sagabus.Carrier, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{carrier: carrier, logger: logger}
}

type forceFailRequest struct {
	Note string `json:"note"`
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

type retryResponse struct {
	MessageID string `json:"message_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, ok := h.page(w, r)
	if !ok {
		return
	}
	filter := sagabus.DeadLetterFilter{
		Topic:            q.Get("topic"),
		IncludeDiscarded: q.Get("include_discarded") == "true",
		Limit:            limit,
		Offset:           offset,
	}
	entries, err := h.carrier.DeadLetters().List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []sagabus.DeadLetterMessage{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := h.carrier.DeadLetters().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	messageID, err := h.carrier.DeadLetters().RetryFromDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, retryResponse{MessageID: messageID})
}

func (h *Handler) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.carrier.DeadLetters().Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	details, err := h.carrier.Sagas().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *Handler) AbortSaga(w http.ResponseWriter, r *http.Request) {
	if err := h.carrier.Sagas().AbortSaga(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) ListStuckSagas(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := h.page(w, r)
	if !ok {
		return
	}
	sagas, err := h.carrier.Sagas().ListStuckSagas(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sagas == nil {
		sagas = []sagabus.Saga{}
	}
	writeJSON(w, http.StatusOK, sagas)
}

func (h *Handler) ForceFailCompensation(w http.ResponseWriter, r *http.Request) {
	var req forceFailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad json"})
		return
	}
	if err := h.carrier.Sagas().ForceFailCompensation(r.Context(), chi.URLParam(r, "id"), req.Note); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ResumeCompensation(w http.ResponseWriter, r *http.Request) {
	if err := h.carrier.Sagas().ResumeCompensation(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.carrier.Batches().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subs, err := h.carrier.Subscriptions().List(r.Context(), q.Get("topic"), q.Get("active_only") == "true")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []sagabus.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) SetSubscriptionActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad json"})
		return
	}
	if err := h.carrier.Subscriptions().SetActive(r.Context(), chi.URLParam(r, "id"), req.Active); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) page(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	var err error
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return 0, 0, false
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid offset"})
			return 0, 0, false
		}
	}
	return limit, offset, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Admin request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, sagabus.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sagabus.ErrConflict), errors.Is(err, sagabus.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, sagabus.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
