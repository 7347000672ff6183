package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/corvohq/allocd/internal/actions"
	"github.com/corvohq/allocd/internal/store"
)

func (s *Server) handleQueueActions(w http.ResponseWriter, r *http.Request) {
	var req []store.Action
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}

	queued, err := s.queue.Queue(req)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, queued)
}

func (s *Server) handleFetchActions(w http.ResponseWriter, r *http.Request) {
	var filter store.ActionFilter
	q := r.URL.Query()
	for param, target := range map[string]**string{
		"type":   &filter.Type,
		"status": &filter.Status,
		"source": &filter.Source,
		"reason": &filter.Reason,
	} {
		if v := q.Get(param); v != "" {
			value := v
			*target = &value
		}
	}

	found, err := s.queue.Fetch(filter)
	if err != nil {
		writeActionError(w, err)
		return
	}
	if found == nil {
		found = []store.Action{}
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleUpdateAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action id", "VALIDATION_ERROR")
		return
	}

	var action store.Action
	if err := decodeJSON(r, &action); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	action.ID = id

	updated, err := s.queue.Update(action)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type idsRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleApproveActions(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required", "VALIDATION_ERROR")
		return
	}

	updated, err := s.queue.Approve(req.IDs)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCancelActions(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required", "VALIDATION_ERROR")
		return
	}

	updated, err := s.queue.Cancel(req.IDs)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type executeRequest struct {
	IDs   []int64 `json:"ids"`
	Force bool    `json:"force"`
}

func (s *Server) handleExecuteActions(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}

	updated, err := s.executor.Execute(r.Context(), req.IDs, req.Force)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "EXECUTE_ERROR")
		return
	}
	if updated == nil {
		updated = []store.Action{}
	}
	writeJSON(w, http.StatusOK, updated)
}

// writeActionError maps queue-layer errors onto HTTP statuses.
func writeActionError(w http.ResponseWriter, err error) {
	var ve *actions.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error(), "VALIDATION_ERROR")
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case store.IsNoRows(err):
		writeError(w, http.StatusConflict, err.Error(), "NO_ROWS_AFFECTED")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}
