package intelapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type submitQueryRequest struct {
	Prompt   string `json:"prompt"`
	Priority int    `json:"priority,omitempty"`
}

func (a *API) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req submitQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	q, err := a.core.SubmitQuery(r.Context(), req.Prompt, req.Priority)
	if err != nil {
		http.Error(w, `{"error":"empty prompt"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("aegis.query.id", q.ID))

	writeJSON(w, http.StatusCreated, q)
}

func (a *API) handleListQueries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.core.ActiveQueries())
}

func (a *API) handleCancelQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("aegis.query.id", id))

	if !a.core.CancelQuery(id) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
