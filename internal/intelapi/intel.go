package intelapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/aegis/internal/track"
)

func (a *API) handleListIntel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.core.Intel())
}

func (a *API) handleGetIntel(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, `{"error":"invalid track id"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int64("aegis.track.id", id))

	rec, ok := a.core.TrackIntel(track.ID(id))
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
