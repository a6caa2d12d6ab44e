package intelapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/aegis/internal/pipeline"
)

func (a *API) handleIngestFrame(w http.ResponseWriter, r *http.Request) {
	var in pipeline.FrameInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int64("aegis.frame", in.Frame),
		attribute.Int("aegis.observations", len(in.Observations)),
	)

	res, err := a.core.ProcessFrame(r.Context(), in)
	if err != nil {
		if errors.Is(err, pipeline.ErrFrameRegression) {
			http.Error(w, `{"error":"frame index regression"}`, http.StatusConflict)
			return
		}
		a.logger.Error(r.Context(), err, "frame pass failed", "frame", in.Frame)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span.SetAttributes(
		attribute.Int("aegis.alerts", len(res.Alerts)),
		attribute.Int("aegis.triggers", len(res.Triggers)),
	)

	writeJSON(w, http.StatusOK, res)
}
