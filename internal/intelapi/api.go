package intelapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aegis/internal/alerting"
	"github.com/linnemanlabs/aegis/internal/intel"
	"github.com/linnemanlabs/aegis/internal/pipeline"
	"github.com/linnemanlabs/aegis/internal/semantic"
	"github.com/linnemanlabs/aegis/internal/track"
)

// Core defines the pipeline operations the API exposes.
type Core interface {
	ProcessFrame(ctx context.Context, in pipeline.FrameInput) (*pipeline.FrameResult, error)
	SubmitQuery(ctx context.Context, prompt string, priority int) (*semantic.Query, error)
	CancelQuery(id string) bool
	ActiveQueries() []*semantic.Query
	Alerts(limit int) []alerting.Alert
	AcknowledgeAlert(id string) bool
	Intel() []*intel.Record
	TrackIntel(id track.ID) (*intel.Record, bool)
	Status() pipeline.Status
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	core   Core
}

// New creates a new API handler.
func New(logger log.Logger, core Core) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if core == nil {
		panic(xerrors.New("pipeline core is required"))
	}
	return &API{
		logger: logger,
		core:   core,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/frames", a.handleIngestFrame)
		r.Get("/intel", a.handleListIntel)
		r.Get("/intel/{id}", a.handleGetIntel)
		r.Get("/alerts", a.handleListAlerts)
		r.Post("/alerts/{id}/ack", a.handleAcknowledgeAlert)
		r.Post("/queries", a.handleSubmitQuery)
		r.Get("/queries", a.handleListQueries)
		r.Delete("/queries/{id}", a.handleCancelQuery)
		r.Get("/status", a.handleStatus)
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.core.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
