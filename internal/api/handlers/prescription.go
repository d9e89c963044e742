package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/api/middleware"
	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	"github.com/drfirst/go-rxcourse/internal/observability/metrics"
)

// PrescriptionService manages the prescription lifecycle
type PrescriptionService interface {
	Create(ctx context.Context) (*prescription.View, error)
	Get(ctx context.Context, code string) (*prescription.View, error)
	Activate(ctx context.Context, code string) (*prescription.View, error)
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc     PrescriptionService
	trends  *AssessmentHandler
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPrescriptionHandler creates a new handler. Trend reports are nested
// under the prescription path and served by trends.
func NewPrescriptionHandler(svc PrescriptionService, trends *AssessmentHandler, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		svc:     svc,
		trends:  trends,
		metrics: m,
		logger:  logger,
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{code}", h.Get)
	r.Post("/{code}/activate", h.Activate)
	if h.trends != nil {
		r.Get("/{code}/trends/weekly", h.trends.WeeklyTrend)
	}
	return r
}

// PrescriptionResponse is the representation of a prescription
type PrescriptionResponse struct {
	ID            string      `json:"id"`
	Code          string      `json:"code"`
	CreatedAt     time.Time   `json:"createdAt"`
	ActivatedDate *clock.Date `json:"activatedDate"`
	Status        string      `json:"status"`
	CurrentWeek   int         `json:"currentWeek"`
}

func newPrescriptionResponse(v *prescription.View) PrescriptionResponse {
	resp := PrescriptionResponse{
		ID:          v.Prescription.ID().String(),
		Code:        v.Prescription.Code(),
		CreatedAt:   v.Prescription.CreatedAt(),
		Status:      string(v.Status),
		CurrentWeek: v.CurrentWeek,
	}
	if d, ok := v.Prescription.ActivatedDate(); ok {
		resp.ActivatedDate = &d
	}
	return resp
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	view, err := h.svc.Create(ctx)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if h.metrics != nil {
		h.metrics.PrescriptionsCreated.Inc()
	}

	h.logger.Info("prescription issued",
		zap.String("code", view.Prescription.Code()),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusCreated, newPrescriptionResponse(view))
}

// Get handles GET /prescriptions/{code}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newPrescriptionResponse(view))
}

// Activate handles POST /prescriptions/{code}/activate
func (h *PrescriptionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Activate(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if h.metrics != nil {
		h.metrics.PrescriptionsActivated.Inc()
	}
	writeJSON(w, http.StatusOK, newPrescriptionResponse(view))
}
