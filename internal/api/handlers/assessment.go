package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/api/middleware"
	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/assessment"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
	"github.com/drfirst/go-rxcourse/internal/observability/metrics"
)

// AssessmentService records assessments and reports trends
type AssessmentService interface {
	Submit(ctx context.Context, cmd assessment.SubmitCommand) (*assessment.SubmitResult, error)
	WeeklyTrend(ctx context.Context, q assessment.TrendQuery) (*assessment.TrendReport, error)
}

// AssessmentHandler handles assessment and trend endpoints
type AssessmentHandler struct {
	svc     AssessmentService
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewAssessmentHandler creates a new handler; m may be nil
func NewAssessmentHandler(svc AssessmentService, m *metrics.Metrics, logger *zap.Logger) *AssessmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssessmentHandler{
		svc:     svc,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("assessment-handler"),
	}
}

// Routes returns the assessment routes
func (h *AssessmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Submit)
	return r
}

// PainRequest is one pain entry of a submission
type PainRequest struct {
	Location  string `json:"location"`
	Intensity *int   `json:"intensity"`
	Note      string `json:"note,omitempty"`
}

// SubmitRequest is the request body for a daily assessment
type SubmitRequest struct {
	PrescriptionCode string        `json:"prescriptionCode"`
	Date             string        `json:"date"`
	PainScore        *int          `json:"painScore"`
	StressScore      *int          `json:"stressScore"`
	FunctionScore    *int          `json:"functionScore"`
	Pains            []PainRequest `json:"pains"`
}

// SubmitResponse identifies the recorded assessment
type SubmitResponse struct {
	AssessmentID     string `json:"assessmentId"`
	PrescriptionCode string `json:"prescriptionCode"`
	Week             int    `json:"week"`
}

// Submit handles POST /assessments
func (h *AssessmentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "submit_assessment_request")
	defer span.End()

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	cmd, err := req.command()
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	result, err := h.svc.Submit(ctx, cmd)
	h.metrics.ObserveSubmission(err)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}

	h.logger.Debug("assessment submitted",
		zap.String("id", result.AssessmentID.String()),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusCreated, SubmitResponse{
		AssessmentID:     result.AssessmentID.String(),
		PrescriptionCode: result.PrescriptionCode,
		Week:             result.Week,
	})
}

// command checks the request shape and field ranges. Duplicate pain
// locations are left to the service, which owns the check order.
func (req SubmitRequest) command() (assessment.SubmitCommand, error) {
	var cmd assessment.SubmitCommand

	if !prescription.ValidCode(req.PrescriptionCode) {
		return cmd, fmt.Errorf("prescriptionCode must be 4 uppercase letters and 4 digits")
	}
	date, err := clock.ParseDate(req.Date)
	if err != nil {
		return cmd, fmt.Errorf("date must be formatted YYYY-MM-DD")
	}

	scores := []struct {
		name  string
		value *int
	}{
		{"painScore", req.PainScore},
		{"stressScore", req.StressScore},
		{"functionScore", req.FunctionScore},
	}
	for _, s := range scores {
		if s.value == nil {
			return cmd, fmt.Errorf("%s is required", s.name)
		}
		if !inScoreRange(*s.value) {
			return cmd, fmt.Errorf("%s must be between %d and %d", s.name, assessment.MinScore, assessment.MaxScore)
		}
	}

	if len(req.Pains) > assessment.MaxPainEntries {
		return cmd, fmt.Errorf("at most %d pain entries are allowed", assessment.MaxPainEntries)
	}
	pains := make([]assessment.PainEntry, 0, len(req.Pains))
	for i, p := range req.Pains {
		loc := assessment.Location(p.Location)
		if !loc.Valid() {
			return cmd, fmt.Errorf("pains[%d].location %q is not a known location", i, p.Location)
		}
		if p.Intensity == nil {
			return cmd, fmt.Errorf("pains[%d].intensity is required", i)
		}
		if !inScoreRange(*p.Intensity) {
			return cmd, fmt.Errorf("pains[%d].intensity must be between %d and %d", i, assessment.MinScore, assessment.MaxScore)
		}
		pains = append(pains, assessment.PainEntry{Location: loc, Intensity: *p.Intensity, Note: p.Note})
	}

	return assessment.SubmitCommand{
		PrescriptionCode: req.PrescriptionCode,
		Date:             date,
		PainScore:        *req.PainScore,
		StressScore:      *req.StressScore,
		FunctionScore:    *req.FunctionScore,
		Pains:            pains,
	}, nil
}

func inScoreRange(v int) bool {
	return v >= assessment.MinScore && v <= assessment.MaxScore
}

// WeeklyTrend handles GET /prescriptions/{code}/trends/weekly
func (h *AssessmentHandler) WeeklyTrend(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "weekly_trend_request")
	defer span.End()

	q := assessment.TrendQuery{PrescriptionCode: chi.URLParam(r, "code")}
	var err error
	if q.StartWeek, err = weekParam(r, "startWeek"); err != nil {
		badRequest(w, err.Error())
		return
	}
	if q.EndWeek, err = weekParam(r, "endWeek"); err != nil {
		badRequest(w, err.Error())
		return
	}

	report, err := h.svc.WeeklyTrend(ctx, q)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}
	if h.metrics != nil {
		h.metrics.TrendQueries.Inc()
	}

	writeJSON(w, http.StatusOK, report)
}

// weekParam returns nil when the parameter is absent
func weekParam(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", name)
	}
	return &v, nil
}
