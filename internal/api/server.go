// Package api exposes the HTTP surface: submission, status, results,
// usage, and health.
package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mail-analysis-service/internal/admission"
	"mail-analysis-service/internal/analysis"
	"mail-analysis-service/internal/config"
	"mail-analysis-service/internal/keystore"
	"mail-analysis-service/internal/models"
	"mail-analysis-service/internal/ratelimit"
	"mail-analysis-service/internal/registry"
	"mail-analysis-service/internal/telemetry"
)

// Server wires the HTTP handlers.
type Server struct {
	cfg       config.Config
	admission *admission.Controller
	registry  *registry.Registry
	costs     *analysis.CostTracker
	redis     *redis.Client
	logger    *zap.Logger
}

// New constructs the API server. costs may be nil when the usage
// endpoint should omit spend statistics.
func New(cfg config.Config, ctrl *admission.Controller, reg *registry.Registry, costs *analysis.CostTracker, rdb *redis.Client, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		admission: ctrl,
		registry:  reg,
		costs:     costs,
		redis:     rdb,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/health/detailed", s.handleHealthDetailed)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/v1/analyze", s.handleAnalyze)
	r.Get("/api/v1/status/{job_id}", s.handleStatus)
	r.Get("/api/v1/results/{job_id}", s.handleResults)
	r.Get("/api/v1/usage", s.handleUsage)
	return r
}

type analyzeResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var payload models.EmailPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, models.NewError(models.KindValidation, "request body is not valid JSON: %v", err))
		return
	}

	adm, err := s.admission.Admit(r.Context(), apiKey(r), clientIP(r), payload)
	if !adm.Decision.ResetAt.IsZero() {
		setRateHeaders(w, adm.Decision)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, analyzeResponse{
		JobID:     adm.Job.ID,
		Status:    adm.Job.Status,
		StatusURL: fmt.Sprintf("/api/v1/status/%s", adm.Job.ID),
	})
}

type statusResponse struct {
	JobID       string        `json:"job_id"`
	Status      string        `json:"status"`
	SubmittedAt time.Time     `json:"submitted_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	RetryCount  int           `json:"retry_count"`
	Error       *models.Error `json:"error,omitempty"`
	ResultsURL  string        `json:"results_url,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.authenticate(w, r, "status")
	if !ok {
		return
	}

	jobID := chi.URLParam(r, "job_id")
	job, err := s.registry.Get(r.Context(), jobID, rec.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := statusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		SubmittedAt: job.SubmittedAt,
		UpdatedAt:   job.UpdatedAt,
		RetryCount:  job.RetryCount,
		Error:       job.Error,
	}
	if job.Status == models.StatusCompleted {
		resp.ResultsURL = fmt.Sprintf("/api/v1/results/%s", job.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.authenticate(w, r, "results")
	if !ok {
		return
	}

	jobID := chi.URLParam(r, "job_id")
	job, err := s.registry.Get(r.Context(), jobID, rec.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}

	switch job.Status {
	case models.StatusCompleted:
		result, err := s.registry.Result(r.Context(), jobID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case models.StatusFailed:
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
			"error":  job.Error,
		})
	default:
		writeError(w, models.NewError(models.KindResultPending, "job %s is still %s", job.ID, job.Status).
			WithContext("status", job.Status))
	}
}

type usageResponse struct {
	ClientID  string               `json:"client_id"`
	Tier      string               `json:"tier"`
	RateLimit rateWindowUsage      `json:"rate_limit"`
	Spend     *analysis.UsageStats `json:"spend,omitempty"`
}

type rateWindowUsage struct {
	Limit     int       `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.authenticate(w, r, "status")
	if !ok {
		return
	}

	decision, err := s.admission.Usage(r.Context(), rec)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := usageResponse{
		ClientID: rec.ClientID,
		Tier:     rec.Tier,
		RateLimit: rateWindowUsage{
			Limit:     int(decision.Count + decision.Remaining),
			Used:      decision.Count,
			Remaining: decision.Remaining,
			ResetAt:   decision.ResetAt,
		},
	}
	if s.costs != nil && rec.Tier == "enterprise" {
		if stats, err := s.costs.Stats(r.Context()); err == nil {
			resp.Spend = &stats
		}
	}
	setRateHeaders(w, decision)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	healthy := true

	if err := s.redis.Ping(r.Context()).Err(); err != nil {
		checks["redis"] = "unreachable: " + err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}

	if depth, err := s.registry.ReadyDepth(r.Context()); err == nil {
		checks["queue_depth"] = depth
	}

	if s.costs != nil {
		stats, err := s.costs.Stats(r.Context())
		if err == nil {
			state := "ok"
			if stats.Remaining <= 0 {
				state = "budget exhausted"
				healthy = false
			}
			checks["llm_budget"] = state
		}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// authenticate resolves the API key and checks the route permission,
// writing the error response itself on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, permission string) (keystore.Record, bool) {
	rec, err := s.admission.Authenticate(r.Context(), apiKey(r), clientIP(r))
	if err != nil {
		writeError(w, err)
		return keystore.Record{}, false
	}
	if !rec.Allows(permission) {
		writeError(w, models.NewError(models.KindAuth, "tier %s does not permit %s", rec.Tier, permission))
		return keystore.Record{}, false
	}
	return rec, true
}

func apiKey(r *http.Request) string {
	return r.Header.Get("X-API-Key")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Count+d.Remaining, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindAuth:
		return http.StatusUnauthorized
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindRateLimit, models.KindConcurrency:
		return http.StatusTooManyRequests
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindTerminal, models.KindResultPending:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	e := models.AsError(err)
	var body errorBody
	body.Error.Code = string(e.Kind)
	body.Error.Message = e.Message
	body.Error.Details = e.Context
	writeJSON(w, statusFor(e.Kind), body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
