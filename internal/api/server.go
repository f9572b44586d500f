package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"sequence-engine/internal/config"
	"sequence-engine/internal/models"
	"sequence-engine/internal/queue"
	"sequence-engine/internal/ratelimit"
	"sequence-engine/internal/store"
	"sequence-engine/internal/telemetry"
)

// Server wires the ops HTTP surface: sequence/enrollment creation and DLQ
// inspection. Enrollment creation lives here, outside the scheduler/executor
// pipeline, which only ever reads enrollments it did not create.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.StepQueue
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.StepQueue, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/sequences", s.handleCreateSequence)
	r.Post("/enrollments", s.handleCreateEnrollment)
	r.Get("/enrollments/{id}", s.handleGetEnrollment)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type createSequenceRequest struct {
	Name  string `json:"name"`
	Steps []struct {
		StepType   models.StepType `json:"step_type"`
		TemplateID *string         `json:"template_id"`
		DelayHours int             `json:"delay_hours"`
	} `json:"steps"`
}

func (s *Server) handleCreateSequence(w http.ResponseWriter, r *http.Request) {
	var req createSequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if len(req.Steps) == 0 {
		http.Error(w, "at least one step is required", http.StatusBadRequest)
		return
	}

	params := store.CreateSequenceParams{
		TenantID: tenantFromRequest(r),
		Name:     req.Name,
	}
	for i, st := range req.Steps {
		switch st.StepType {
		case models.StepEmail, models.StepTask:
		default:
			http.Error(w, fmt.Sprintf("step %d: unknown step type %q", i+1, st.StepType), http.StatusBadRequest)
			return
		}
		if st.StepType == models.StepEmail && st.TemplateID == nil {
			http.Error(w, fmt.Sprintf("step %d: email steps require a template_id", i+1), http.StatusBadRequest)
			return
		}
		params.Steps = append(params.Steps, store.CreateStepParams{
			StepType:   st.StepType,
			TemplateID: st.TemplateID,
			DelayHours: st.DelayHours,
		})
	}

	seq, err := s.store.CreateSequence(r.Context(), params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, seq)
}

type createEnrollmentRequest struct {
	SequenceID     string `json:"sequence_id"`
	RecipientEmail string `json:"recipient_email"`
}

func (s *Server) handleCreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req createEnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SequenceID == "" || req.RecipientEmail == "" {
		http.Error(w, "sequence_id and recipient_email are required", http.StatusBadRequest)
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", tenant))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	enr, err := s.store.CreateEnrollment(r.Context(), req.SequenceID, tenant, req.RecipientEmail)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "sequence has no steps", http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, enr)
}

func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	enr, err := s.store.GetEnrollment(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "enrollment not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

// handleDLQ returns dead-lettered job keys.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
