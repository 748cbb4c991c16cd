package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jdziat/durable-broadcast/pkg/core"
	"github.com/jdziat/durable-broadcast/pkg/queue"
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// HealthChecker provides database health status for verbose /healthz.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Handler serves the job control plane.
type Handler struct {
	queue   *queue.Queue
	log     zerolog.Logger
	metrics http.Handler
	db      HealthChecker
	inline  bool
	started time.Time

	// runCtx bounds inline runs started by requests; they outlive the request.
	runCtx context.Context
	runs   sync.WaitGroup
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request and error logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = l.With().Str("comp", "api").Logger()
	}
}

// WithMetricsHandler replaces the default Prometheus handler on /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithHealthChecker enables database checks on /healthz?verbose=true.
func WithHealthChecker(db HealthChecker) Option {
	return func(h *Handler) {
		h.db = db
	}
}

// WithInlineRuns starts queued jobs in this process right after they are
// created, confirmed or resumed, instead of waiting for a worker.
func WithInlineRuns(ctx context.Context) Option {
	return func(h *Handler) {
		h.inline = true
		h.runCtx = ctx
	}
}

// NewHandler creates the control plane for q.
func NewHandler(q *queue.Queue, opts ...Option) *Handler {
	h := &Handler{
		queue:   q,
		log:     zerolog.Nop(),
		metrics: promhttp.Handler(),
		started: time.Now(),
		runCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", h.metrics)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Post("/", h.createJob)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Post("/confirm", h.confirmJob)
			r.Post("/cancel", h.cancelJob)
			r.Post("/resume", h.resumeJob)
			r.Post("/run", h.runJob)
		})
	})
	return r
}

// Wait blocks until inline runs started through the API have returned.
func (h *Handler) Wait() {
	h.runs.Wait()
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}

	if r.URL.Query().Get("verbose") != "true" || h.db == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp.Components = map[string]string{}
	status := http.StatusOK
	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp.Components["database"] = "healthy"
	}
	writeJSON(w, status, resp)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := core.JobFilter{Status: core.JobStatus(r.URL.Query().Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.queue.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var opts []queue.Option
	if req.Draft {
		opts = append(opts, queue.AsDraft())
	}

	job, err := h.queue.Create(r.Context(), req.Definition, opts...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.maybeRunInline(job)
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handler) confirmJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Confirm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.maybeRunInline(job)
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.maybeRunInline(job)
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// runJob claims a queued job and runs it in this process. The response is
// sent once the claim succeeds; the run continues in the background.
func (h *Handler) runJob(w http.ResponseWriter, r *http.Request) {
	owner := queue.NewInlineOwner()
	job, err := h.queue.Store().Claim(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := toJobResponse(job)
	h.execute(job, owner)
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) maybeRunInline(job *core.Job) {
	if !h.inline || job.Status != core.StatusQueued {
		return
	}
	owner := queue.NewInlineOwner()
	claimed, err := h.queue.Store().Claim(h.runCtx, job.ID, owner)
	if err != nil {
		h.log.Warn().Err(err).Str("job_id", job.ID).Msg("inline run not started")
		return
	}
	*job = *claimed
	h.execute(claimed, owner)
}

func (h *Handler) execute(job *core.Job, owner string) {
	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		if _, err := h.queue.Execute(h.runCtx, job, owner); err != nil {
			h.log.Warn().Err(err).Str("job_id", job.ID).Msg("inline run ended with error")
		}
	}()
}

// fail maps domain errors onto HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *core.ValidationError
	var ise *core.InvalidStateError

	switch {
	case errors.As(err, &ve), errors.Is(err, core.ErrEmptyAudience):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ise), errors.Is(err, core.ErrNoJobQueued):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
