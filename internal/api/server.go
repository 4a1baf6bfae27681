package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"schedflow/internal/domain"
	"schedflow/internal/instance"
	"schedflow/internal/lock"
	"schedflow/internal/metrics"
	"schedflow/internal/queue"
	"schedflow/internal/scheduler"
	"schedflow/internal/store"
)

type Deps struct {
	Store     *store.Store
	Schedules *store.ScheduleCache
	Tasks     queue.Repository
	Machine   *instance.Machine
	Service   *scheduler.Service
	Metrics   *metrics.Metrics
	// Chain is the checkpoint chain listed by /api/checkpoints by default.
	Chain       string
	MetricsPath string
	Debug       bool
}

type Server struct {
	Deps
}

func NewServer(d Deps) http.Handler {
	if d.Chain == "" {
		d.Chain = "default"
	}
	if d.MetricsPath == "" {
		d.MetricsPath = "/metrics"
	}
	s := &Server{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, d.MetricsPath, d.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/scan", s.scan)
		r.Post("/sweep", s.sweep)
		r.Post("/purge", s.purge)
		r.Get("/checkpoints", s.listCheckpoints)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Put("/owners/{id}", s.putOwner)

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", s.createSchedule)
			r.Get("/", s.listSchedules)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSchedule)
				r.Put("/", s.updateSchedule)
				r.Delete("/", s.deleteSchedule)
				r.Get("/instances", s.listInstances)
				r.Get("/log", s.listLog)
				r.Get("/recipients", s.listRecipients)
				r.Put("/recipients/{rid}", s.putRecipient)
				r.Delete("/recipients/{rid}", s.deleteRecipient)
				r.Post("/recipients/{rid}/reset", s.resetInstance)
				r.Post("/recipients/{rid}/deactivate", s.deactivateInstance)
				r.Post("/recipients/{rid}/property", s.observeProperty)
			})
		})
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

// requestLogger logs each request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type matchResp struct {
	ScheduleID string    `json:"schedule_id"`
	Occurrence time.Time `json:"occurrence"`
}

type scanResp struct {
	Skipped    bool            `json:"skipped"`
	Checkpoint *checkpointResp `json:"checkpoint,omitempty"`
	Matches    []matchResp     `json:"matches"`
}

type checkpointResp struct {
	ID        int64     `json:"id"`
	Chain     string    `json:"chain"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Matched   int       `json:"matched"`
}

func toCheckpointResp(cp domain.ScanCheckpoint) checkpointResp {
	return checkpointResp{ID: cp.ID, Chain: cp.Chain, StartTime: cp.StartTime, EndTime: cp.EndTime, Matched: cp.Matched}
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	res, err := s.Service.RunScan(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := scanResp{Skipped: res.Skipped, Matches: []matchResp{}}
	if !res.Skipped {
		cp := toCheckpointResp(res.Checkpoint)
		resp.Checkpoint = &cp
	}
	for _, m := range res.Matches {
		resp.Matches = append(resp.Matches, matchResp{ScheduleID: m.ScheduleID, Occurrence: m.Instant})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.Service.RunSweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"enqueued": n})
}

func (s *Server) purge(w http.ResponseWriter, r *http.Request) {
	res, err := s.Service.RunPurge(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	chain := r.URL.Query().Get("chain")
	if chain == "" {
		chain = s.Chain
	}
	cps, err := s.Store.ListCheckpoints(r.Context(), chain, limitParam(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]checkpointResp, 0, len(cps))
	for _, cp := range cps {
		out = append(out, toCheckpointResp(cp))
	}
	writeJSON(w, http.StatusOK, out)
}

type taskResp struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   string          `json:"last_error,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func toTaskResp(t domain.Task) taskResp {
	return taskResp{
		ID:          t.ID,
		Type:        t.Type,
		State:       t.State,
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		Priority:    t.Priority,
		NextRunAt:   t.NextRunAt,
		LastError:   t.LastError,
		Payload:     t.Payload,
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResp(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.Tasks.ListRecentTasks(r.Context(), limitParam(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResp(t))
	}
	writeJSON(w, http.StatusOK, out)
}

type ownerReq struct {
	Active bool `json:"active"`
}

func (s *Server) putOwner(w http.ResponseWriter, r *http.Request) {
	var req ownerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o := domain.Owner{ID: chi.URLParam(r, "id"), Active: req.Active}
	if err := s.Store.SetOwner(r.Context(), o); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": o.ID, "active": o.Active})
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, err error) {
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, lock.ErrTimeout), errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrCheckpointConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &cfgErr):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		log.Error().Err(err).Msg("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
