package worker

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	gormstore "github.com/thebtf/metricache/internal/db/gorm"
	"github.com/thebtf/metricache/internal/maintenance"
	"github.com/thebtf/metricache/pkg/metrics"
	"github.com/thebtf/metricache/pkg/models"
)

// defaultPassLimit is the page size of the pass history.
const defaultPassLimit = 50

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(RequestLogger(s.log))
	s.router.Use(middleware.Recoverer)
	s.router.Use(SecurityHeaders)
	s.router.Use(MaxBodySize(MaxRequestBodySize))
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Health answers during initialization; readiness only after it.
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/ready", s.handleReady)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(DefaultHTTPTimeout))
			r.Get("/api/owners", s.handleOwners)
			r.Get("/api/owners/{owner}/schema", s.handleOwnerSchema)
			r.Get("/api/passes", s.handlePasses)
			r.Get("/api/passes/{id}", s.handlePass)
			r.Get("/api/stats", s.handleStats)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireJSONContentType)
			r.Use(PerClientRateLimitMiddleware(s.limiter))
			r.Post("/api/owners/{owner}/pass", s.handleRunPass)
			r.Post("/api/owners/{owner}/reconcile", s.handleReconcile)
			r.Post("/api/refresh", s.handleRefresh)
		})
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

// handleHealth returns 200 immediately, even during initialization.
// Use /api/ready for full readiness.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}
	writeJSON(w, map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleReady returns 200 only when fully initialized, 503 otherwise.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Error(w, "service initializing", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady is middleware that returns 503 if service isn't ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				http.Error(w, "service initialization failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OwnerView describes a configured owner.
type OwnerView struct {
	Name      string               `json:"name"`
	Table     string               `json:"table"`
	Store     string               `json:"store"`
	Metrics   []metrics.MetricInfo `json:"metrics"`
	Colocated bool                 `json:"colocated"`
}

// SchemaView is the column diff of an owner's store.
type SchemaView struct {
	Owner     string   `json:"owner"`
	Store     string   `json:"store"`
	Required  []string `json:"required"`
	Missing   []string `json:"missing"`
	Extra     []string `json:"extra"`
	Colocated bool     `json:"colocated"`
}

func (s *Service) handleOwners(w http.ResponseWriter, r *http.Request) {
	runners := s.definitions.Runners()
	owners := make([]OwnerView, len(runners))
	for i, o := range runners {
		owners[i] = OwnerView{
			Name:      o.Name(),
			Table:     o.Table(),
			Store:     o.StoreTable(),
			Colocated: o.Colocated(),
			Metrics:   o.Describe(),
		}
	}
	writeJSON(w, map[string]any{"owners": owners})
}

// runner resolves the {owner} path parameter, writing the error response
// when it cannot.
func (s *Service) runner(w http.ResponseWriter, r *http.Request) (metrics.Runner, bool) {
	name := chi.URLParam(r, "owner")
	if err := ValidateOwnerName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	o, ok := s.definitions.Runner(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown owner: "+name)
		return nil, false
	}
	return o, true
}

func (s *Service) handleOwnerSchema(w http.ResponseWriter, r *http.Request) {
	o, ok := s.runner(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	view := SchemaView{
		Owner:     o.Name(),
		Store:     o.StoreTable(),
		Required:  o.RequiredColumns(),
		Colocated: o.Colocated(),
		Missing:   []string{},
		Extra:     []string{},
	}
	missing, err := o.MissingColumns(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if missing != nil {
		view.Missing = missing
	}
	extra, err := o.ExtraColumns(ctx)
	switch {
	case errors.Is(err, metrics.ErrColocatedStore):
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	case extra != nil:
		view.Extra = extra
	}
	writeJSON(w, view)
}

func (s *Service) handleRunPass(w http.ResponseWriter, r *http.Request) {
	o, ok := s.runner(w, r)
	if !ok {
		return
	}
	// The pass may be shared with other callers, so it follows the
	// service lifetime rather than this request.
	run, err := s.scheduler.RunOwner(s.ctx, o.Name(), models.TriggerAPI)
	switch {
	case errors.Is(err, maintenance.ErrUnknownOwner):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, run)
	}
}

func (s *Service) handleReconcile(w http.ResponseWriter, r *http.Request) {
	o, ok := s.runner(w, r)
	if !ok {
		return
	}
	if err := o.Reconcile(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"owner":   o.Name(),
		"store":   o.StoreTable(),
		"columns": o.RequiredColumns(),
	})
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scheduler.Refresh(s.ctx)
	}()
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Service) handlePasses(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner != "" {
		if err := ValidateOwnerName(owner); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	limit := gormstore.ParseLimitParamWithMax(r, defaultPassLimit, 0)

	runs, err := s.history.GetRecentPassRuns(r.Context(), owner, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.history.GetPassRunCount(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"passes": runs,
		"total":  total,
	})
}

func (s *Service) handlePass(w http.ResponseWriter, r *http.Request) {
	run, err := s.history.GetPassRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "pass not found")
		return
	}
	writeJSON(w, run)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"database":   s.store.HealthCheck(r.Context()),
		"scheduler":  s.scheduler.Stats(),
		"rate_limit": s.limiter.Stats(),
		"owners":     s.definitions.Names(),
	})
}
