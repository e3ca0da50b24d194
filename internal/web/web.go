package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"calwatch/internal/config"
	"calwatch/internal/digest"
	"calwatch/internal/health"
	"calwatch/internal/history"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/monitor"
	"calwatch/internal/scheduler"
	"calwatch/internal/snapshot"
	"calwatch/internal/verify"
)

// Deps are the components the operator API reads and controls. Scheduler
// and History may be nil.
type Deps struct {
	Health    *health.Aggregator
	Verifier  *verify.Verifier
	Monitor   *monitor.Monitor
	Snapshot  *snapshot.Store
	Scheduler *scheduler.Scheduler
	History   *history.Store
}

// Server provides the operator HTTP API.
type Server struct {
	cfg  *config.Config
	deps Deps
	loc  *time.Location
	mux  *http.ServeMux
	now  func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		loc:  cfg.Location(),
		mux:  http.NewServeMux(),
		now:  time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health stays unauthenticated for liveness checks.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calwatch", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on listen until ctx is canceled, then shuts down
// gracefully, giving in-flight requests up to grace to finish.
func (s *Server) Serve(ctx context.Context, listen string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/health", s.handleHealthSummary)
	s.mux.HandleFunc("GET /api/pending", s.handlePending)
	s.mux.HandleFunc("DELETE /api/pending", s.handleClearPending)
	s.mux.HandleFunc("POST /api/reset", s.handleReset)
	s.mux.HandleFunc("GET /api/tasks", s.handleTasks)
	s.mux.HandleFunc("GET /api/sources", s.handleSources)
	s.mux.HandleFunc("GET /api/agenda", s.handleAgenda)
	s.mux.HandleFunc("GET /api/changes", s.handleChanges)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleHealthSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Health.Summary())
}

// pendingResponse is the JSON response shape for /api/pending.
type pendingResponse struct {
	Count   int              `json:"count"`
	Pending []verify.Pending `json:"pending"`
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	p := s.deps.Verifier.Pending()
	if p == nil {
		p = []verify.Pending{}
	}
	writeJSON(w, http.StatusOK, pendingResponse{Count: len(p), Pending: p})
}

func (s *Server) handleClearPending(w http.ResponseWriter, _ *http.Request) {
	n := s.deps.Verifier.Clear()
	appLog.Info("pending verifications cleared via API", "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// resetResponse is the JSON response shape for /api/reset.
type resetResponse struct {
	Scope  health.Scope   `json:"scope"`
	Health health.Summary `json:"health"`
}

// handleReset clears health metrics and/or breakers.
//
// POST /api/reset?scope=metrics|breakers|all (default all)
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	scope, err := health.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Health.Reset(scope)
	appLog.Info("health reset via API", "scope", scope)
	writeJSON(w, http.StatusOK, resetResponse{Scope: scope, Health: s.deps.Health.Summary()})
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := []scheduler.TaskStatus{}
	if s.deps.Scheduler != nil {
		tasks = s.deps.Scheduler.Tasks()
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.SourceInfos())
}

// agendaResponse is the JSON response shape for /api/agenda.
type agendaResponse struct {
	Date     string        `json:"date"`
	Timezone string        `json:"timezone"`
	Tags     []agendaGroup `json:"tags"`
}

type agendaGroup struct {
	Tag    string        `json:"tag"`
	Events []model.Event `json:"events"`
}

// handleAgenda lists confirmed events on one local day, grouped per tag.
//
// GET /api/agenda?date=2025-03-12&tag=eng
//   - date: YYYY-MM-DD in the configured timezone (default today)
//   - tag:  restrict to one tag (default all)
func (s *Server) handleAgenda(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	day := digest.StartOfDay(s.now(), s.loc)
	if ds := q.Get("date"); ds != "" {
		d, err := time.ParseInLocation("2006-01-02", ds, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = d
	}

	tags := s.deps.Snapshot.Tags()
	if t := q.Get("tag"); t != "" {
		tags = []string{t}
	}

	groups := make([]agendaGroup, 0, len(tags))
	for _, tag := range tags {
		evs := digest.EventsOn(s.deps.Snapshot.Events(tag), day)
		if len(evs) == 0 {
			continue
		}
		groups = append(groups, agendaGroup{Tag: tag, Events: evs})
	}

	writeJSON(w, http.StatusOK, agendaResponse{
		Date:     day.Format("2006-01-02"),
		Timezone: s.loc.String(),
		Tags:     groups,
	})
}

// handleChanges lists recently confirmed changes.
//
// GET /api/changes?tag=eng&limit=20
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "change history is not available")
		return
	}
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	entries, err := s.deps.History.Recent(r.Context(), q.Get("tag"), limit)
	if err != nil {
		appLog.Error("api changes: query failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read change history")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
