// Package api exposes the service over REST plus a WebSocket progress feed.
// All responses are JSON; mutating calls land in the audit trail.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"galion/internal/broadcast"
	"galion/internal/credentials"
	"galion/internal/fault"
	"galion/internal/filesystem"
	"galion/internal/mirror"
	"galion/internal/platform"
	"galion/internal/queue"
	"galion/internal/worker"
)

const maxBodyBytes = 1 << 20

// Deps bundles everything the handlers reach into. Mirror is optional; when
// present the status endpoint includes lifetime job counts from it.
type Deps struct {
	Manager     *queue.Manager
	Registry    *platform.Registry
	Pool        *worker.Pool
	Broadcaster *broadcast.Broadcaster
	Mirror      *mirror.Mirror
	Audit       *AuditLogger
	Logger      *slog.Logger
	APIKey      string
	Root        string // downloads root, for the disk usage block
}

// Server is the REST/WebSocket front. Construct with NewServer, then either
// mount Router somewhere or call Start/Shutdown.
type Server struct {
	deps      Deps
	router    *chi.Mux
	http      *http.Server
	startedAt time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:      deps,
		router:    chi.NewRouter(),
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start binds addr and serves in the background. Returns once the listener
// is up so callers can fail fast on port clashes.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: bind %s: %w", addr, err)
	}
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.deps.Logger.Info("API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deps.Logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/jobs", s.handleSubmitJobs)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)

		r.Get("/queue/stats", s.handleQueueStats)
		r.Post("/queue/pause", s.handleQueuePause)
		r.Post("/queue/resume", s.handleQueueResume)
		r.Post("/queue/clear-completed", s.handleClearCompleted)

		r.Get("/platforms", s.handlePlatforms)
		r.Get("/platforms/detect", s.handleDetect)
		r.Post("/platforms/{id}/validate-credential", s.handleValidateCredential)

		r.Get("/info", s.handleInfo)

		r.Get("/workers", s.handleWorkers)
		r.Post("/workers/scale", s.handleScaleWorkers)

		r.Get("/status", s.handleStatus)
		r.Get("/progress/ws", s.handleProgressWS)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.deps.Logger.Info("Request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr)
	})
}

// authMiddleware enforces the shared API key when one is configured and
// audits every mutating call with its final status. WebSocket clients cannot
// set headers, so the key is also accepted as a query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if s.deps.APIKey != "" {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.deps.APIKey)) != 1 {
				s.deps.Audit.Log(sourceIP, r.UserAgent(), action, http.StatusUnauthorized, "Invalid API key")
				s.writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}

		if r.Method == http.MethodPost || r.Method == http.MethodDelete {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			s.deps.Audit.Log(sourceIP, r.UserAgent(), action, ww.Status(), "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- jobs ----

type submitRequest struct {
	URL      string            `json:"url,omitempty"`
	URLs     []string          `json:"urls,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
	Priority int               `json:"priority,omitempty"`
	Tenant   string            `json:"tenant,omitempty"`
	Dedup    *bool             `json:"dedup,omitempty"`
}

type batchItem struct {
	URL        string     `json:"url"`
	Job        *queue.Job `json:"job,omitempty"`
	Error      string     `json:"error,omitempty"`
	ExistingID string     `json:"existing_id,omitempty"`
}

func (s *Server) handleSubmitJobs(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" && len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "url or urls required")
		return
	}
	if req.URL != "" && len(req.URLs) > 0 {
		s.writeError(w, http.StatusBadRequest, "url and urls are mutually exclusive")
		return
	}
	dedup := req.Dedup == nil || *req.Dedup

	if req.URL != "" {
		job, err := s.enqueueOne(r, req.URL, &req, dedup)
		if err != nil {
			var dup *queue.DuplicateError
			switch {
			case errors.As(err, &dup):
				s.writeJSON(w, http.StatusConflict, map[string]any{
					"error":       err.Error(),
					"existing_id": dup.ExistingID,
				})
			case fault.KindOf(err) == fault.QueueUnavailable:
				s.writeError(w, http.StatusServiceUnavailable, err.Error())
			default:
				s.writeError(w, http.StatusBadRequest, err.Error())
			}
			return
		}
		s.writeJSON(w, http.StatusAccepted, job)
		return
	}

	items := make([]batchItem, 0, len(req.URLs))
	queued := 0
	for _, u := range req.URLs {
		item := batchItem{URL: u}
		job, err := s.enqueueOne(r, u, &req, dedup)
		if err == nil {
			item.Job = job
			queued++
		} else {
			var dup *queue.DuplicateError
			if errors.As(err, &dup) {
				item.ExistingID = dup.ExistingID
			}
			item.Error = err.Error()
		}
		items = append(items, item)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"queued": queued,
		"items":  items,
	})
}

func (s *Server) enqueueOne(r *http.Request, rawURL string, req *submitRequest, dedup bool) (*queue.Job, error) {
	match := s.deps.Registry.Detect(rawURL)
	if match == nil {
		return nil, fault.New(fault.UnsupportedURL, "no platform accepts %q", rawURL)
	}
	return s.deps.Manager.Enqueue(r.Context(), queue.EnqueueRequest{
		URL:        rawURL,
		PlatformID: match.PlatformID,
		Options:    req.Options,
		Priority:   req.Priority,
		Dedup:      dedup,
		Tenant:     req.Tenant,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list := r.URL.Query().Get("list")
	if list == "" {
		list = "recent"
	}
	limit := clampLimit(r.URL.Query().Get("limit"))

	var (
		jobs []*queue.Job
		err  error
	)
	switch list {
	case "recent":
		jobs, err = s.deps.Manager.Recent(r.Context(), limit)
	case "failed":
		jobs, err = s.deps.Manager.DeadLetters(r.Context(), limit)
	default:
		s.writeError(w, http.StatusBadRequest, "list must be recent or failed")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Manager.Job(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.deps.Manager.Cancel(r.Context(), id)
	if err != nil {
		if fault.KindOf(err) == fault.QueueUnavailable {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, "only pending jobs can be cancelled")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "id": id})
}

// ---- queue ----

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Manager.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Manager.Pause()
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Manager.Resume()
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Manager.ClearCompleted(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

// ---- platforms ----

func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	descriptors := s.deps.Registry.Descriptors()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"platforms": descriptors,
		"count":     len(descriptors),
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		s.writeError(w, http.StatusBadRequest, "url parameter required")
		return
	}
	match := s.deps.Registry.Detect(rawURL)
	if match == nil {
		s.writeError(w, http.StatusNotFound, "no platform matches this url")
		return
	}
	s.writeJSON(w, http.StatusOK, match)
}

func (s *Server) handleValidateCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handler, ok := s.deps.Registry.Handler(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown platform")
		return
	}
	var secret credentials.Secret
	if err := decodeBody(w, r, &secret); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := handler.ValidateCredential(r.Context(), &secret)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// ---- info ----

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		s.writeError(w, http.StatusBadRequest, "url parameter required")
		return
	}
	match := s.deps.Registry.Detect(rawURL)
	if match == nil {
		s.writeError(w, http.StatusNotFound, "no platform matches this url")
		return
	}
	handler, ok := s.deps.Registry.Handler(match.PlatformID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown platform")
		return
	}
	doc, err := handler.Info(r.Context(), rawURL)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// ---- workers ----

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   s.deps.Pool.Size(),
		"workers": s.deps.Pool.Health(),
	})
}

func (s *Server) handleScaleWorkers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Count < 0 {
		s.writeError(w, http.StatusBadRequest, "count must be non-negative")
		return
	}
	size, err := s.deps.Pool.Scale(r.Context(), req.Count)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": size})
}

// ---- status / health ----

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":         "running",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"workers": map[string]any{
			"count":  s.deps.Pool.Size(),
			"detail": s.deps.Pool.Health(),
		},
		"subscribers": s.deps.Broadcaster.Subscribers(),
	}
	if stats, err := s.deps.Manager.Stats(r.Context()); err == nil {
		out["queue"] = stats
	} else {
		out["queue_error"] = err.Error()
	}
	if s.deps.Mirror != nil {
		if counts, err := s.deps.Mirror.CountByStatus(); err == nil {
			out["jobs"] = counts
		}
	}
	if usage, err := filesystem.Usage(s.deps.Root); err == nil {
		out["disk"] = usage
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---- helpers ----

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func clampLimit(raw string) int64 {
	limit := int64(50)
	if raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Logger.Error("Response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
