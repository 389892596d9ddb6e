package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/host"
	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
	"github.com/realms-team/basestation-fw/internal/manager"
	"github.com/realms-team/basestation-fw/internal/publisher"
	"github.com/realms-team/basestation-fw/internal/snapshot"
	"github.com/realms-team/basestation-fw/internal/sol"
	"github.com/realms-team/basestation-fw/internal/version"
)

// Config holds the listener parameters.
type Config struct {
	Port        int
	Certificate string
	PrivateKey  string
	Token       string
}

// Server is the control API listener. It reads from the connector (raw
// commands), the snapshot cache, and the backup file, and writes into the
// server publisher's buffer on resend.
type Server struct {
	cfg    Config
	mgr    manager.Connector
	snap   *snapshot.Collector
	pubSrv *publisher.Server
	backup *sol.BackupFile
	stats  *appstate.Stats
	logger *zap.Logger

	srv   *http.Server
	alive atomic.Bool

	// runCtx holds the context passed to Run, so background work started
	// from handlers ends with the process instead of outliving it.
	runCtx atomic.Value // context.Context
}

// New creates the control API server.
func New(
	cfg Config,
	mgr manager.Connector,
	snap *snapshot.Collector,
	pubSrv *publisher.Server,
	backup *sol.BackupFile,
	stats *appstate.Stats,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		snap:   snap,
		pubSrv: pubSrv,
		backup: backup,
		stats:  stats,
		logger: logger.Named("api"),
	}
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Router(),
	}
	return s
}

// Router builds the chi router. Exposed separately so tests can exercise
// handlers without a TLS listener.
func (s *Server) Router() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(s.stats)

	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.stats))
	r.Use(authenticate(s.cfg.Token, s.stats))

	r.Post("/api/v1/echo.json", s.handleEcho)
	r.Get("/api/v1/status.json", s.handleStatus)
	r.Post("/api/v1/resend.json", s.handleResend)
	r.Post("/api/v1/smartmeshipapi.json", s.handleRawCommand)
	r.Post("/api/v1/snapshot.json", s.handleSnapshot)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return r
}

// Run serves the API over TLS until ctx is cancelled. The listener stops
// accepting new requests as soon as shutdown begins.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx.Store(ctx)
	s.alive.Store(true)
	defer s.alive.Store(false)

	s.logger.Info("control API listening", zap.Int("port", s.cfg.Port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServeTLS(s.cfg.Certificate, s.cfg.PrivateKey)
	}()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
		s.logger.Info("control API stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("api: listener failed: %w", err)
	}
}

// Alive reports whether the listener is still serving.
func (s *Server) Alive() bool { return s.alive.Load() }

// lifetime returns the context Run was started with, or Background before
// Run is called.
func (s *Server) lifetime() context.Context {
	if ctx, ok := s.runCtx.Load().(context.Context); ok && ctx != nil {
		return ctx
	}
	return context.Background()
}

// handleEcho returns the request body verbatim, mirroring its Content-Type.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		errJSON(w, http.StatusBadRequest, "body too large or unreadable")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// statusResponse is the body of GET /api/v1/status.json.
type statusResponse struct {
	SolManagerVersion version.Tuple    `json:"solmanager_version"`
	SDKVersion        version.Tuple    `json:"sdk_version"`
	SolVersion        version.Tuple    `json:"sol_version"`
	Uptime            uint64           `json:"uptime"`
	UTC               int64            `json:"utc"`
	Date              string           `json:"date"`
	LastReboot        string           `json:"last_reboot"`
	Stats             map[string]int64 `json:"stats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()

	// Host uptime and boot time are informational; a failure to read them
	// must not fail the status call.
	uptime, err := host.UptimeWithContext(r.Context())
	if err != nil {
		s.logger.Warn("failed to read host uptime", zap.Error(err))
	}
	lastReboot := ""
	if bootSecs, err := host.BootTimeWithContext(r.Context()); err == nil {
		lastReboot = time.Unix(int64(bootSecs), 0).UTC().Format(time.RFC3339)
	} else {
		s.logger.Warn("failed to read host boot time", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, statusResponse{
		SolManagerVersion: version.SolManager,
		SDKVersion:        version.SDK,
		SolVersion:        version.Sol,
		Uptime:            uptime,
		UTC:               now.Unix(),
		Date:              now.Format(time.RFC3339),
		LastReboot:        lastReboot,
		Stats:             s.stats.Snapshot(),
	})
}

// resendRequest is the body of POST /api/v1/resend.json.
type resendRequest struct {
	Action         *string `json:"action"`
	StartTimestamp *int64  `json:"startTimestamp"`
	EndTimestamp   *int64  `json:"endTimestamp"`
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch {
	case req.Action == nil:
		errJSON(w, http.StatusBadRequest, "Missing field action")
		return
	case req.StartTimestamp == nil:
		errJSON(w, http.StatusBadRequest, "Missing field startTimestamp")
		return
	case req.EndTimestamp == nil:
		errJSON(w, http.StatusBadRequest, "Missing field endTimestamp")
		return
	}

	switch *req.Action {
	case "count", "resend":
	default:
		errJSON(w, http.StatusBadRequest, fmt.Sprintf("Unknown action %s", *req.Action))
		return
	}

	objs, err := s.backup.Scan(*req.StartTimestamp, *req.EndTimestamp)
	if err != nil {
		s.logger.Error("backup scan failed", zap.Error(err))
		errJSON(w, http.StatusInternalServerError, "backup file scan failed")
		return
	}

	if *req.Action == "resend" {
		for _, o := range objs {
			s.pubSrv.Publish(o)
		}
		s.logger.Info("objects requeued for upstream resend",
			zap.Int("objects", len(objs)),
			zap.Int64("start", *req.StartTimestamp),
			zap.Int64("end", *req.EndTimestamp),
		)
	}

	writeJSON(w, http.StatusOK, map[string]int{"numObjects": len(objs)})
}

func (s *Server) handleRawCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Manager *int           `json:"manager"`
		Command *string        `json:"command"`
		Fields  map[string]any `json:"fields"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Manager == nil || req.Command == nil {
		errJSON(w, http.StatusBadRequest, "Missing parameter.")
		return
	}

	resp, err := s.mgr.IssueRaw(r.Context(), manager.RawRequest{
		Manager: *req.Manager,
		Command: *req.Command,
		Fields:  req.Fields,
	})
	if err != nil {
		errJSON(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSnapshot returns the cached snapshot if one exists; otherwise it
// starts a collection in the background and acknowledges, so the caller is
// never blocked behind the full iterative query protocol. The collection is
// tied to the server's lifetime and the collector coalesces repeated
// triggers, so hammering the endpoint cannot stack walks.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if obj, ok := s.snap.Last(); ok {
		writeJSON(w, http.StatusOK, obj)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.lifetime(), 5*time.Minute)
		defer cancel()
		s.snap.Collect(ctx)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "snapshot started"})
}
