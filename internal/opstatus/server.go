// Package opstatus exposes a minimal HTTP status/control surface
// (/healthz, /status, /reload) for moverstatusd.
package opstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/engels74/mover-status-sub003/internal/config"
	"github.com/engels74/mover-status-sub003/internal/statemachine"
)

// StateReporter is the read-only view of the orchestrator the status
// surface needs. Implemented by *orchestrator.Orchestrator.
type StateReporter interface {
	State() statemachine.State
}

// ConfigReloader re-reads, validates, and applies the on-disk
// configuration, mirroring the SIGHUP hot-reload contract: on failure the
// caller keeps running the old config. Returns the config that took
// effect.
type ConfigReloader func() (*config.Config, error)

// Server is the HTTP status/control surface.
type Server struct {
	addr     string
	log      *zap.Logger
	reporter StateReporter
	reload   ConfigReloader
	startedAt time.Time

	httpServer *http.Server
}

// New constructs a Server bound to addr. reload may be nil, in which case
// /reload responds 501.
func New(addr string, log *zap.Logger, reporter StateReporter, reload ConfigReloader) *Server {
	return &Server{addr: addr, log: log, reporter: reporter, reload: reload, startedAt: time.Now()}
}

// Serve blocks serving the status surface until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Post("/reload", s.handleReload)

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	State        string `json:"state"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:         string(s.reporter.State()),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type reloadResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// Applied non-destructive fields, echoed so the operator can confirm
	// what took effect without tailing logs.
	LogLevel           string  `json:"log_level,omitempty"`
	MinChangeThreshold float64 `json:"min_change_threshold,omitempty"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		http.Error(w, "reload not supported", http.StatusNotImplemented)
		return
	}
	applied, err := s.reload()
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		s.log.Error("opstatus: config reload failed, retaining old config", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(reloadResponse{OK: false, Error: err.Error()})
		return
	}
	s.log.Info("opstatus: config reload applied",
		zap.String("log_level", applied.Observability.LogLevel),
		zap.Float64("min_change_threshold", applied.Progress.MinChangeThreshold))
	_ = json.NewEncoder(w).Encode(reloadResponse{
		OK:                 true,
		LogLevel:           applied.Observability.LogLevel,
		MinChangeThreshold: applied.Progress.MinChangeThreshold,
	})
}
