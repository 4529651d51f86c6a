package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kioskd/kioskd/pkg/dispatch"
	"github.com/kioskd/kioskd/pkg/kiosk"
	"github.com/kioskd/kioskd/pkg/telemetry"
)

// Server is the kiosk HTTP API: plugin dispatch, system status, and a
// liveness probe.
type Server struct {
	listen string
	orch   *kiosk.Orchestrator
	log    *telemetry.Logger
	http   *http.Server
}

// New creates the API server.
func New(listen string, orch *kiosk.Orchestrator, log *telemetry.Logger) *Server {
	s := &Server{
		listen: listen,
		orch:   orch,
		log:    log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/plugins/{plugin}", s.handleDispatch)
	mux.HandleFunc("GET /api/plugins/{plugin}/{endpoint}", s.handleDispatch)
	mux.HandleFunc("GET /api/system/status", s.handleStatus)
	mux.HandleFunc("GET /api/system/journal", s.handleJournal)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.http = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("API server listening on %s", s.listen)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// handleDispatch routes /api/plugins/{plugin}[/{endpoint}] to the
// dispatcher. Query parameters become the handler's request parameters.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	plugin := r.PathValue("plugin")
	endpoint := r.PathValue("endpoint")

	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	result := s.orch.Dispatcher().Dispatch(r.Context(), plugin, endpoint, params)
	switch result.Outcome {
	case dispatch.OutcomeOK:
		s.writeJSON(w, http.StatusOK, result.Payload)
	case dispatch.OutcomeNotFound:
		s.writeError(w, http.StatusNotFound, "no such plugin or endpoint")
	default:
		msg := "handler failed"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		s.writeError(w, http.StatusInternalServerError, msg)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Status(r.Context()))
}

// handleJournal returns recent dispatch journal entries. 404 when the
// journal is disabled.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	store := s.orch.Journal()
	if store == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	entries, err := store.Recent(r.Context(), 100)
	if err != nil {
		s.log.WithError(err).Error("journal query failed")
		s.writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Debug("response write failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
