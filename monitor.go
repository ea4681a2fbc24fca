package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"

	"github.com/Tutortoise/people-counter-service/emitter"
	"github.com/Tutortoise/people-counter-service/inference"
	"github.com/Tutortoise/people-counter-service/logger"
	"github.com/Tutortoise/people-counter-service/occupancy"
)

const shutdownTimeout = 5 * time.Second

// Stats sources for the monitor. Any of them may be nil.
type AppState struct {
	Session  interface{ Stats() inference.SessionStats }
	Tracker  interface{ Snapshot() occupancy.Snapshot }
	Emitter  interface{ Stats() emitter.Stats }
	Pipeline interface{ Metrics() PipelineMetrics }
	Started  time.Time
}

type MetricsResponse struct {
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Pipeline      *PipelineMetrics        `json:"pipeline,omitempty"`
	Session       *inference.SessionStats `json:"session,omitempty"`
	Occupancy     *occupancy.Snapshot     `json:"occupancy,omitempty"`
	MQTT          *emitter.Stats          `json:"mqtt,omitempty"`
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := MetricsResponse{UptimeSeconds: time.Since(s.Started).Seconds()}
	if s.Pipeline != nil {
		m := s.Pipeline.Metrics()
		response.Pipeline = &m
	}
	if s.Session != nil {
		st := s.Session.Stats()
		response.Session = &st
	}
	if s.Tracker != nil {
		snap := s.Tracker.Snapshot()
		response.Occupancy = &snap
	}
	if s.Emitter != nil {
		st := s.Emitter.Stats()
		response.MQTT = &st
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.Emitter != nil && !s.Emitter.Stats().Connected {
		status, code = "mqtt disconnected", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Named("monitor").Warnw("write monitor response", "error", err)
	}
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	s.addMonitoringRoutes(r)
	return r
}

// Serve runs the monitoring server on addr until ctx is cancelled.
func (s *AppState) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "monitor listen on %s", addr)
	}

	srv := &http.Server{
		Handler:      s.Router(),
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	log := logger.Named("monitor")
	log.Infow("serving metrics", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "monitor server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "monitor shutdown")
	}
	return nil
}
