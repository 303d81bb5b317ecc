// Package api serves Prometheus metrics, the live session snapshot and
// run mode control over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tkjaer/hopwatch/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Controller is the probe engine as seen by the API. *probe.Manager
// satisfies it.
type Controller interface {
	Snapshot() *session.Snapshot
	Command(c session.Command) error
}

// NewRouter returns the API handler. A nil gatherer serves the default
// registry.
func NewRouter(c Controller, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := c.Snapshot().Save(w); err != nil {
			slog.Warn("Failed to write snapshot", "error", err)
		}
	})
	r.Post("/control/{command}", func(w http.ResponseWriter, r *http.Request) {
		cmd, err := session.ParseCommand(chi.URLParam(r, "command"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err := c.Command(cmd); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, session.ErrInvalidTransition) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"mode": c.Snapshot().ModeName()})
	})
	return r
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// Server is the API HTTP server.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr. Use "127.0.0.1:0" for an ephemeral port.
func Listen(addr string, h http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		srv: &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.srv.Serve(s.ln)
	}()
	slog.Info("API listening", "addr", s.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
