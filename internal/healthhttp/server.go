// Package healthhttp serves the operational surface for a long-running
// client process: GET /healthz reports dispatcher liveness and the current
// association state, and GET /metrics exposes the prometheus registry.
package healthhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otcheredev/dicom-assoc-client/internal/metrics"
)

// StatusProvider reports the dispatcher's liveness for /healthz. It is
// satisfied by *dicomclient.Client without either package importing the
// other; cmd/dicomclient wires the two together.
type StatusProvider interface {
	Alive() bool
	AssociationState() string
}

// Server wraps an http.Server exposing /healthz and /metrics.
type Server struct {
	http *http.Server
}

type healthResponse struct {
	Status            string `json:"status"`
	AssociationState  string `json:"association_state"`
	Time              string `json:"time"`
}

// New builds a Server bound to addr, reporting status from provider.
func New(addr string, provider StatusProvider) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := "ok"
		code := http.StatusOK
		if provider == nil || !provider.Alive() {
			status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		assocState := "none"
		if provider != nil {
			assocState = provider.AssociationState()
		}
		json.NewEncoder(w).Encode(healthResponse{
			Status:           status,
			AssociationState: assocState,
			Time:             time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return &Server{http: &http.Server{Addr: addr, Handler: r}}
}

// ListenAndServe blocks serving until the server is shut down or fails.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// finish or ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
