package router

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	v1 "github.com/tinwald/claimpull/api/v1"
	"github.com/tinwald/claimpull/internal/auth"
)

// Pinger reports whether the backing store is reachable. The readiness
// probe fails until it is.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New sets up the application routes and required middleware.
func New(logger *slog.Logger, svc v1.SessionService, str v1.Streamer, store Pinger) *mux.Router {

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			logger.Error("readiness check", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ready")); err != nil {
			logger.Error("write readyz response", "err", err)
		}
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	sessionHandler := v1.NewSessionHandler(logger, svc, str)

	r.Use(v1.RequestID)
	r.Use(sessionHandler.Log)
	r.Use(auth.Middleware)

	api := r.PathPrefix("/v1").Subrouter()

	// GETs
	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/sessions", sessionHandler.ListSessions)
	get.HandleFunc("/sessions/{id}", sessionHandler.GetSession)
	get.HandleFunc("/sessions/{id}/progress", sessionHandler.GetProgress)
	get.HandleFunc("/sessions/{id}/files", sessionHandler.ListFiles)
	get.HandleFunc("/sessions/{id}/stream", sessionHandler.StreamEvents)

	// POSTs. Create and cancel carry different body shapes, so each
	// route wraps its own validation middleware.
	post := api.Methods("POST").Subrouter()
	post.Handle("/sessions", v1.MiddlewareCreateValidation(http.HandlerFunc(sessionHandler.CreateSession)))
	post.Handle("/sessions/{id}/cancel", v1.MiddlewareCancelValidation(http.HandlerFunc(sessionHandler.CancelSession)))
	post.HandleFunc("/sessions/{id}/resume", sessionHandler.ResumeSession)

	return r
}
