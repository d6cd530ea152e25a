// Package server exposes the bridge control API consumed by the front end:
// start/stop/state plus an ordered state-change notification feed. It is a
// thin shell; every decision lives in the bridge.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qualisys/qualisys-lsl-app/internal/bridge"
	"github.com/qualisys/qualisys-lsl-app/internal/config"
)

// New constructs the HTTP handler for the control API.
func New(b *bridge.Bridge, cfg config.BridgeConfig) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Post("/api/start", handleStart(b))
	r.Post("/api/stop", handleStop(b))
	r.Get("/api/state", handleState(b))
	r.Get("/api/events", handleEvents(b))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type startRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handleStart(b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}
		if req.Host == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "host is required"})
			return
		}
		if err := b.Start(r.Context(), req.Host, req.Port); err != nil {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, b.Status())
	}
}

func handleStop(b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := b.Stop(); err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, b.Status())
	}
}

func handleState(b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.Status())
	}
}
