package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/capture/nvfbc"
	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/output"
	"github.com/bryanchriswhite/framegrab/internal/stream"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Capture is the part of the frame pump the API drives.
type Capture interface {
	Status() stream.Status
	Reinitialize() error
	Subscribe() chan stream.Status
	Unsubscribe(ch chan stream.Status)
}

// Server represents the HTTP API server
type Server struct {
	router     *mux.Router
	capture    Capture
	configMgr  *config.Manager
	mjpeg      *output.MJPEGOutput
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer creates a new API server. mjpeg may be nil, in which case the
// stream routes are not registered.
func NewServer(capture Capture, configMgr *config.Manager, mjpeg *output.MJPEGOutput) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		capture:   capture,
		configMgr: configMgr,
		mjpeg:     mjpeg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Capture
	api.HandleFunc("/capture/status", s.handleCaptureStatus).Methods("GET")
	api.HandleFunc("/capture/reinit", s.handleCaptureReinit).Methods("POST")
	api.HandleFunc("/capture/events", s.handleCaptureEvents)

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.configMgr == nil || s.configMgr.Get().Metrics.Enabled {
		s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	if s.mjpeg != nil {
		s.router.HandleFunc("/stream", s.mjpeg.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/stream/stats", s.mjpeg.GetStatsHandler()).Methods("GET")
		s.router.HandleFunc("/", s.mjpeg.GetViewerHandler()).Methods("GET")
	}
}

// Handler returns the router wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown is called.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithComponent("api").Info().Int("port", port).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for open requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write response")
	}
}

// HTTP Handlers

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.capture.Status())
}

func (s *Server) handleCaptureReinit(w http.ResponseWriter, r *http.Request) {
	if err := s.capture.Reinitialize(); err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("Forced re-initialization failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": err.Error(),
			"class": nvfbc.Classify(err).String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, s.capture.Status())
}

func (s *Server) handleCaptureEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates := s.capture.Subscribe()
	defer s.capture.Unsubscribe(updates)

	// Detect the client going away; the read loop ends on close or error.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.capture.Status()); err != nil {
		log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}

	for {
		select {
		case <-closed:
			return
		case status, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(status); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

// handleUpdateConfig applies a flat map of dotted keys, e.g.
// {"stream.fps": 15}.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.configMgr.Update(values); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.capture.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": Version,
		"backend": status.Backend,
		"ready":   status.Ready,
	})
}
