// Package api exposes capture control, status and settings over local HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/pastebarcode/pastebarcode/internal/capture"
	"github.com/pastebarcode/pastebarcode/internal/config"
	"github.com/pastebarcode/pastebarcode/internal/logger"
	"github.com/pastebarcode/pastebarcode/internal/output"
	"github.com/pastebarcode/pastebarcode/internal/scanner"
)

// Version is reported by the health endpoint
var Version = "0.1.0"

// Controller is the capture surface the server drives
type Controller interface {
	Options() []string
	SetOption(label string) error
	Start() error
	Stop() error
	Selected() string
	Status() capture.Status
}

// ConfigStore is the settings surface the server reads and writes
type ConfigStore interface {
	Settings() config.Config
	Get(key string) (interface{}, error)
	Set(key, raw string) error
	SetCapture(label string) error
}

// ScanStats reports scanner counters
type ScanStats interface {
	Stats() scanner.Stats
}

// Status is the combined capture and scanner state
type Status struct {
	capture.Status
	Scanner *scanner.Stats `json:"scanner,omitempty"`
	Preview *output.Stats  `json:"preview,omitempty"`
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	capture   Controller
	configMgr ConfigStore
	scan      ScanStats
	preview   *output.MJPEGOutput
	upgrader  websocket.Upgrader
	httpSrv   *http.Server

	statusInterval time.Duration
	onConfig       func(config.Config)
}

// NewServer creates a new API server. scan and preview may be nil.
func NewServer(ctrl Controller, configMgr ConfigStore, scan ScanStats, preview *output.MJPEGOutput) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		capture:   ctrl,
		configMgr: configMgr,
		scan:      scan,
		preview:   preview,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local control surface
			},
		},
		statusInterval: time.Second,
	}

	s.setupRoutes()
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// OnConfigChange registers a hook called with the new settings after every
// successful PUT /api/config/{key}
func (s *Server) OnConfigChange(fn func(config.Config)) {
	s.onConfig = fn
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Capture control
	api.HandleFunc("/options", s.handleGetOptions).Methods("GET")
	api.HandleFunc("/option", s.handleSetOption).Methods("PUT")
	api.HandleFunc("/capture/start", s.handleStart).Methods("POST")
	api.HandleFunc("/capture/stop", s.handleStop).Methods("POST")

	// State
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/status/stream", s.handleStatusStream)

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config/{key}", s.handleGetConfigKey).Methods("GET")
	api.HandleFunc("/config/{key}", s.handleSetConfigKey).Methods("PUT")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.preview != nil {
		api.HandleFunc("/preview/stats", s.preview.GetStatsHandler()).Methods("GET")
		s.router.HandleFunc("/stream", s.preview.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/snapshot", s.preview.GetSnapshotHandler()).Methods("GET")
		s.router.HandleFunc("/", s.preview.GetViewerHandler()).Methods("GET")
	}
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start listens on port and serves until Shutdown
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	logger.WithComponent("api").Info().Str("addr", "http://"+ln.Addr().String()).Msg("Control server listening")
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for requests up to ctx
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HTTP Handlers

func (s *Server) handleGetOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"options":  s.capture.Options(),
		"selected": s.capture.Selected(),
	})
}

func (s *Server) handleSetOption(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Option string `json:"option"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.capture.SetOption(req.Option); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, capture.ErrUnknownOption) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	if err := s.configMgr.SetCapture(req.Option); err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("Failed to persist capture selection")
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "success",
		"selected": s.capture.Selected(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.capture.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, capture.ErrNoCapturerSelected) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.capture.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) status() Status {
	st := Status{Status: s.capture.Status()}
	if s.scan != nil {
		stats := s.scan.Stats()
		st.Scanner = &stats
	}
	if s.preview != nil {
		stats := s.preview.Stats()
		st.Preview = &stats
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// handleStatusStream pushes the status over a websocket at a fixed interval
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	// Reads only detect the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.status()); err != nil {
			log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Settings())
}

func (s *Server) handleGetConfigKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	v, err := s.configMgr.Get(key)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": v})
}

func (s *Server) handleSetConfigKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Accept both "value": "1.5" and "value": 1.5
	raw := string(req.Value)
	var str string
	if err := json.Unmarshal(req.Value, &str); err == nil {
		raw = str
	}

	if err := s.configMgr.Set(key, raw); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, config.ErrUnknownKey) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	if s.onConfig != nil {
		s.onConfig(s.configMgr.Settings())
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}
