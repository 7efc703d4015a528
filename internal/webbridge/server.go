// Package webbridge receives camera stills pushed by a phone browser over a
// TLS websocket and turns them into frames.
package webbridge

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

//go:embed page.html
var pageHTML []byte

const (
	// maxMessageSize bounds one inbound frame message
	maxMessageSize = 16 << 20

	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 5 * time.Second
)

// Config holds the bridge listener settings
type Config struct {
	Host     string
	Port     int
	CertFile string
	KeyFile  string
	// Ack makes the server answer every decoded frame with {"event":"ack"}
	Ack bool
}

// Addr returns host:port
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// message is the JSON envelope sent by the phone page
type message struct {
	Event string `json:"event"`
	Data  string `json:"data,omitempty"`
}

// Stats counts inbound messages over the server lifetime
type Stats struct {
	Received uint64 `json:"received"`
	Decoded  uint64 `json:"decoded"`
	Dropped  uint64 `json:"dropped"`
	Clients  int    `json:"clients"`
}

// Server is a single-use frame bridge. Serve may be called once; after
// Shutdown a new Server is needed.
type Server struct {
	cfg      Config
	router   *mux.Router
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	deliver atomic.Pointer[func(*image.RGBA)]

	mu      sync.Mutex
	closing bool
	conns   map[string]*websocket.Conn
	wg      sync.WaitGroup

	received atomic.Uint64
	decoded  atomic.Uint64
	dropped  atomic.Uint64
}

// NewServer creates a bridge server
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin: func(r *http.Request) bool {
				return true // The page is served by this same bridge, usually by IP
			},
		},
		conns: make(map[string]*websocket.Conn),
	}

	s.setupRoutes()
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
	s.router.HandleFunc("/socket", s.handleSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on the configured address with TLS and blocks until
// Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Serve(deliver func(*image.RGBA)) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}

	s.setDeliver(deliver)

	logger.WithComponent("webbridge").Info().
		Str("addr", s.cfg.Addr()).
		Strs("urls", s.urls()).
		Msg("Bridge listening, open a URL on the phone")

	return s.httpSrv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
}

// ServeListener serves on an existing listener, which may already wrap TLS
func (s *Server) ServeListener(ln net.Listener, deliver func(*image.RGBA)) error {
	s.setDeliver(deliver)
	return s.httpSrv.Serve(ln)
}

func (s *Server) setDeliver(fn func(*image.RGBA)) {
	if fn == nil {
		s.deliver.Store(nil)
		return
	}
	s.deliver.Store(&fn)
}

// Shutdown stops accepting connections, closes every open socket and waits
// for in-flight messages to finish, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	log := logger.WithComponent("webbridge")

	s.mu.Lock()
	s.closing = true
	for id, conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		log.Debug().Str("conn_id", id).Msg("Closed client socket")
	}
	s.mu.Unlock()

	err := s.httpSrv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	st := s.Stats()
	log.Info().
		Uint64("received", st.Received).
		Uint64("decoded", st.Decoded).
		Uint64("dropped", st.Dropped).
		Msg("Bridge stopped")
	return err
}

// Stats returns message counters
func (s *Server) Stats() Stats {
	s.mu.Lock()
	clients := len(s.conns)
	s.mu.Unlock()
	return Stats{
		Received: s.received.Load(),
		Decoded:  s.decoded.Load(),
		Dropped:  s.dropped.Load(),
		Clients:  clients,
	}
}

func (s *Server) urls() []string {
	hosts := []string{s.cfg.Host}
	if ip := net.ParseIP(s.cfg.Host); ip != nil && ip.IsUnspecified() {
		hosts = LocalAddresses()
	}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, "https://"+net.JoinHostPort(h, fmt.Sprint(s.cfg.Port))+"/")
	}
	return out
}

// track registers a socket unless the server is closing
func (s *Server) track(id string, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[id] = conn
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	s.wg.Done()
}

// HTTP Handlers

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(pageHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Stats())
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("webbridge")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade error")
		return
	}

	id := uuid.NewString()
	if !s.track(id, conn) {
		conn.Close()
		return
	}
	defer s.untrack(id)
	defer conn.Close()

	log.Info().Str("conn_id", id).Str("remote", r.RemoteAddr).Msg("Phone connected")

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(conn, stopPing)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", id).Msg("Socket read ended")
			}
			log.Info().Str("conn_id", id).Msg("Phone disconnected")
			return
		}
		// Any message counts as liveness
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if !s.handleMessage(id, kind, data) {
			continue
		}
		if s.cfg.Ack {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(message{Event: "ack"}); err != nil {
				log.Debug().Err(err).Str("conn_id", id).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handleMessage decodes one inbound message and delivers at most one frame.
// It reports whether a frame was delivered.
func (s *Server) handleMessage(connID string, kind int, data []byte) bool {
	log := logger.WithComponent("webbridge")
	s.received.Add(1)

	img, err := decodeMessage(kind, data)
	if err != nil {
		s.dropped.Add(1)
		log.Debug().Err(err).Str("conn_id", connID).Int("bytes", len(data)).Msg("Dropping undecodable frame")
		return false
	}
	if img == nil {
		// Non-frame event
		return false
	}

	s.decoded.Add(1)
	if p := s.deliver.Load(); p != nil {
		(*p)(img)
	}
	return true
}

var errUnknownEvent = errors.New("unknown event")

// decodeMessage accepts a JSON envelope, a bare data URI, or raw image bytes
func decodeMessage(kind int, data []byte) (*image.RGBA, error) {
	if kind == websocket.BinaryMessage {
		return DecodeImage(data)
	}

	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, "{") {
		return DecodeDataURI(text)
	}

	var msg message
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	switch msg.Event {
	case "frame":
		return DecodeDataURI(msg.Data)
	case "hello", "ping":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, msg.Event)
	}
}
