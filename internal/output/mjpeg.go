package output

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

//go:embed viewer.html
var viewerHTML []byte

// ErrNotRunning is returned by WriteFrame before Start or after Stop
var ErrNotRunning = errors.New("MJPEG output not running")

// Stats describes the preview stream
type Stats struct {
	Running    bool      `json:"running"`
	Frames     uint64    `json:"frames"`
	Encoded    uint64    `json:"encoded"`
	Clients    int       `json:"clients"`
	LastUpdate time.Time `json:"last_update,omitempty"`
	Uptime     string    `json:"uptime,omitempty"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
}

// MJPEGOutput serves the annotated preview as a multipart JPEG stream. Frames
// are encoded only while a viewer is connected or a snapshot is requested.
type MJPEGOutput struct {
	config Config

	mu         sync.RWMutex
	running    bool
	startTime  time.Time
	frameCount uint64
	encoded    uint64
	lastEncode time.Time

	// Latest frame, encoded lazily for snapshots
	frameMu     sync.RWMutex
	latest      *image.RGBA
	latestJPEG  []byte
	lastUpdate  time.Time
	jpegCurrent bool

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}
}

// NewMJPEGOutput creates a stopped preview sink; Quality defaults to 80
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 80
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
	}
}

// Start accepts frames and viewers
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount = 0
	m.encoded = 0

	logger.WithComponent("mjpeg").Info().Int("fps_cap", m.config.FPS).Msg("Preview output started")
	return nil
}

// Stop cleanly shuts down the output and disconnects every client
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Uint64("frames", m.frameCount).Msg("Preview output stopped")
	return nil
}

// WriteFrame stores the frame and broadcasts it to connected clients. The
// frame must not be modified afterwards. Frames arriving faster than the
// FPS cap, or while nobody watches, are not encoded.
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.frameCount++
	now := time.Now()
	throttled := m.config.FPS > 0 && now.Sub(m.lastEncode) < time.Second/time.Duration(m.config.FPS)
	m.mu.Unlock()

	m.frameMu.Lock()
	m.latest = frame
	m.lastUpdate = now
	m.jpegCurrent = false
	m.frameMu.Unlock()

	if throttled || m.clientCount() == 0 {
		return nil
	}

	jpegData, err := m.encode(frame)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.lastEncode = now
	m.mu.Unlock()

	m.frameMu.Lock()
	if m.latest == frame {
		m.latestJPEG = jpegData
		m.jpegCurrent = true
	}
	m.frameMu.Unlock()

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

func (m *MJPEGOutput) encode(frame *image.RGBA) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: m.config.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	m.mu.Lock()
	m.encoded++
	m.mu.Unlock()
	return buf.Bytes(), nil
}

func (m *MJPEGOutput) clientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Snapshot returns the latest frame as JPEG, or nil before the first frame
func (m *MJPEGOutput) Snapshot() ([]byte, error) {
	m.frameMu.RLock()
	frame, data, current := m.latest, m.latestJPEG, m.jpegCurrent
	m.frameMu.RUnlock()

	if frame == nil {
		return nil, nil
	}
	if current {
		return data, nil
	}

	data, err := m.encode(frame)
	if err != nil {
		return nil, err
	}
	m.frameMu.Lock()
	if m.latest == frame {
		m.latestJPEG = data
		m.jpegCurrent = true
	}
	m.frameMu.Unlock()
	return data, nil
}

// Name implements Output
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning reports whether frames are accepted
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Stats returns a snapshot of stream counters
func (m *MJPEGOutput) Stats() Stats {
	m.mu.RLock()
	st := Stats{
		Running: m.running,
		Frames:  m.frameCount,
		Encoded: m.encoded,
	}
	if m.running {
		st.Uptime = time.Since(m.startTime).Round(time.Second).String()
	}
	m.mu.RUnlock()

	m.frameMu.RLock()
	st.LastUpdate = m.lastUpdate
	if m.latest != nil {
		st.Width = m.latest.Bounds().Dx()
		st.Height = m.latest.Bounds().Dy()
	}
	m.frameMu.RUnlock()

	st.Clients = m.clientCount()
	return st
}

// GetHTTPHandler streams every encoded frame to the client until it
// disconnects or the output stops
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithComponent("mjpeg")

		if !m.IsRunning() {
			http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log.Info().Int("clients", clientCount).Msg("Preview client connected")

		defer func() {
			m.clientsMu.Lock()
			if _, ok := m.clients[frameChan]; ok {
				delete(m.clients, frameChan)
			}
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Preview client disconnected")
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if err := writePart(w, jpegData); err != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\r\n")
	return err
}

// GetSnapshotHandler serves the latest frame as a single JPEG
func (m *MJPEGOutput) GetSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := m.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if data == nil {
			http.Error(w, "no frame yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
	}
}

// GetViewerHandler returns the preview page with capture controls
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(viewerHTML)
	}
}

// GetStatsHandler returns stream statistics as JSON
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	}
}
