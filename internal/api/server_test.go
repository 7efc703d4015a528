package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pastebarcode/pastebarcode/internal/capture"
	"github.com/pastebarcode/pastebarcode/internal/config"
	"github.com/pastebarcode/pastebarcode/internal/output"
	"github.com/pastebarcode/pastebarcode/internal/scanner"
)

type fakeController struct {
	mu        sync.Mutex
	options   []string
	selected  string
	capturing bool
	frames    uint64
}

func (f *fakeController) Options() []string {
	return f.options
}

func (f *fakeController) SetOption(label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.options {
		if o == label {
			f.selected = label
			return nil
		}
	}
	return &capture.OptionError{Label: label}
}

func (f *fakeController) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selected == "" {
		return capture.ErrNoCapturerSelected
	}
	f.capturing = true
	return nil
}

func (f *fakeController) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capturing = false
	return nil
}

func (f *fakeController) Selected() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selected
}

func (f *fakeController) Status() capture.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return capture.Status{Selected: f.selected, Capturing: f.capturing, FramesDelivered: f.frames}
}

type fakeStats struct{}

func (fakeStats) Stats() scanner.Stats {
	return scanner.Stats{Emitted: 3, LastCode: "4006381333931"}
}

type fixture struct {
	srv     *Server
	ctrl    *fakeController
	cfg     *config.Manager
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	ctrl := &fakeController{options: []string{"Local Camera: Webcam", "Local Network Web"}}
	srv := NewServer(ctrl, cfg, fakeStats{}, output.NewMJPEGOutput(output.Config{}))
	return &fixture{srv: srv, ctrl: ctrl, cfg: cfg, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestOptionsAndSelect(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/options", nil)
	var opts struct {
		Options  []string `json:"options"`
		Selected string   `json:"selected"`
	}
	decode(t, rec, &opts)
	if len(opts.Options) != 2 || opts.Selected != "" {
		t.Fatalf("options = %+v", opts)
	}

	rec = f.do(t, "PUT", "/api/option", map[string]string{"option": "Local Network Web"})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /api/option = %d %s", rec.Code, rec.Body)
	}
	if got := f.cfg.Settings().Capture; got != "Local Network Web" {
		t.Errorf("persisted capture = %q", got)
	}

	rec = f.do(t, "PUT", "/api/option", map[string]string{"option": "Scanner Gun"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown option status = %d", rec.Code)
	}
	var e struct {
		Error string `json:"error"`
	}
	decode(t, rec, &e)
	if !strings.Contains(e.Error, "Scanner Gun") {
		t.Errorf("error %q does not name the label", e.Error)
	}
	if f.ctrl.Selected() != "Local Network Web" || f.cfg.Settings().Capture != "Local Network Web" {
		t.Error("failed selection changed state")
	}

	rec = f.do(t, "PUT", "/api/option", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, "POST", "/api/capture/start", nil); rec.Code != http.StatusConflict {
		t.Errorf("start without selection = %d, want 409", rec.Code)
	}

	f.ctrl.SetOption("Local Camera: Webcam")
	if rec := f.do(t, "POST", "/api/capture/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start = %d", rec.Code)
	}

	var st struct {
		Selected  string         `json:"selected"`
		Capturing bool           `json:"capturing"`
		Scanner   *scanner.Stats `json:"scanner"`
		Preview   *output.Stats  `json:"preview"`
	}
	decode(t, f.do(t, "GET", "/api/status", nil), &st)
	if !st.Capturing || st.Selected != "Local Camera: Webcam" {
		t.Errorf("status = %+v", st)
	}
	if st.Scanner == nil || st.Scanner.Emitted != 3 || st.Preview == nil {
		t.Errorf("status missing scanner or preview: %+v", st)
	}

	if rec := f.do(t, "POST", "/api/capture/stop", nil); rec.Code != http.StatusOK {
		t.Fatalf("stop = %d", rec.Code)
	}
	if f.ctrl.Status().Capturing {
		t.Error("still capturing after stop")
	}

	if rec := f.do(t, "GET", "/api/capture/start", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET start = %d, want 405", rec.Code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t)

	var hooked []config.Config
	f.srv.OnConfigChange(func(c config.Config) { hooked = append(hooked, c) })

	tests := []struct {
		key      string
		value    interface{}
		wantCode int
	}{
		{"lock_interval", 2.5, http.StatusOK},
		{"flip_frames", "true", http.StatusOK},
		{"press_enter", false, http.StatusOK},
		{"server_port", "nope", http.StatusBadRequest},
		{"window_geo", "center", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := f.do(t, "PUT", "/api/config/"+tt.key, map[string]interface{}{"value": tt.value})
		if rec.Code != tt.wantCode {
			t.Errorf("PUT %s = %d %s, want %d", tt.key, rec.Code, rec.Body, tt.wantCode)
		}
	}

	if len(hooked) != 3 {
		t.Fatalf("hook called %d times, want 3", len(hooked))
	}
	last := hooked[2]
	if last.LockInterval != 2.5 || !last.FlipFrames || last.PressEnter {
		t.Errorf("hooked settings = %+v", last)
	}

	var cfg config.Config
	decode(t, f.do(t, "GET", "/api/config", nil), &cfg)
	if cfg.LockInterval != 2.5 || cfg.Bridge.Port != 5000 {
		t.Errorf("GET /api/config = %+v", cfg)
	}

	var kv struct {
		Key   string      `json:"key"`
		Value interface{} `json:"value"`
	}
	decode(t, f.do(t, "GET", "/api/config/bridge.port", nil), &kv)
	if kv.Key != "bridge.port" || kv.Value != float64(5000) {
		t.Errorf("GET /api/config/bridge.port = %+v", kv)
	}
}

func TestHealthAndCORS(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/health", nil)
	var h map[string]string
	decode(t, rec, &h)
	if h["status"] != "healthy" {
		t.Errorf("health = %v", h)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}

	rec = f.do(t, "OPTIONS", "/api/option", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("preflight = %d", rec.Code)
	}
}

func TestViewerRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/api/options") {
		t.Errorf("viewer = %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/snapshot", nil); rec.Code != http.StatusNotFound {
		t.Errorf("snapshot before frames = %d, want 404", rec.Code)
	}

	bare := NewServer(f.ctrl, f.cfg, nil, nil)
	rec = httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/stream", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("stream without preview = %d, want 404", rec.Code)
	}
}

func TestStatusStream(t *testing.T) {
	f := newFixture(t)
	f.srv.statusInterval = 10 * time.Millisecond
	f.ctrl.SetOption("Local Network Web")

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/status/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2; i++ {
		var st struct {
			Selected string `json:"selected"`
		}
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if st.Selected != "Local Network Web" {
			t.Errorf("selected = %q", st.Selected)
		}
	}
}

func TestServeAndShutdown(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if err := f.srv.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil after Shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
