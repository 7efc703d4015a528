package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	return img
}

func TestWriteFrame_NotRunning(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	if err := m.WriteFrame(testFrame(4, 4)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("WriteFrame before Start = %v, want ErrNotRunning", err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err == nil {
		t.Error("second Start should fail")
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteFrame(testFrame(4, 4)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("WriteFrame after Stop = %v, want ErrNotRunning", err)
	}
}

func TestSnapshot(t *testing.T) {
	m := NewMJPEGOutput(Config{Quality: 70})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	srv := httptest.NewServer(m.GetSnapshotHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status before first frame = %d, want 404", resp.StatusCode)
	}

	if err := m.WriteFrame(testFrame(32, 24)); err != nil {
		t.Fatal(err)
	}

	resp, err = http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	img, err := jpeg.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("snapshot size = %v", b)
	}

	st := m.Stats()
	if st.Frames != 1 || st.Encoded != 1 || st.Width != 32 || st.Height != 24 {
		t.Errorf("Stats() = %+v", st)
	}

	// A second snapshot of the same frame reuses the encoding
	if _, err := m.Snapshot(); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats().Encoded; got != 1 {
		t.Errorf("Encoded = %d after repeated snapshot, want 1", got)
	}
}

func TestWriteFrame_NoClientsSkipsEncode(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	m.Start()
	defer m.Stop()

	for i := 0; i < 5; i++ {
		if err := m.WriteFrame(testFrame(8, 8)); err != nil {
			t.Fatal(err)
		}
	}
	st := m.Stats()
	if st.Frames != 5 || st.Encoded != 0 {
		t.Errorf("Stats() = %+v, want 5 frames and no encodes", st)
	}
}

func readPart(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	tp := textproto.NewReader(r)
	boundary, err := tp.ReadLine()
	if err != nil {
		t.Fatalf("read boundary: %v", err)
	}
	if boundary != "--frame" {
		t.Fatalf("boundary = %q", boundary)
	}
	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		t.Fatalf("read part header: %v", err)
	}
	if ct := hdr.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("part Content-Type = %q", ct)
	}
	n, err := strconv.Atoi(hdr.Get("Content-Length"))
	if err != nil {
		t.Fatalf("part Content-Length: %v", err)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		t.Fatalf("read part body: %v", err)
	}
	return data
}

func TestStream(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	m.Start()

	srv := httptest.NewServer(m.GetHTTPHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Clients == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	go m.WriteFrame(testFrame(16, 16))

	data := readPart(t, bufio.NewReader(resp.Body))
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("stream part is not a JPEG: %v", err)
	}

	// Stop closes client channels, which ends the response
	m.Stop()
	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, resp.Body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after Stop")
	}
}

func TestStream_NotRunning(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	rec := httptest.NewRecorder()
	m.GetHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestFPSThrottle(t *testing.T) {
	m := NewMJPEGOutput(Config{FPS: 1})
	m.Start()
	defer m.Stop()

	// Register a client directly so frames are eligible for encoding
	ch := make(chan []byte, 4)
	m.clientsMu.Lock()
	m.clients[ch] = struct{}{}
	m.clientsMu.Unlock()

	for i := 0; i < 3; i++ {
		m.WriteFrame(testFrame(8, 8))
	}
	if got := m.Stats().Encoded; got != 1 {
		t.Errorf("Encoded = %d with 1 fps cap, want 1", got)
	}
	if len(ch) != 1 {
		t.Errorf("client received %d frames, want 1", len(ch))
	}
}

func TestViewerAndStatsHandlers(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	m.Start()
	defer m.Stop()

	rec := httptest.NewRecorder()
	m.GetViewerHandler()(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(rec.Body.String(), `src="/stream"`) {
		t.Error("viewer page does not embed the stream")
	}

	rec = httptest.NewRecorder()
	m.GetStatsHandler()(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var st Stats
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Running {
		t.Errorf("stats = %+v, want running", st)
	}
}

func TestOutputInterface(t *testing.T) {
	var _ Output = NewMJPEGOutput(Config{})
}
