package gstreamer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

const (
	launchBinary = "gst-launch-1.0"

	// Used when neither the caller nor the probe supplies dimensions
	fallbackWidth  = 640
	fallbackHeight = 480

	probeTimeout = 10 * time.Second
)

// Available reports whether gst-launch-1.0 is on PATH
func Available() bool {
	_, err := exec.LookPath(launchBinary)
	return err == nil
}

// Pipeline streams raw RGBA frames from a V4L2 node through a gst-launch-1.0
// subprocess. This avoids linking GStreamer through cgo.
type Pipeline struct {
	device string
	width  int
	height int

	cmd    *exec.Cmd
	reader *bufio.Reader
	buf    []byte

	mu     sync.Mutex
	killed bool
	waited chan struct{}
}

// Open starts a pipeline for device. Zero width or height asks the device for
// its negotiated size first.
func Open(device string, width, height int) (*Pipeline, error) {
	log := logger.WithComponent("gstreamer")

	if !Available() {
		return nil, fmt.Errorf("%s not found in PATH", launchBinary)
	}

	if width <= 0 || height <= 0 {
		w, h, err := probeDimensions(device)
		if err != nil {
			log.Warn().Err(err).Str("device", device).Msg("Failed to probe video dimensions, using defaults")
			w, h = fallbackWidth, fallbackHeight
		}
		width, height = w, h
	}

	args := pipelineArgs(device, width, height)
	log.Debug().Strs("args", args).Msg("Starting GStreamer subprocess")

	cmd := exec.Command(launchBinary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", launchBinary, err)
	}

	frameSize := width * height * 4
	p := &Pipeline{
		device: device,
		width:  width,
		height: height,
		cmd:    cmd,
		reader: bufio.NewReaderSize(stdout, frameSize*2),
		buf:    make([]byte, frameSize),
		waited: make(chan struct{}),
	}

	go logStderr(stderr)
	go func() {
		_ = cmd.Wait()
		close(p.waited)
	}()

	log.Info().
		Str("device", device).
		Int("width", width).
		Int("height", height).
		Int("pid", cmd.Process.Pid).
		Msg("GStreamer subprocess started")

	return p, nil
}

// pipelineArgs builds the gst-launch argument list. Each element and
// property is its own argv entry, no shell involved.
func pipelineArgs(device string, width, height int) []string {
	return []string{
		"-q",
		"v4l2src", "device=" + device, "do-timestamp=true", "!",
		"videoconvert", "!",
		"videoscale", "!",
		fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", width, height), "!",
		"fdsink", "fd=1", "sync=false",
	}
}

// Size returns the frame dimensions the pipeline emits
func (p *Pipeline) Size() (int, int) {
	return p.width, p.height
}

// Read blocks for exactly one frame. It returns an error once the subprocess
// exits or is interrupted.
func (p *Pipeline) Read() (*image.RGBA, error) {
	n, err := io.ReadFull(p.reader, p.buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("gstreamer pipeline for %s ended after %d bytes: %w", p.device, n, io.EOF)
		}
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	copy(img.Pix, p.buf)
	return img, nil
}

// Interrupt kills the subprocess so a pending Read returns
func (p *Pipeline) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.killed || p.cmd.Process == nil {
		return
	}
	p.killed = true
	_ = p.cmd.Process.Kill()
}

// Close kills the subprocess and waits for it to be reaped
func (p *Pipeline) Close() error {
	p.Interrupt()
	<-p.waited

	logger.WithComponent("gstreamer").Debug().
		Str("device", p.device).
		Msg("GStreamer subprocess stopped")
	return nil
}

// probeDimensions runs a one-buffer pipeline and reads the negotiated caps
func probeDimensions(device string) (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, launchBinary,
		"-v", "v4l2src", "device="+device, "num-buffers=1", "!", "fakesink")
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Caps are usually printed before any failure
		logger.WithComponent("gstreamer").Debug().Str("output", string(output)).Msg("Probe command output")
	}

	if w, h := parseCaps(string(output)); w > 0 && h > 0 {
		return w, h, nil
	}
	return 0, 0, fmt.Errorf("could not determine video dimensions for %s", device)
}

// parseCaps finds the first video/x-raw caps line carrying a size, e.g.
// "caps = video/x-raw, format=(string)YUY2, width=(int)1280, height=(int)720"
func parseCaps(output string) (int, int) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "video/x-raw") || !strings.Contains(line, "width=") {
			continue
		}
		w := extractIntFromCaps(line, "width")
		h := extractIntFromCaps(line, "height")
		if w > 0 && h > 0 {
			return w, h
		}
	}
	return 0, 0
}

// extractIntFromCaps reads key=(int)N or key=N from a caps string
func extractIntFromCaps(caps, key string) int {
	for _, pattern := range []string{key + "=(int)", key + "="} {
		idx := strings.Index(caps, pattern)
		if idx < 0 {
			continue
		}
		start := idx + len(pattern)
		end := start
		for end < len(caps) && caps[end] >= '0' && caps[end] <= '9' {
			end++
		}
		if end > start {
			if val, err := strconv.Atoi(caps[start:end]); err == nil {
				return val
			}
		}
	}
	return 0
}

func logStderr(r io.Reader) {
	log := logger.WithComponent("gstreamer")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}
