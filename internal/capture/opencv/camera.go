// Package opencv opens cameras through OpenCV's VideoCapture.
package opencv

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

// ErrCameraNotOpen is returned when reading from a closed camera
var ErrCameraNotOpen = errors.New("camera is not open")

// API selects the OpenCV capture backend
type API int

const (
	APIAny  API = API(gocv.VideoCaptureAny)
	APIV4L2 API = API(gocv.VideoCaptureV4L2)
)

// Camera is an open VideoCapture handle. Read and Close are safe to call
// from different goroutines.
//
// Camera does not implement capture.Interrupter: a VideoCapture cannot be
// released while a read is in progress. A read on a device that stops
// delivering returns once OpenCV's V4L2 select timeout expires (10 seconds
// by default, OPENCV_VIDEOIO_V4L_SELECT_TIMEOUT in the process environment).
// That timeout bounds how long stopping a stalled camera can take.
type Camera struct {
	index int

	mu      sync.Mutex
	capture *gocv.VideoCapture
	bgr     gocv.Mat
	rgba    gocv.Mat
}

// Open opens the camera at index through the given backend. A non-zero
// width and height are passed to the driver as a resolution hint.
func Open(index int, api API, width, height int) (*Camera, error) {
	capture, err := gocv.OpenVideoCaptureWithAPI(index, gocv.VideoCaptureAPI(api))
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("open camera %d: device not opened", index)
	}

	if width > 0 && height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}

	logger.WithComponent("opencv").Debug().
		Int("index", index).
		Str("backend", capture.CodecString()).
		Float64("width", capture.Get(gocv.VideoCaptureFrameWidth)).
		Float64("height", capture.Get(gocv.VideoCaptureFrameHeight)).
		Msg("Camera opened")

	return &Camera{
		index:   index,
		capture: capture,
		bgr:     gocv.NewMat(),
		rgba:    gocv.NewMat(),
	}, nil
}

// Read grabs one frame and converts it to RGBA
func (c *Camera) Read() (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil, ErrCameraNotOpen
	}

	if ok := c.capture.Read(&c.bgr); !ok {
		return nil, fmt.Errorf("failed to read frame from camera %d", c.index)
	}
	if c.bgr.Empty() {
		return nil, fmt.Errorf("captured frame from camera %d is empty", c.index)
	}

	switch c.bgr.Channels() {
	case 1:
		// Gray expands to equal channels, so BGRA and RGBA are identical
		gocv.CvtColor(c.bgr, &c.rgba, gocv.ColorGrayToBGRA)
	case 4:
		gocv.CvtColor(c.bgr, &c.rgba, gocv.ColorBGRAToRGBA)
	default:
		gocv.CvtColor(c.bgr, &c.rgba, gocv.ColorBGRToRGBA)
	}

	img := image.NewRGBA(image.Rect(0, 0, c.rgba.Cols(), c.rgba.Rows()))
	copy(img.Pix, c.rgba.ToBytes())
	return img, nil
}

// Close releases the device and conversion buffers
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil
	}

	err := c.capture.Close()
	c.capture = nil
	c.bgr.Close()
	c.rgba.Close()
	return err
}
