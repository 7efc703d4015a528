package capture

import (
	"image"
	"time"
)

// Frame is one decoded image produced by a Capturer.
//
// The consumer must not assume Image outlives the callback invocation unless it
// copies it.
type Frame struct {
	Image      *image.RGBA
	CapturedAt time.Time
}

// Width returns the frame width in pixels
func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Clone returns a deep copy of the frame
func (f Frame) Clone() Frame {
	if f.Image == nil {
		return f
	}
	img := &image.RGBA{
		Pix:    make([]uint8, len(f.Image.Pix)),
		Stride: f.Image.Stride,
		Rect:   f.Image.Rect,
	}
	copy(img.Pix, f.Image.Pix)
	return Frame{Image: img, CapturedAt: f.CapturedAt}
}

// FrameFunc receives frames on the producing goroutine
type FrameFunc func(Frame)

// Capturer defines the interface for frame source backends
type Capturer interface {
	// Start begins asynchronous frame production. Calling Start on a running
	// capturer is a no-op.
	Start() error

	// Stop signals the production loop to terminate and blocks until it has
	// exited. No frame callback fires after Stop returns.
	Stop() error

	// SetFrameCallback registers the single sink for produced frames.
	// Replacing it only affects subsequent frames.
	SetFrameCallback(fn FrameFunc)

	// SetOption selects a sub-configuration. A running capturer restarts
	// itself against the new selection and keeps its callback.
	SetOption(option string) error

	// Name returns the human-readable name of this capturer kind
	Name() string
}

// Kind describes one capture method in the registry
type Kind struct {
	// Name is unique across the registry and prefixes qualified option labels
	Name string

	// Options returns the menu of sub-configurations for this kind. It may run
	// expensive discovery on first call. Nil or an empty list lists the kind
	// by its bare name.
	Options func() []string

	// New creates a fresh, stopped capturer of this kind
	New func() Capturer
}

func (k Kind) options() []string {
	if k.Options == nil {
		return nil
	}
	return k.Options()
}

// QualifiedLabel builds the menu label for a kind and one of its options.
// Kinds without options are labelled by name alone.
func QualifiedLabel(kind, option string) string {
	if option == "" {
		return kind
	}
	return kind + ": " + option
}
