// Package output serves the annotated scanner frames to viewers.
package output

import "image"

// Output is a sink for preview frames. Frames written while the sink is
// stopped are rejected with ErrNotRunning.
type Output interface {
	Start() error
	Stop() error
	WriteFrame(frame *image.RGBA) error
	Name() string
	IsRunning() bool
}

// Config tunes a preview sink
type Config struct {
	// FPS caps how often frames are encoded, 0 means every frame
	FPS int
	// Quality is the JPEG quality, 0 selects the default
	Quality int
}
