package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

// LocalCameraName is the registry name of the attached-camera capturer
const LocalCameraName = "Local Camera"

// readFailurePause throttles the loop while a device keeps failing reads
const readFailurePause = 10 * time.Millisecond

// Device is an opened camera handle owned by one capture loop.
// Read must return within a bounded time, either with a frame or an error.
// Stop waits for the Read in flight, so that bound is also the stop latency
// for devices that do not implement Interrupter.
type Device interface {
	Read() (*image.RGBA, error)
	Close() error
}

// Interrupter is implemented by devices whose blocked Read can be aborted from
// another goroutine.
type Interrupter interface {
	Interrupt()
}

// DeviceOpener opens a camera candidate
type DeviceOpener interface {
	Open(c Candidate) (Device, error)
}

// OpenerFunc adapts a function to the DeviceOpener interface
type OpenerFunc func(c Candidate) (Device, error)

// Open calls f
func (f OpenerFunc) Open(c Candidate) (Device, error) {
	return f(c)
}

// NewLocalKind returns the registry entry for attached cameras. Every capturer
// it creates shares the catalog.
func NewLocalKind(catalog *DeviceCatalog, opener DeviceOpener) Kind {
	return Kind{
		Name:    LocalCameraName,
		Options: catalog.Options,
		New: func() Capturer {
			return NewLocalCapturer(catalog, opener)
		},
	}
}

// LocalCapturer reads frames from a physically attached camera
type LocalCapturer struct {
	catalog *DeviceCatalog
	opener  DeviceOpener
	sink    sink

	mu         sync.Mutex
	option     string
	candidates []Candidate
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewLocalCapturer creates a stopped local capturer with no device selected
func NewLocalCapturer(catalog *DeviceCatalog, opener DeviceOpener) *LocalCapturer {
	return &LocalCapturer{
		catalog: catalog,
		opener:  opener,
	}
}

// Name returns the capturer name
func (c *LocalCapturer) Name() string {
	return LocalCameraName
}

// SetFrameCallback registers the frame sink
func (c *LocalCapturer) SetFrameCallback(fn FrameFunc) {
	c.sink.set(fn)
}

// Option returns the selected device name
func (c *LocalCapturer) Option() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.option
}

// IsRunning returns true between Start and Stop
func (c *LocalCapturer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// SetOption selects a camera by device name. A running capture loop is
// stopped and restarted against the new device.
func (c *LocalCapturer) SetOption(option string) error {
	log := logger.WithComponent("local-capturer")

	cands, ok := c.catalog.Candidates(option)
	if !ok || len(cands) == 0 {
		err := &OptionError{Label: option, Kind: LocalCameraName}
		log.Warn().Str("option", option).Msg("Unknown camera option")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.option = option
	c.candidates = cands

	if c.cancel != nil {
		log.Info().Str("option", option).Msg("Restarting capture on new camera")
		c.stopLocked()
		c.startLocked()
	}
	return nil
}

// Start spawns the capture loop
func (c *LocalCapturer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}
	c.startLocked()
	return nil
}

// Stop signals the loop and waits for it to release the device
func (c *LocalCapturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	return nil
}

func (c *LocalCapturer) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	cands := make([]Candidate, len(c.candidates))
	copy(cands, c.candidates)

	go c.run(ctx, cands, done)
}

func (c *LocalCapturer) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

// run opens the first working candidate and forwards frames until ctx ends
func (c *LocalCapturer) run(ctx context.Context, cands []Candidate, done chan struct{}) {
	defer close(done)

	log := logger.WithComponent("local-capturer")

	if len(cands) == 0 {
		log.Warn().Msg("Aborting camera read: no camera selected")
		return
	}

	dev, cand, err := c.open(cands)
	if err != nil {
		log.Warn().Err(err).Str("device", cands[0].Name).Msg("Aborting camera read")
		return
	}

	// Release the device before done is closed
	defer func() {
		if err := dev.Close(); err != nil {
			log.Debug().Err(err).Str("path", cand.Path).Msg("Closing camera failed")
		}
	}()

	if intr, ok := dev.(Interrupter); ok {
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		go func() {
			select {
			case <-ctx.Done():
				intr.Interrupt()
			case <-stopWatch:
			}
		}()
	}

	log.Info().
		Str("device", cand.Name).
		Str("path", cand.Path).
		Str("backend", string(cand.Backend)).
		Msg("Starting capturing")

	var failures int
	for {
		if ctx.Err() != nil {
			return
		}

		img, err := dev.Read()
		if ctx.Err() != nil {
			return
		}
		if err != nil || img == nil {
			failures++
			if failures == 1 || failures%100 == 0 {
				log.Debug().Err(err).Int("consecutive", failures).Msg("Camera read failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(readFailurePause):
			}
			continue
		}
		failures = 0

		c.sink.deliver(Frame{Image: img, CapturedAt: time.Now()})
	}
}

// open tries each candidate once, in order
func (c *LocalCapturer) open(cands []Candidate) (Device, Candidate, error) {
	log := logger.WithComponent("local-capturer")

	var errs []error
	for _, cand := range cands {
		dev, err := c.opener.Open(cand)
		if err == nil && dev != nil {
			return dev, cand, nil
		}
		if err == nil {
			err = errors.New("opener returned no device")
		}
		log.Debug().
			Err(err).
			Str("path", cand.Path).
			Str("backend", string(cand.Backend)).
			Msg("Camera candidate failed, trying next")
		errs = append(errs, fmt.Errorf("%s via %s: %w", cand.Path, cand.Backend, err))
	}

	return nil, Candidate{}, fmt.Errorf("none of %d camera candidates opened: %w", len(cands), errors.Join(errs...))
}
