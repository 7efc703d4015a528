package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

// NetworkName is the registry name of the phone-camera bridge capturer
const NetworkName = "Local Network Web"

// DefaultShutdownTimeout bounds how long Stop waits for the bridge server
const DefaultShutdownTimeout = 5 * time.Second

// FrameServer receives images from remote clients.
// Serve blocks until Shutdown is called and invokes deliver synchronously on
// the goroutine handling each inbound message. Shutdown must not return before
// every in-flight deliver call has finished, unless ctx expires first.
type FrameServer interface {
	Serve(deliver func(*image.RGBA)) error
	Shutdown(ctx context.Context) error
}

// NewNetworkKind returns the registry entry for the network bridge. newServer
// is called once per Start so every session gets a fresh server.
func NewNetworkKind(newServer func() FrameServer, shutdownTimeout time.Duration) Kind {
	return Kind{
		Name: NetworkName,
		New: func() Capturer {
			return NewNetworkCapturer(newServer, shutdownTimeout)
		},
	}
}

// NetworkCapturer runs an embedded frame server on its own goroutine
type NetworkCapturer struct {
	newServer func() FrameServer
	timeout   time.Duration
	sink      sink

	mu   sync.Mutex
	srv  FrameServer
	live *atomic.Bool
	done chan struct{}
}

// NewNetworkCapturer creates a stopped network capturer
func NewNetworkCapturer(newServer func() FrameServer, shutdownTimeout time.Duration) *NetworkCapturer {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &NetworkCapturer{
		newServer: newServer,
		timeout:   shutdownTimeout,
	}
}

// Name returns the capturer name
func (c *NetworkCapturer) Name() string {
	return NetworkName
}

// SetFrameCallback registers the frame sink
func (c *NetworkCapturer) SetFrameCallback(fn FrameFunc) {
	c.sink.set(fn)
}

// SetOption accepts only the empty option, the bridge has no sub-configuration
func (c *NetworkCapturer) SetOption(option string) error {
	if option == "" {
		return nil
	}
	logger.WithComponent("network-capturer").Warn().
		Str("option", option).
		Msg("Unknown network bridge option")
	return &OptionError{Label: option, Kind: NetworkName}
}

// IsRunning returns true between Start and Stop
func (c *NetworkCapturer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.srv != nil
}

// Start launches the frame server
func (c *NetworkCapturer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.srv != nil {
		return nil
	}

	log := logger.WithComponent("network-capturer")

	srv := c.newServer()
	live := &atomic.Bool{}
	live.Store(true)
	done := make(chan struct{})

	deliver := func(img *image.RGBA) {
		if !live.Load() {
			return
		}
		c.sink.deliver(Frame{Image: img, CapturedAt: time.Now()})
	}

	go func() {
		defer close(done)
		if err := srv.Serve(deliver); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Frame server exited")
		}
	}()

	c.srv = srv
	c.live = live
	c.done = done

	log.Info().Msg("Network bridge started")
	return nil
}

// Stop shuts the server down and joins its goroutine within the shutdown
// timeout. On timeout the failure is logged and returned and the process
// carries on.
func (c *NetworkCapturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.srv == nil {
		return nil
	}

	log := logger.WithComponent("network-capturer")

	srv, live, done := c.srv, c.live, c.done
	c.srv, c.live, c.done = nil, nil, nil

	// Messages arriving from here on are dropped; in-flight ones are awaited
	// by Shutdown.
	live.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var stopErr error
	if err := srv.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			stopErr = fmt.Errorf("%w: %v", ErrStopTimeout, err)
		} else {
			stopErr = err
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		if stopErr == nil {
			stopErr = ErrStopTimeout
		}
	}

	if stopErr != nil {
		log.Error().
			Err(stopErr).
			Dur("timeout", c.timeout).
			Msg("Error stopping network bridge, resources may leak until exit")
		return stopErr
	}

	log.Info().Msg("Network bridge stopped")
	return nil
}
