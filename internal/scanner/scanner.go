// Package scanner consumes captured frames: it detects barcodes, types each
// new code into the focused window and renders the annotated preview.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pastebarcode/pastebarcode/internal/capture"
	"github.com/pastebarcode/pastebarcode/internal/config"
	"github.com/pastebarcode/pastebarcode/internal/logger"
	"github.com/pastebarcode/pastebarcode/internal/output"
	"github.com/pastebarcode/pastebarcode/internal/overlay"
)

// Typer injects decoded text as keystrokes
type Typer interface {
	Type(text string) error
	Enter() error
}

// Beeper plays the detection sound without blocking
type Beeper interface {
	Beep()
}

// Options are the runtime toggles read on every frame
type Options struct {
	LockInterval time.Duration
	TypeCode     bool
	PressEnter   bool
	PlayBeep     bool
	FlipFrames   bool
}

// OptionsFrom extracts the scanner toggles from the settings
func OptionsFrom(cfg config.Config) Options {
	return Options{
		LockInterval: cfg.LockDuration(),
		TypeCode:     cfg.TypeCode,
		PressEnter:   cfg.PressEnter,
		PlayBeep:     cfg.PlayBeep,
		FlipFrames:   cfg.FlipFrames,
	}
}

// Stats counts scanner activity
type Stats struct {
	Received   uint64    `json:"frames_received"`
	Dropped    uint64    `json:"frames_dropped"`
	Processed  uint64    `json:"frames_processed"`
	Emitted    uint64    `json:"codes_emitted"`
	LastCode   string    `json:"last_code,omitempty"`
	LastCodeAt time.Time `json:"last_code_at,omitempty"`
	Locked     bool      `json:"locked"`
}

// Scanner hands frames from the capture goroutine to its own processing
// goroutine. Only the newest pending frame is kept.
type Scanner struct {
	detector Detector
	typer    Typer
	beeper   Beeper
	preview  output.Output
	now      func() time.Time

	opts   atomic.Pointer[Options]
	frames chan capture.Frame

	received  atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	emitted   atomic.Uint64

	mu         sync.RWMutex
	lastCode   string
	lastEmitAt time.Time
}

// Option configures a Scanner
type Option func(*Scanner)

// WithTyper sets the keystroke sink
func WithTyper(t Typer) Option {
	return func(s *Scanner) { s.typer = t }
}

// WithBeeper sets the detection sound
func WithBeeper(b Beeper) Option {
	return func(s *Scanner) { s.beeper = b }
}

// WithPreview sets the output receiving annotated frames
func WithPreview(o output.Output) Option {
	return func(s *Scanner) { s.preview = o }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// New creates a scanner. Typer, beeper and preview are optional.
func New(detector Detector, opts Options, options ...Option) *Scanner {
	s := &Scanner{
		detector: detector,
		now:      time.Now,
		frames:   make(chan capture.Frame, 1),
	}
	for _, o := range options {
		o(s)
	}
	s.SetOptions(opts)
	return s
}

// SetOptions replaces the toggles; the next frame uses them
func (s *Scanner) SetOptions(opts Options) {
	s.opts.Store(&opts)
}

// Options returns the current toggles
func (s *Scanner) Options() Options {
	return *s.opts.Load()
}

// HandleFrame is the capture callback. It copies the frame and never blocks:
// a frame still waiting for the processing goroutine is replaced.
func (s *Scanner) HandleFrame(f capture.Frame) {
	if f.Image == nil {
		return
	}
	f = f.Clone()
	s.received.Add(1)
	for {
		select {
		case s.frames <- f:
			return
		default:
		}
		select {
		case <-s.frames:
			s.dropped.Add(1)
		default:
		}
	}
}

// Run processes frames until ctx is cancelled
func (s *Scanner) Run(ctx context.Context) error {
	log := logger.WithComponent("scanner")
	log.Info().Msg("Scanner started")
	defer log.Info().Uint64("codes", s.emitted.Load()).Msg("Scanner stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.frames:
			s.process(f)
		}
	}
}

func (s *Scanner) process(f capture.Frame) {
	log := logger.WithComponent("scanner")
	opts := s.Options()
	s.processed.Add(1)

	dets, err := s.detector.Detect(f.Image)
	if err != nil {
		log.Debug().Err(err).Msg("Detection failed")
	}

	now := s.now()
	locked := s.locked(now, opts.LockInterval)
	if len(dets) > 0 && !locked {
		det := dets[0]
		s.mu.Lock()
		s.lastCode = det.Text
		s.lastEmitAt = now
		s.mu.Unlock()
		s.emitted.Add(1)

		log.Info().
			Str("code", det.Text).
			Str("format", det.Format).
			Int("detections", len(dets)).
			Msg("Code detected")
		s.emit(det.Text, opts)
	}

	if s.preview == nil || !s.preview.IsRunning() {
		return
	}

	img := f.Image
	if opts.FlipFrames {
		img = overlay.FlipHorizontal(img)
		for i := range dets {
			dets[i].Bounds = overlay.MirrorRect(dets[i].Bounds, img.Bounds())
		}
	}
	boxColor := overlay.BoxColor
	if locked {
		boxColor = overlay.LockedColor
	}
	overlay.Annotate(img, dets, boxColor)
	if err := s.preview.WriteFrame(img); err != nil {
		log.Debug().Err(err).Msg("Preview write failed")
	}
}

// locked reports whether now falls inside the lock interval that follows
// the last emitted code
func (s *Scanner) locked(now time.Time, interval time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastEmitAt.IsZero() || interval <= 0 {
		return false
	}
	return now.Sub(s.lastEmitAt) < interval
}

func (s *Scanner) emit(code string, opts Options) {
	log := logger.WithComponent("scanner")

	if opts.PlayBeep && s.beeper != nil {
		s.beeper.Beep()
	}
	if !opts.TypeCode || s.typer == nil {
		return
	}
	if err := s.typer.Type(code); err != nil {
		log.Error().Err(err).Msg("Failed to type code")
		return
	}
	if opts.PressEnter {
		if err := s.typer.Enter(); err != nil {
			log.Error().Err(err).Msg("Failed to press enter")
		}
	}
}

// Stats returns a snapshot of the counters
func (s *Scanner) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		LastCode:   s.lastCode,
		LastCodeAt: s.lastEmitAt,
	}
	s.mu.RUnlock()
	st.Received = s.received.Load()
	st.Dropped = s.dropped.Load()
	st.Processed = s.processed.Load()
	st.Emitted = s.emitted.Load()
	st.Locked = s.locked(s.now(), s.Options().LockInterval)
	return st
}
