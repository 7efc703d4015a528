package capture

import (
	"sync/atomic"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

// sink holds the registered frame callback. Writers swap the pointer, the
// capture goroutine loads it once per frame.
type sink struct {
	fn atomic.Pointer[FrameFunc]
}

func (s *sink) set(fn FrameFunc) {
	if fn == nil {
		s.fn.Store(nil)
		return
	}
	s.fn.Store(&fn)
}

func (s *sink) get() FrameFunc {
	if p := s.fn.Load(); p != nil {
		return *p
	}
	return nil
}

// deliver hands the frame to the callback. A panicking consumer is logged and
// the producing goroutine keeps running.
func (s *sink) deliver(f Frame) bool {
	fn := s.get()
	if fn == nil {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			logger.WithComponent("capture").Error().
				Interface("panic", r).
				Msg("Frame callback panicked")
		}
	}()

	fn(f)
	return true
}
