package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

// selection is the (kind, option) pair a menu label resolves to
type selection struct {
	kind   int
	option string
}

// Status is a snapshot of the orchestrator state
type Status struct {
	Selected        string    `json:"selected"`
	Kind            string    `json:"kind"`
	Capturing       bool      `json:"capturing"`
	FramesDelivered uint64    `json:"frames_delivered"`
	LastFrameAt     time.Time `json:"last_frame_at,omitempty"`
}

// API owns the single active capturer and routes its frames to one consumer.
//
// Control methods are serialized. Frames are forwarded synchronously on the
// capturer's goroutine, so the consumer must not call control methods from
// inside the frame callback.
type API struct {
	kinds []Kind

	mu        sync.Mutex
	menu      map[string]selection
	active    Capturer
	kindIdx   int
	label     string
	capturing bool

	sink      sink
	delivered atomic.Uint64
	lastFrame atomic.Int64
}

// NewAPI creates an orchestrator over a fixed registry of capture kinds
func NewAPI(kinds []Kind) *API {
	k := make([]Kind, len(kinds))
	copy(k, kinds)
	return &API{
		kinds:   k,
		kindIdx: -1,
	}
}

// Options queries every kind and returns the qualified menu labels
func (a *API) Options() []string {
	labels, menu := a.buildMenu()

	a.mu.Lock()
	a.menu = menu
	a.mu.Unlock()

	out := make([]string, len(labels))
	copy(out, labels)
	return out
}

func (a *API) buildMenu() ([]string, map[string]selection) {
	labels := make([]string, 0)
	menu := make(map[string]selection)

	for i, k := range a.kinds {
		opts := k.options()
		if len(opts) == 0 {
			label := QualifiedLabel(k.Name, "")
			labels = append(labels, label)
			menu[label] = selection{kind: i}
			continue
		}
		for _, opt := range opts {
			label := QualifiedLabel(k.Name, opt)
			if _, dup := menu[label]; dup {
				continue
			}
			labels = append(labels, label)
			menu[label] = selection{kind: i, option: opt}
		}
	}

	return labels, menu
}

// SetOption selects the capturer and sub-option behind a menu label. When the
// kind changes the old capturer is fully stopped before the new one exists.
// While capturing, the newly selected source starts immediately.
func (a *API) SetOption(label string) error {
	log := logger.WithComponent("capture-api")

	a.mu.Lock()
	defer a.mu.Unlock()

	sel, ok := a.menu[label]
	if !ok && a.menu == nil {
		// Menu was never queried; build it once so persisted labels resolve
		a.mu.Unlock()
		_, menu := a.buildMenu()
		a.mu.Lock()
		if a.menu == nil {
			a.menu = menu
		}
		sel, ok = a.menu[label]
	}
	if !ok {
		log.Warn().Str("option", label).Msg("Unknown capture option")
		return &OptionError{Label: label}
	}

	kind := a.kinds[sel.kind]
	created := false

	switch {
	case a.active == nil:
		a.active = kind.New()
		a.kindIdx = sel.kind
		created = true
	case a.kindIdx != sel.kind:
		log.Info().
			Str("from", a.kinds[a.kindIdx].Name).
			Str("to", kind.Name).
			Msg("Switching capture method")
		if err := a.active.Stop(); err != nil {
			log.Warn().Err(err).Str("kind", a.kinds[a.kindIdx].Name).Msg("Stopping previous capturer failed")
		}
		a.active = kind.New()
		a.kindIdx = sel.kind
		a.label = ""
		created = true
	}

	a.active.SetFrameCallback(a.deliver)

	if sel.option != "" {
		if err := a.active.SetOption(sel.option); err != nil {
			// A fresh capturer still runs while capturing, on its default option
			if created && a.capturing {
				a.startLocked()
			}
			return err
		}
	}
	a.label = label

	if created && a.capturing {
		a.startLocked()
	}

	log.Info().Str("option", label).Bool("capturing", a.capturing).Msg("Capture option selected")
	return nil
}

// Start begins capturing on the selected capturer
func (a *API) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active == nil {
		logger.WithComponent("capture-api").Warn().Msg("Start requested with no capturer selected")
		return ErrNoCapturerSelected
	}
	if a.capturing {
		return nil
	}

	if err := a.active.Start(); err != nil {
		return err
	}
	a.capturing = true
	return nil
}

func (a *API) startLocked() {
	if err := a.active.Start(); err != nil {
		logger.WithComponent("capture-api").Error().
			Err(err).
			Str("kind", a.kinds[a.kindIdx].Name).
			Msg("Starting capturer failed")
	}
}

// Stop halts the active capturer and waits for its goroutine to exit
func (a *API) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active == nil {
		return nil
	}

	err := a.active.Stop()
	a.capturing = false
	if err != nil && !errors.Is(err, ErrStopTimeout) {
		return err
	}
	return nil
}

// Close stops and discards the active capturer
func (a *API) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active == nil {
		return nil
	}
	err := a.active.Stop()
	a.active = nil
	a.kindIdx = -1
	a.label = ""
	a.capturing = false
	return err
}

// SetFrameCallback registers the single downstream consumer
func (a *API) SetFrameCallback(fn FrameFunc) {
	a.sink.set(fn)
}

// Selected returns the label of the current selection, empty if none
func (a *API) Selected() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.label
}

// IsCapturing reports whether the orchestrator is in the capturing state
func (a *API) IsCapturing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capturing
}

// Status returns a snapshot including frame liveness counters
func (a *API) Status() Status {
	a.mu.Lock()
	st := Status{
		Selected:  a.label,
		Capturing: a.capturing,
	}
	if a.kindIdx >= 0 {
		st.Kind = a.kinds[a.kindIdx].Name
	}
	a.mu.Unlock()

	st.FramesDelivered = a.delivered.Load()
	if ns := a.lastFrame.Load(); ns > 0 {
		st.LastFrameAt = time.Unix(0, ns)
	}
	return st
}

// deliver forwards a frame from the active capturer without taking a.mu
func (a *API) deliver(f Frame) {
	a.delivered.Add(1)
	a.lastFrame.Store(time.Now().UnixNano())
	a.sink.deliver(f)
}
