package keyboard

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgb/xtest"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

// X11Typer sends fake key events through the XTEST extension
type X11Typer struct {
	conn   *xgb.Conn
	root   xproto.Window
	mu     sync.Mutex
	keymap *Keymap
	shift  keyStroke

	netWMName  xproto.Atom
	utf8String xproto.Atom
}

// NewX11Typer connects to $DISPLAY and loads the keyboard mapping
func NewX11Typer() (*X11Typer, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	if err := xtest.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("XTEST extension unavailable: %w", err)
	}

	setup := xproto.Setup(conn)
	t := &X11Typer{
		conn: conn,
		root: setup.DefaultScreen(conn).Root,
	}
	if err := t.loadKeymap(); err != nil {
		conn.Close()
		return nil, err
	}

	shift, ok := t.keymap.Lookup(KeysymShiftL)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("no keycode for Shift_L")
	}
	t.shift = shift

	t.netWMName, _ = t.getAtom("_NET_WM_NAME")
	t.utf8String, _ = t.getAtom("UTF8_STRING")

	logger.WithComponent("keyboard").Info().Msg("Using X11 XTEST keyboard backend")
	return t, nil
}

// Name returns the backend name
func (t *X11Typer) Name() string {
	return "x11"
}

// Close closes the X11 connection
func (t *X11Typer) Close() error {
	t.conn.Close()
	return nil
}

func (t *X11Typer) loadKeymap() error {
	setup := xproto.Setup(t.conn)
	count := byte(setup.MaxKeycode - setup.MinKeycode + 1)
	reply, err := xproto.GetKeyboardMapping(t.conn, setup.MinKeycode, count).Reply()
	if err != nil {
		return fmt.Errorf("failed to get keyboard mapping: %w", err)
	}

	syms := make([]uint32, len(reply.Keysyms))
	for i, s := range reply.Keysyms {
		syms[i] = uint32(s)
	}
	t.keymap = &Keymap{
		MinKeycode: byte(setup.MinKeycode),
		PerKeycode: int(reply.KeysymsPerKeycode),
		Keysyms:    syms,
	}
	return nil
}

func (t *X11Typer) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(t.conn, true, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}

// Type sends text one character at a time. Characters missing from the
// keymap are bound to a spare keycode for the duration of the stroke.
func (t *X11Typer) Type(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	log := logger.WithComponent("keyboard")
	if title := t.focusedTitle(); title != "" {
		log.Debug().Str("window", title).Int("chars", len(text)).Msg("Typing into focused window")
	}

	for _, r := range text {
		sym := KeysymForRune(r)
		if sym == KeysymNone {
			continue
		}
		if err := t.tapSym(sym); err != nil {
			return fmt.Errorf("failed to type %q: %w", r, err)
		}
	}
	return t.sync()
}

// Enter presses Return
func (t *X11Typer) Enter() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tapSym(KeysymReturn); err != nil {
		return err
	}
	return t.sync()
}

func (t *X11Typer) tapSym(sym uint32) error {
	if ks, ok := t.keymap.Lookup(sym); ok {
		return t.tap(ks)
	}

	spare, ok := t.keymap.Spare()
	if !ok {
		return fmt.Errorf("keysym 0x%x not in keymap and no spare keycode", sym)
	}
	if err := t.remap(spare, sym); err != nil {
		return err
	}
	err := t.tap(keyStroke{code: spare})
	// The server must process the events before the binding is removed
	t.sync()
	if rerr := t.remap(spare, KeysymNone); err == nil {
		err = rerr
	}
	return err
}

func (t *X11Typer) remap(code byte, sym uint32) error {
	per := t.keymap.PerKeycode
	syms := make([]xproto.Keysym, per)
	for i := range syms {
		syms[i] = xproto.Keysym(sym)
	}
	if err := xproto.ChangeKeyboardMappingChecked(t.conn, 1, xproto.Keycode(code), byte(per), syms).Check(); err != nil {
		return fmt.Errorf("failed to remap keycode %d: %w", code, err)
	}
	return nil
}

func (t *X11Typer) tap(ks keyStroke) error {
	if ks.shift {
		if err := t.fake(xproto.KeyPress, t.shift.code); err != nil {
			return err
		}
	}
	if err := t.fake(xproto.KeyPress, ks.code); err != nil {
		return err
	}
	if err := t.fake(xproto.KeyRelease, ks.code); err != nil {
		return err
	}
	if ks.shift {
		return t.fake(xproto.KeyRelease, t.shift.code)
	}
	return nil
}

func (t *X11Typer) fake(eventType byte, code byte) error {
	return xtest.FakeInputChecked(t.conn, eventType, code, 0, t.root, 0, 0, 0).Check()
}

// sync round-trips to the server so queued events are processed
func (t *X11Typer) sync() error {
	_, err := xproto.GetInputFocus(t.conn).Reply()
	return err
}

// focusedTitle returns the title of the window holding input focus
func (t *X11Typer) focusedTitle() string {
	focus, err := xproto.GetInputFocus(t.conn).Reply()
	if err != nil || focus.Focus == xproto.WindowNone || focus.Focus == t.root {
		return ""
	}

	if t.netWMName != 0 {
		reply, err := xproto.GetProperty(t.conn, false, focus.Focus, t.netWMName, t.utf8String, 0, 1024).Reply()
		if err == nil && len(reply.Value) > 0 {
			return string(reply.Value)
		}
	}
	reply, err := xproto.GetProperty(t.conn, false, focus.Focus, xproto.AtomWmName, xproto.AtomString, 0, 1024).Reply()
	if err == nil && len(reply.Value) > 0 {
		return string(reply.Value)
	}
	return ""
}
