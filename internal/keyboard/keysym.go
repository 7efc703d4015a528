// Package keyboard types decoded codes into the focused window, through the
// X11 XTEST extension or the xdg-desktop-portal RemoteDesktop interface.
package keyboard

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Keysyms used outside the printable range
const (
	KeysymReturn = 0xff0d
	KeysymTab    = 0xff09
	KeysymShiftL = 0xffe1
	KeysymNone   = 0
)

// ErrNoBackend is returned when neither an X display nor a Wayland session
// is reachable
var ErrNoBackend = errors.New("no keyboard injection backend available")

// Typer injects text as keystrokes
type Typer interface {
	Type(text string) error
	Enter() error
	Close() error
	Name() string
}

// KeysymForRune maps a character to its X keysym
func KeysymForRune(r rune) uint32 {
	switch {
	case r == '\n' || r == '\r':
		return KeysymReturn
	case r == '\t':
		return KeysymTab
	case r >= 0x20 && r <= 0x7e, r >= 0xa0 && r <= 0xff:
		// Latin-1 keysyms equal their code point
		return uint32(r)
	case r < 0x20 || r == 0x7f:
		return KeysymNone
	default:
		return 0x01000000 | uint32(r)
	}
}

// New picks a backend for the current session. backend is "auto", "x11" or
// "portal"; tokenDir holds the portal restore token.
func New(backend, tokenDir string) (Typer, error) {
	switch strings.ToLower(backend) {
	case "x11":
		return NewX11Typer()
	case "portal":
		return NewPortalTyper(tokenDir)
	case "", "auto":
	default:
		return nil, fmt.Errorf("unknown keyboard backend %q", backend)
	}

	if os.Getenv("DISPLAY") != "" {
		t, err := NewX11Typer()
		if err == nil {
			return t, nil
		}
		if os.Getenv("WAYLAND_DISPLAY") == "" {
			return nil, err
		}
	}
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return NewPortalTyper(tokenDir)
	}
	return nil, ErrNoBackend
}
