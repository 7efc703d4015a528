package keyboard

// Keymap is the server keyboard mapping: for each keycode starting at
// MinKeycode, PerKeycode keysyms (unshifted first, shifted second).
type Keymap struct {
	MinKeycode byte
	PerKeycode int
	Keysyms    []uint32
}

// keyStroke is a keycode plus whether shift must be held
type keyStroke struct {
	code  byte
	shift bool
}

func (m *Keymap) count() int {
	if m.PerKeycode <= 0 {
		return 0
	}
	return len(m.Keysyms) / m.PerKeycode
}

func (m *Keymap) column(i, col int) uint32 {
	if col >= m.PerKeycode {
		return KeysymNone
	}
	return m.Keysyms[i*m.PerKeycode+col]
}

// Lookup finds the keycode producing sym, preferring unshifted entries
func (m *Keymap) Lookup(sym uint32) (keyStroke, bool) {
	if sym == KeysymNone {
		return keyStroke{}, false
	}
	n := m.count()
	for i := 0; i < n; i++ {
		if m.column(i, 0) == sym {
			return keyStroke{code: m.MinKeycode + byte(i)}, true
		}
	}
	for i := 0; i < n; i++ {
		if m.column(i, 1) == sym {
			return keyStroke{code: m.MinKeycode + byte(i), shift: true}, true
		}
	}
	// A single lowercase entry implies the uppercase one
	if sym >= 'A' && sym <= 'Z' {
		lower := sym + ('a' - 'A')
		for i := 0; i < n; i++ {
			if m.column(i, 0) == lower && m.column(i, 1) == KeysymNone {
				return keyStroke{code: m.MinKeycode + byte(i), shift: true}, true
			}
		}
	}
	return keyStroke{}, false
}

// Spare returns a keycode with no keysyms bound, for temporary remapping
func (m *Keymap) Spare() (byte, bool) {
	n := m.count()
	for i := n - 1; i >= 0; i-- {
		empty := true
		for col := 0; col < m.PerKeycode; col++ {
			if m.column(i, col) != KeysymNone {
				empty = false
				break
			}
		}
		if empty {
			return m.MinKeycode + byte(i), true
		}
	}
	return 0, false
}
