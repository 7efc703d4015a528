package keyboard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

// Portal D-Bus constants
const (
	portalService      = "org.freedesktop.portal.Desktop"
	portalPath         = "/org/freedesktop/portal/desktop"
	remoteDesktopIface = "org.freedesktop.portal.RemoteDesktop"
	requestIface       = "org.freedesktop.portal.Request"
	sessionIface       = "org.freedesktop.portal.Session"
)

// Device types for SelectDevices
const (
	DeviceKeyboard = 1 << 0
	DevicePointer  = 1 << 1
)

// Persist modes for SelectDevices
const (
	PersistModeNone       = 0
	PersistModeTransient  = 1
	PersistModePersistent = 2
)

// Key states for NotifyKeyboardKeysym
const (
	keyReleased uint32 = 0
	keyPressed  uint32 = 1
)

// PortalTyper injects keysyms through an xdg-desktop-portal RemoteDesktop
// session. The compositor asks the user for permission once; the restore
// token keeps it across runs.
type PortalTyper struct {
	conn          *dbus.Conn
	sessionHandle dbus.ObjectPath
	mu            sync.Mutex
	restoreToken  string
	tokenPath     string
	seq           int
}

// NewPortalTyper opens a RemoteDesktop session with keyboard access
func NewPortalTyper(tokenDir string) (*PortalTyper, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	p := &PortalTyper{
		conn:      conn,
		tokenPath: filepath.Join(tokenDir, "portal_token"),
	}
	p.loadRestoreToken()

	if err := p.open(); err != nil {
		p.Close()
		return nil, err
	}
	logger.WithComponent("keyboard").Info().Msg("Using RemoteDesktop portal keyboard backend")
	return p, nil
}

// Name returns the backend name
func (p *PortalTyper) Name() string {
	return "portal"
}

// Close ends the session and the bus connection
func (p *PortalTyper) Close() error {
	if p.sessionHandle != "" {
		p.conn.Object(portalService, p.sessionHandle).Call(sessionIface+".Close", 0)
	}
	return p.conn.Close()
}

// Type sends each character as a keysym press and release
func (p *PortalTyper) Type(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range text {
		sym := KeysymForRune(r)
		if sym == KeysymNone {
			continue
		}
		if err := p.tap(sym); err != nil {
			return fmt.Errorf("failed to type %q: %w", r, err)
		}
	}
	return nil
}

// Enter presses Return
func (p *PortalTyper) Enter() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tap(KeysymReturn)
}

func (p *PortalTyper) tap(sym uint32) error {
	obj := p.conn.Object(portalService, portalPath)
	options := map[string]dbus.Variant{}
	for _, state := range []uint32{keyPressed, keyReleased} {
		call := obj.Call(remoteDesktopIface+".NotifyKeyboardKeysym", 0, p.sessionHandle, options, int32(sym), state)
		if call.Err != nil {
			return call.Err
		}
	}
	return nil
}

func (p *PortalTyper) open() error {
	log := logger.WithComponent("portal")

	results, err := p.request(30*time.Second, "CreateSession", map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(p.token("session")),
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	handle, ok := results["session_handle"]
	if !ok {
		return fmt.Errorf("no session handle in response")
	}
	switch v := handle.Value().(type) {
	case dbus.ObjectPath:
		p.sessionHandle = v
	case string:
		p.sessionHandle = dbus.ObjectPath(v)
	default:
		return fmt.Errorf("unexpected session_handle type: %T", v)
	}
	log.Debug().Str("session", string(p.sessionHandle)).Msg("Created portal session")

	selectOpts := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(uint32(DeviceKeyboard)),
		"persist_mode": dbus.MakeVariant(uint32(PersistModePersistent)),
	}
	if p.restoreToken != "" {
		selectOpts["restore_token"] = dbus.MakeVariant(p.restoreToken)
		log.Debug().Msg("Using saved restore token")
	}
	if _, err := p.request(60*time.Second, "SelectDevices", selectOpts, p.sessionHandle); err != nil {
		return fmt.Errorf("failed to select devices: %w", err)
	}

	results, err = p.request(60*time.Second, "Start", map[string]dbus.Variant{}, p.sessionHandle, "")
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	if v, ok := results["devices"]; ok {
		if devices, ok := v.Value().(uint32); ok && devices&DeviceKeyboard == 0 {
			return fmt.Errorf("keyboard access not granted")
		}
	}
	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok {
			p.restoreToken = token
			p.saveRestoreToken()
		}
	}
	log.Info().Msg("Keyboard access granted")
	return nil
}

func (p *PortalTyper) token(prefix string) string {
	p.seq++
	return fmt.Sprintf("pastebarcode_%s_%d_%d", prefix, os.Getpid(), p.seq)
}

// request calls a RemoteDesktop method whose result arrives as a Request
// Response signal. args precede the options map in the call.
func (p *PortalTyper) request(timeout time.Duration, method string, options map[string]dbus.Variant, args ...interface{}) (map[string]dbus.Variant, error) {
	log := logger.WithComponent("portal")
	obj := p.conn.Object(portalService, portalPath)
	options["handle_token"] = dbus.MakeVariant(p.token("req"))

	// Subscribe before calling so the response cannot be missed
	responseChan := make(chan *dbus.Signal, 10)
	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}
	p.conn.Signal(responseChan)
	defer p.conn.RemoveSignal(responseChan)

	callArgs := append(append([]interface{}{}, args...), options)

	var requestPath dbus.ObjectPath
	if err := obj.Call(remoteDesktopIface+"."+method, 0, callArgs...).Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	log.Debug().Str("request_path", string(requestPath)).Str("method", method).Msg("Waiting for portal response")

	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig := <-responseChan:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			if len(sig.Body) < 2 {
				return nil, fmt.Errorf("invalid %s response", method)
			}
			code, _ := sig.Body[0].(uint32)
			if code != 0 {
				return nil, fmt.Errorf("%s denied (code %d)", method, code)
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			return results, nil
		}
	}
}

func (p *PortalTyper) loadRestoreToken() {
	data, err := os.ReadFile(p.tokenPath)
	if err != nil {
		return
	}
	var token struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return
	}
	p.restoreToken = token.Token
}

func (p *PortalTyper) saveRestoreToken() {
	if p.restoreToken == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.tokenPath), 0755); err != nil {
		return
	}
	data, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: p.restoreToken})
	if err != nil {
		return
	}
	os.WriteFile(p.tokenPath, data, 0600)
}
