package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

// CaptureAuto selects the last used option, or the first one available
const CaptureAuto = "auto"

// ErrUnknownKey is returned for keys outside the settings schema
var ErrUnknownKey = errors.New("unknown configuration key")

// Config is the persisted settings document
type Config struct {
	// Capture is CaptureAuto or a qualified option label
	Capture string `json:"capture" yaml:"capture" mapstructure:"capture"`
	// LockInterval is how long, in seconds, detections are ignored after one is emitted
	LockInterval float64 `json:"lock_interval" yaml:"lock_interval" mapstructure:"lock_interval"`
	TypeCode     bool    `json:"type_code" yaml:"type_code" mapstructure:"type_code"`
	PressEnter   bool    `json:"press_enter" yaml:"press_enter" mapstructure:"press_enter"`
	PlayBeep     bool    `json:"play_beep" yaml:"play_beep" mapstructure:"play_beep"`
	FlipFrames   bool    `json:"flip_frames" yaml:"flip_frames" mapstructure:"flip_frames"`
	LogLevel     string  `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	ServerPort   int     `json:"server_port" yaml:"server_port" mapstructure:"server_port"`

	// KeyboardBackend is auto, x11 or portal
	KeyboardBackend string `json:"keyboard_backend" yaml:"keyboard_backend" mapstructure:"keyboard_backend"`

	Bridge BridgeConfig `json:"bridge" yaml:"bridge" mapstructure:"bridge"`
	Camera CameraConfig `json:"camera" yaml:"camera" mapstructure:"camera"`
}

// BridgeConfig configures the phone camera bridge
type BridgeConfig struct {
	Host            string        `json:"host" yaml:"host" mapstructure:"host"`
	Port            int           `json:"port" yaml:"port" mapstructure:"port"`
	CertFile        string        `json:"cert_file" yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile         string        `json:"key_file" yaml:"key_file" mapstructure:"key_file"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Ack             bool          `json:"ack" yaml:"ack" mapstructure:"ack"`
}

// CameraConfig holds the resolution hint for local cameras, zero means driver default
type CameraConfig struct {
	Width  int `json:"width" yaml:"width" mapstructure:"width"`
	Height int `json:"height" yaml:"height" mapstructure:"height"`
}

// LockDuration returns LockInterval as a duration
func (c Config) LockDuration() time.Duration {
	return time.Duration(c.LockInterval * float64(time.Second))
}

type valueKind int

const (
	kindString valueKind = iota
	kindBool
	kindInt
	kindPort
	kindSeconds
	kindDuration
	kindLevel
	kindKeyboard
)

// schema lists every settable key with its type and default
var schema = map[string]struct {
	kind valueKind
	def  interface{}
}{
	"capture":                 {kindString, CaptureAuto},
	"lock_interval":           {kindSeconds, 1.5},
	"type_code":               {kindBool, true},
	"press_enter":             {kindBool, true},
	"play_beep":               {kindBool, true},
	"flip_frames":             {kindBool, false},
	"log_level":               {kindLevel, "info"},
	"server_port":             {kindPort, 8080},
	"keyboard_backend":        {kindKeyboard, "auto"},
	"bridge.host":             {kindString, "0.0.0.0"},
	"bridge.port":             {kindPort, 5000},
	"bridge.cert_file":        {kindString, ""},
	"bridge.key_file":         {kindString, ""},
	"bridge.shutdown_timeout": {kindDuration, 5 * time.Second},
	"bridge.ack":              {kindBool, false},
	"camera.width":            {kindInt, 0},
	"camera.height":           {kindInt, 0},
}

// Keys returns every settable key, sorted
func Keys() []string {
	keys := make([]string, 0, len(schema))
	for k := range schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Manager handles configuration. Every setter persists immediately.
type Manager struct {
	configPath string
	v          *viper.Viper
	mu         sync.RWMutex
}

// DefaultPath returns $XDG_CONFIG_HOME/pastebarcode/config.yaml
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "pastebarcode", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty, creating it
// with defaults if missing
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		def, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = def
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	for key, s := range schema {
		v.SetDefault(key, s.def)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	m := &Manager{configPath: path, v: v}
	log := logger.WithComponent("config")

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) && !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Info().Str("path", path).Msg("Config file not found, creating new config")
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	log.Info().
		Str("path", path).
		Str("capture", v.GetString("capture")).
		Msg("Config loaded")

	return m, nil
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf)
}

// Settings returns a typed snapshot of the current configuration
func (m *Manager) Settings() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settingsLocked()
}

func (m *Manager) settingsLocked() Config {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		logger.WithComponent("config").Warn().Err(err).Msg("Config did not decode, using defaults")
		return Defaults()
	}
	return cfg
}

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		Capture:      CaptureAuto,
		LockInterval: 1.5,
		TypeCode:     true,
		PressEnter:   true,
		PlayBeep:     true,
		LogLevel:     "info",
		ServerPort:   8080,

		KeyboardBackend: "auto",
		Bridge: BridgeConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Get returns the value stored under key
func (m *Manager) Get(key string) (interface{}, error) {
	if _, ok := schema[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Get(key), nil
}

// Set parses raw for key, stores it and saves the file
func (m *Manager) Set(key, raw string) error {
	value, err := ParseValue(key, raw)
	if err != nil {
		return err
	}
	return m.setValue(key, value)
}

func (m *Manager) setValue(key string, value interface{}) error {
	m.mu.Lock()
	m.v.Set(key, value)
	m.mu.Unlock()
	return m.Save()
}

// ParseValue converts a command-line string into the typed value for key
func ParseValue(key, raw string) (interface{}, error) {
	s, ok := schema[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	switch s.kind {
	case kindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean: %s (use: true or false)", raw)
		}
		return b, nil
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid number: %s", raw)
		}
		return n, nil
	case kindPort:
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", raw)
		}
		return n, nil
	case kindSeconds:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid number of seconds: %s", raw)
		}
		return f, nil
	case kindDuration:
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid duration: %s (e.g. 5s, 500ms)", raw)
		}
		return d, nil
	case kindLevel:
		if !logger.ValidLevel(raw) {
			return nil, fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", raw)
		}
		return strings.ToLower(raw), nil
	case kindKeyboard:
		switch b := strings.ToLower(raw); b {
		case "auto", "x11", "portal":
			return b, nil
		}
		return nil, fmt.Errorf("invalid keyboard backend: %s (use: auto, x11, portal)", raw)
	default:
		return raw, nil
	}
}

// SetCapture remembers the selected capture option
func (m *Manager) SetCapture(label string) error {
	return m.setValue("capture", label)
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	return m.setValue("server_port", port)
}

// GetPort gets the server port
func (m *Manager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.GetInt("server_port")
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	return m.setValue("log_level", level)
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.GetString("log_level")
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.settingsLocked()
	m.mu.RUnlock()

	log := logger.WithComponent("config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		log.Error().Err(err).Str("config_dir", configDir).Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().Err(err).Str("path", m.configPath).Msg("Failed to write config")
		return err
	}

	log.Debug().Str("path", m.configPath).Msg("Config saved")
	return nil
}
