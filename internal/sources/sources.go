// Package sources assembles the fixed registry of capture kinds.
package sources

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/pastebarcode/pastebarcode/internal/capture"
	"github.com/pastebarcode/pastebarcode/internal/capture/gstreamer"
	"github.com/pastebarcode/pastebarcode/internal/capture/opencv"
	"github.com/pastebarcode/pastebarcode/internal/capture/v4l2"
	"github.com/pastebarcode/pastebarcode/internal/config"
	"github.com/pastebarcode/pastebarcode/internal/logger"
	"github.com/pastebarcode/pastebarcode/internal/webbridge"
)

// Default returns the registry in menu order: local cameras, then the
// phone bridge. configDir receives a generated bridge certificate when none
// is configured.
func Default(cfg config.Config, configDir string) []capture.Kind {
	catalog := capture.NewDeviceCatalog(
		v4l2.NewEnumerator(afero.NewOsFs(), v4l2.WithGStreamer(gstreamer.Available())),
	)
	opener := NewOpener(cfg.Camera.Width, cfg.Camera.Height)

	bridgeCfg := BridgeConfig(cfg, configDir)

	return []capture.Kind{
		capture.NewLocalKind(catalog, opener),
		capture.NewNetworkKind(func() capture.FrameServer {
			return newBridge(bridgeCfg)
		}, cfg.Bridge.ShutdownTimeout),
	}
}

// BridgeConfig resolves the bridge listener settings, defaulting the
// certificate into configDir
func BridgeConfig(cfg config.Config, configDir string) webbridge.Config {
	out := webbridge.Config{
		Host:     cfg.Bridge.Host,
		Port:     cfg.Bridge.Port,
		CertFile: cfg.Bridge.CertFile,
		KeyFile:  cfg.Bridge.KeyFile,
		Ack:      cfg.Bridge.Ack,
	}
	if out.CertFile == "" || out.KeyFile == "" {
		out.CertFile = filepath.Join(configDir, "bridge-cert.pem")
		out.KeyFile = filepath.Join(configDir, "bridge-key.pem")
	}
	return out
}

// newBridge makes sure a certificate exists before each session so an
// expired one is replaced between runs
func newBridge(cfg webbridge.Config) capture.FrameServer {
	hosts := append([]string{cfg.Host}, webbridge.LocalAddresses()...)
	if err := webbridge.LoadOrCreateCertificate(cfg.CertFile, cfg.KeyFile, hosts); err != nil {
		logger.WithComponent("sources").Error().Err(err).Msg("Bridge certificate unavailable")
	}
	return webbridge.NewServer(cfg)
}

// Opener opens local camera candidates on the backend each one names
type Opener struct {
	width  int
	height int
}

// NewOpener creates an opener applying the resolution hint to every device
func NewOpener(width, height int) *Opener {
	return &Opener{width: width, height: height}
}

// Open implements capture.DeviceOpener
func (o *Opener) Open(c capture.Candidate) (capture.Device, error) {
	switch c.Backend {
	case capture.BackendGStreamer:
		p, err := gstreamer.Open(c.Path, o.width, o.height)
		if err != nil {
			return nil, err
		}
		return p, nil
	case capture.BackendV4L2, capture.BackendAny:
		api := opencv.APIV4L2
		if c.Backend == capture.BackendAny {
			api = opencv.APIAny
		}
		cam, err := opencv.Open(c.Index, api, o.width, o.height)
		if err != nil {
			return nil, err
		}
		return cam, nil
	default:
		return nil, fmt.Errorf("unsupported camera backend %q", c.Backend)
	}
}
