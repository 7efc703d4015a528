package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pastebarcode/pastebarcode/internal/api"
	"github.com/pastebarcode/pastebarcode/internal/capture"
	"github.com/pastebarcode/pastebarcode/internal/config"
	"github.com/pastebarcode/pastebarcode/internal/keyboard"
	"github.com/pastebarcode/pastebarcode/internal/logger"
	"github.com/pastebarcode/pastebarcode/internal/output"
	"github.com/pastebarcode/pastebarcode/internal/scanner"
	"github.com/pastebarcode/pastebarcode/internal/sound"
	"github.com/pastebarcode/pastebarcode/internal/sources"
	"github.com/pastebarcode/pastebarcode/internal/webbridge"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Start scanning",
	Long: `Open the configured camera and type every decoded barcode into the
focused window. The control API and live preview are served on localhost.`,
	Example: `  # Scan with the last used camera
  pastebarcode scan

  # Use the phone bridge
  pastebarcode scan --source "Local Network Web"

  # Preview on a different port with verbose logs
  pastebarcode scan --port 9090 --log-level debug`,
	RunE: runScan,
}

var (
	scanSource     string
	scanPreviewFPS int
)

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVarP(&scanSource, "source", "s", "", "capture option to start with (see 'pastebarcode list')")
	scanCmd.Flags().IntVar(&scanPreviewFPS, "preview-fps", 15, "maximum preview frame rate")
}

// applyFlags overlays command-line flags on the loaded settings without
// persisting them
func applyFlags(cfg *config.Config) {
	if port := viper.GetInt("server_port"); port > 0 {
		cfg.ServerPort = port
	}
	if level := viper.GetString("log_level"); level != "" {
		cfg.LogLevel = level
	}
}

// initialOption picks the option to open at startup: the preferred label if
// the menu still offers it, otherwise the first entry
func initialOption(preferred string, menu []string) string {
	if preferred != "" && preferred != config.CaptureAuto {
		for _, label := range menu {
			if label == preferred {
				return label
			}
		}
	}
	if len(menu) > 0 {
		return menu[0]
	}
	return ""
}

func runScan(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Settings()
	applyFlags(&cfg)
	initLogger(cfg.LogLevel)

	log := logger.WithComponent("scan")
	configDir := configMgr.GetConfigDir()

	// Live preview
	preview := output.NewMJPEGOutput(output.Config{FPS: scanPreviewFPS})
	if err := preview.Start(); err != nil {
		return fmt.Errorf("failed to start preview: %w", err)
	}

	opts := []scanner.Option{scanner.WithPreview(preview)}

	var typer keyboard.Typer
	if cfg.TypeCode {
		typer, err = keyboard.New(cfg.KeyboardBackend, configDir)
		if err != nil {
			log.Warn().Err(err).Msg("Keyboard unavailable, codes will not be typed")
		} else {
			defer typer.Close()
			opts = append(opts, scanner.WithTyper(typer))
		}
	}

	if cfg.PlayBeep {
		beeper, err := sound.NewBeeper(configDir)
		if err != nil {
			log.Warn().Err(err).Msg("Beep unavailable")
		} else {
			opts = append(opts, scanner.WithBeeper(beeper))
		}
	}

	scan := scanner.New(scanner.NewZXingDetector(), scanner.OptionsFrom(cfg), opts...)

	captureAPI := capture.NewAPI(sources.Default(cfg, configDir))
	defer captureAPI.Close()
	captureAPI.SetFrameCallback(scan.HandleFrame)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go scan.Run(ctx)

	preferred := cfg.Capture
	if scanSource != "" {
		preferred = scanSource
	}
	if label := initialOption(preferred, captureAPI.Options()); label == "" {
		log.Warn().Msg("No capture options available")
	} else if err := captureAPI.SetOption(label); err != nil {
		log.Error().Err(err).Str("option", label).Msg("Failed to select capture option")
	} else if err := captureAPI.Start(); err != nil {
		log.Error().Err(err).Str("option", label).Msg("Failed to start capture")
	} else {
		if err := configMgr.SetCapture(label); err != nil {
			log.Warn().Err(err).Msg("Failed to persist capture selection")
		}
		if label == capture.NetworkName {
			for _, u := range bridgeURLs(cfg) {
				log.Info().Str("url", u).Msg("Open on your phone to stream its camera")
			}
		}
	}

	server := api.NewServer(captureAPI, configMgr, scan, preview)
	server.OnConfigChange(func(c config.Config) {
		scan.SetOptions(scanner.OptionsFrom(c))
		zerolog.SetGlobalLevel(logger.ParseLevel(c.LogLevel))
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.ServerPort)
	}()

	log.Info().
		Str("preview", fmt.Sprintf("http://localhost:%d/", cfg.ServerPort)).
		Msg("Scanning")

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("systemd notify failed")
	} else if ok {
		log.Debug().Msg("Notified systemd")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("Control server failed")
		}
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)

	if err := captureAPI.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop capture")
	}
	// Ends open MJPEG streams so Shutdown is not held up by them
	preview.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Control server shutdown")
	}
	return nil
}

// bridgeURLs lists the addresses a phone can open to reach the bridge
func bridgeURLs(cfg config.Config) []string {
	var urls []string
	for _, addr := range webbridge.LocalAddresses() {
		urls = append(urls, fmt.Sprintf("https://%s:%d/", addr, cfg.Bridge.Port))
	}
	return urls
}
