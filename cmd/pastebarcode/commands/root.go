package commands

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pastebarcode/pastebarcode/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "pastebarcode",
		Short: "pastebarcode - type barcodes seen by a camera into the focused window",
		Long: `pastebarcode watches a camera, decodes the barcodes it sees and types
each new code into whatever application has keyboard focus.

Features:
  • Local cameras (V4L2 via OpenCV, GStreamer fallback)
  • A phone as a wireless camera over the local network
  • QR, Data Matrix, EAN/UPC, Code 128/39/93, ITF and Codabar
  • Lock interval so a code held in view is typed once
  • Live annotated preview and REST control API
  • Persistent configuration`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Utility commands stay quiet unless asked otherwise
			level := viper.GetString("log_level")
			if level == "" {
				level = "warn"
			}
			initLogger(level)
		},
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pastebarcode/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "control server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

func initLogger(level string) {
	logger.Init(level, isatty.IsTerminal(os.Stderr.Fd()))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
