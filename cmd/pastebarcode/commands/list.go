package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pastebarcode/pastebarcode/internal/capture"
	"github.com/pastebarcode/pastebarcode/internal/config"
	"github.com/pastebarcode/pastebarcode/internal/sources"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List capture options",
	Long: `List every capture option pastebarcode can open: each local camera
and the phone bridge. The option marked with * is the saved selection.`,
	Example: `  # List options in table format (default)
  pastebarcode list

  # List options in JSON format
  pastebarcode list --format json`,
	RunE: runList,
}

var listFormat string

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
}

// optionInfo is one row of the list output
type optionInfo struct {
	Label string `json:"label"`
	Saved bool   `json:"saved"`
}

func runList(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Settings()

	captureAPI := capture.NewAPI(sources.Default(cfg, configMgr.GetConfigDir()))
	defer captureAPI.Close()

	options := make([]optionInfo, 0)
	for _, label := range captureAPI.Options() {
		options = append(options, optionInfo{Label: label, Saved: label == cfg.Capture})
	}

	return printOptions(cmd.OutOrStdout(), listFormat, options)
}

func printOptions(out io.Writer, format string, options []optionInfo) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(options)
	case "table":
		if len(options) == 0 {
			fmt.Fprintln(out, "No capture options found")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\tOPTION")
		for _, o := range options {
			mark := ""
			if o.Saved {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%s\n", mark, o.Label)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", format)
	}
}
