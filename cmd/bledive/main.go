package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bledive",
		Short: "Download dives from BLE dive computers",
		Long: `Download dive logs from Bluetooth Low Energy dive computers.

- Scan for nearby dive computers and identify supported models
- Download new dives incrementally (fingerprints remember the newest dive)
- Print decoded dives as a table or JSON
- Simulated dive computer for trying things out without hardware`,
		Version: formatVersion(version),
		// Silence Cobra's "Error:" prefix - main() prints clean errors
		SilenceErrors: true,
	}

	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newDescriptorsCmd())
	cmd.AddCommand(newDownloadCmd())
	cmd.AddCommand(newFingerprintsCmd())

	// Global flags
	cmd.PersistentFlags().String("config", "", "Config file (default "+defaultConfigHint()+")")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	// Add -v as a short flag for --version
	cmd.Flags().BoolP("version", "v", false, "Show version information")
	cmd.SetVersionTemplate(fmt.Sprintf("bledive {{.Version}} (commit %s, built %s)\n", commit, date))
	return cmd
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
