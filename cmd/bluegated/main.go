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
var rootCmd = &cobra.Command{
	Use:   "bluegated",
	Short: "Bluetooth session gateway daemon",
	Long: `Bluetooth session gateway: a daemon that exposes a websocket boundary
through which sandboxed clients discover, select and talk to Bluetooth
devices without ever touching the adapter directly.

- Reference-counted discovery with merged scan filters across clients
- Device selection through a pluggable chooser prompt
- GATT connect, read, write and notification fan-out per client
- Pluggable adapter backends: BlueZ over D-Bus, go-ble over HCI, or a
  scripted fake for development and tests

See 'bluegated serve' to run the daemon, 'bluegated scan' for a one-off
discovery and 'bluegated grants' to inspect the selection journal.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(grantsCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
