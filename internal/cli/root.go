// Package cli implements the Inferno command-line interface using Cobra.
// Subcommands are thin HTTP clients against a running daemon, except serve,
// which starts the daemon itself.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 0 normal, 2 configuration error, 3 unrecoverable internal
// error.
const (
	exitOK       = 0
	exitConfig   = 2
	exitInternal = 3
)

// errConfig marks configuration failures so Execute maps them to exit 2.
var errConfig = errors.New("configuration error")

var rootCmd = &cobra.Command{
	Use:   "inferno",
	Short: "Inferno — local AI inference runtime",
	Long: `Inferno loads quantized language models (GGUF, ONNX) and serves
inference requests through a priority-aware scheduling core.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serverAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://127.0.0.1:11435", "Address of the inferno daemon")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, errConfig) {
			os.Exit(exitConfig)
		}
		os.Exit(exitInternal)
	}
	os.Exit(exitOK)
}
