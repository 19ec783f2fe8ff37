// Package cli implements the lemonade-router command-line interface using
// Cobra, grounded on Tutu-Engine-tutuengine's internal/cli package shape
// (a package-level rootCmd, an Execute(version) entry point called from
// main.go, and one file per subcommand).
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// exitCoder lets a subcommand's returned error carry a specific process
// exit code, per §6: 0 normal, 1 startup error, 2 another instance running.
type exitCoder interface {
	ExitCode() int
}

func exitCodeFor(err error) (int, bool) {
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode(), true
	}
	return 0, false
}

var rootCmd = &cobra.Command{
	Use:   "lemonade-router",
	Short: "Local inference server and model router",
	Long: color.New(color.FgCyan, color.Bold).Sprint("lemonade-router") + ` routes OpenAI- and
Ollama-compatible API requests to on-demand llama.cpp/OGA/RyzenAI/FLM/whisper.cpp
backends, spawning and evicting them under a per-class capacity limit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command, returning the process exit code the caller
// should use: 0 on success, 1 on any other error. A `serve` failure that
// specifically means "another instance is already running" returns 2
// instead, handled in runServe.
func Execute(version string) int {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprint("Error:"), err)
		if code, ok := exitCodeFor(err); ok {
			return code
		}
		return 1
	}
	return 0
}
