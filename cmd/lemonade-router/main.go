// Command lemonade-router is a local inference server that routes
// OpenAI- and Ollama-compatible API requests to on-demand backend
// processes, spawning and evicting them under a per-class capacity limit.
package main

import (
	"os"

	"github.com/lemonade-sdk/lemonade-router/internal/cli"
)

var version = "0.1.0"

func main() {
	os.Exit(cli.Execute(version))
}
