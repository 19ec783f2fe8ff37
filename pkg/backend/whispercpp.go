package backend

import (
	"fmt"
	"strconv"

	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

// whisperCppLauncher builds argv for the audio transcription recipe. It has
// no recipe options (the key set is empty per §3 of the spec).
type whisperCppLauncher struct{}

func (whisperCppLauncher) BinaryName() string { return "whisper-server" }

func (whisperCppLauncher) Args(desc Descriptor, mode Mode, port int, _ options.RecipeOptions) ([]string, error) {
	if desc.Location == "" {
		return nil, fmt.Errorf("model path required by whispercpp recipe for %q", desc.Name)
	}
	if mode != ModeAudio {
		return nil, fmt.Errorf("whispercpp only supports audio mode, got %q", mode)
	}
	return []string{"--model", desc.Location, "--port", strconv.Itoa(port)}, nil
}
