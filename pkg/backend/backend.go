// Package backend implements BackendProcess: one running inference
// subprocess, its health probing, stdio capture, and shutdown sequencing,
// plus the per-recipe launchers that translate a descriptor and its
// effective options into a concrete argv.
package backend

import "github.com/lemonade-sdk/lemonade-router/pkg/options"

// Mode is the operation a backend process is being started to serve. A
// running process serves exactly one mode for its lifetime.
type Mode string

const (
	ModeCompletion Mode = "completion"
	ModeEmbedding  Mode = "embedding"
	ModeReranking  Mode = "reranking"
	ModeAudio      Mode = "audio"
)

// Descriptor is the subset of catalog.Descriptor a launcher needs to build
// an argv, duplicated here (rather than importing pkg/catalog) to keep
// pkg/backend free of a dependency on the catalog's persistence concerns.
type Descriptor struct {
	Name       string
	Recipe     options.Recipe
	Location   string // model file or directory path
	MMProjPath string
}

// Launcher builds the argv for one recipe's backend binary, given the
// model descriptor and its fully-merged effective options.
type Launcher interface {
	// BinaryName is the executable resolved via PATH (or an absolute
	// override) to spawn for this recipe.
	BinaryName() string
	// Args builds the full argument vector, excluding argv[0].
	Args(desc Descriptor, mode Mode, port int, effective options.RecipeOptions) ([]string, error)
}

// LauncherFor returns the Launcher implementation for recipe, or nil if the
// recipe is unrecognized.
func LauncherFor(recipe options.Recipe) Launcher {
	switch recipe {
	case options.RecipeLlamaCpp:
		return llamaCppLauncher{}
	case options.RecipeOgaCPU:
		return ogaLauncher{executionProvider: "cpu"}
	case options.RecipeOgaHybrid:
		return ogaLauncher{executionProvider: "hybrid"}
	case options.RecipeOgaNPU:
		return ogaLauncher{executionProvider: "npu"}
	case options.RecipeRyzenAI:
		return ryzenAILauncher{}
	case options.RecipeFLM:
		return flmLauncher{}
	case options.RecipeWhisperCPP:
		return whisperCppLauncher{}
	default:
		return nil
	}
}
