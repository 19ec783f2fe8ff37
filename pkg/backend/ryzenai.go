package backend

import (
	"fmt"
	"strconv"

	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

// ryzenAILauncher builds argv for AMD's RyzenAI NPU recipe.
type ryzenAILauncher struct{}

func (ryzenAILauncher) BinaryName() string { return "ryzenai-server" }

func (ryzenAILauncher) Args(desc Descriptor, mode Mode, port int, effective options.RecipeOptions) ([]string, error) {
	if desc.Location == "" {
		return nil, fmt.Errorf("model path required by ryzenai recipe for %q", desc.Name)
	}

	args := []string{"--model", desc.Location, "--port", strconv.Itoa(port)}

	ctxSize, err := effective.Get("ctx_size")
	if err != nil {
		return nil, err
	}
	if ctxSize.Int > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(ctxSize.Int))
	}

	switch mode {
	case ModeEmbedding:
		args = append(args, "--embeddings")
	case ModeReranking:
		args = append(args, "--embeddings", "--reranking")
	}

	return args, nil
}
