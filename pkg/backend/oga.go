package backend

import (
	"fmt"
	"strconv"

	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

// ogaLauncher builds argv for the OnnxRuntime-GenAI recipes (oga-cpu,
// oga-hybrid, oga-npu), which differ only in execution provider selection.
type ogaLauncher struct {
	executionProvider string
}

func (ogaLauncher) BinaryName() string { return "oga-server" }

func (l ogaLauncher) Args(desc Descriptor, mode Mode, port int, effective options.RecipeOptions) ([]string, error) {
	if desc.Location == "" {
		return nil, fmt.Errorf("model path required by oga-%s recipe for %q", l.executionProvider, desc.Name)
	}
	if mode == ModeAudio {
		return nil, fmt.Errorf("oga-%s does not support audio mode", l.executionProvider)
	}

	args := []string{
		"--execution_provider", l.executionProvider,
		"--model", desc.Location,
		"--port", strconv.Itoa(port),
	}

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
