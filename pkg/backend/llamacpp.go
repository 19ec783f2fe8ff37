package backend

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/mattn/go-shellwords"

	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

// llamaCppLauncher builds argv for the llama.cpp recipe. Grounded on the
// teacher's llamacpp.Config.GetArgs, generalized from the teacher's
// bundle/runtime-config vocabulary to this spec's ModelDescriptor/
// RecipeOptions vocabulary.
type llamaCppLauncher struct{}

func (llamaCppLauncher) BinaryName() string { return "llama-server" }

func (llamaCppLauncher) Args(desc Descriptor, mode Mode, port int, effective options.RecipeOptions) ([]string, error) {
	if desc.Location == "" {
		return nil, fmt.Errorf("GGUF file required by llamacpp recipe for %q", desc.Name)
	}

	args := []string{"-ngl", "999", "--metrics"}
	if runtime.GOOS == "darwin" {
		args = append(args, "--no-mmap")
	}
	if runtime.GOARCH == "arm64" {
		nThreads := runtime.NumCPU() / 2
		if nThreads < 2 {
			nThreads = 2
		}
		args = append(args, "--threads", strconv.Itoa(nThreads))
	}

	args = append(args, "--model", desc.Location, "--host", fmt.Sprintf("127.0.0.1:%d", port))

	switch mode {
	case ModeCompletion:
		if desc.MMProjPath != "" {
			args = append(args, "--mmproj", desc.MMProjPath)
		} else {
			args = append(args, "--jinja")
		}
	case ModeEmbedding:
		args = append(args, "--embeddings")
	case ModeReranking:
		args = append(args, "--embeddings", "--reranking")
	default:
		return nil, fmt.Errorf("unsupported backend mode %q for llamacpp", mode)
	}

	ctxSize, err := effective.Get("ctx_size")
	if err != nil {
		return nil, err
	}
	if ctxSize.Int > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(ctxSize.Int))
	}

	backendDevice, err := effective.Get("llamacpp_backend")
	if err != nil {
		return nil, err
	}
	if backendDevice.Str != "" {
		args = append(args, "--device", backendDevice.Str)
	}

	extra, err := effective.Get("llamacpp_args")
	if err != nil {
		return nil, err
	}
	if extra.Str != "" {
		parsed, err := shellwords.Parse(extra.Str)
		if err != nil {
			return nil, fmt.Errorf("parse llamacpp_args: %w", err)
		}
		args = append(args, parsed...)
	}

	return args, nil
}
