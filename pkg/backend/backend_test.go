package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

func TestLlamaCppArgsCompletionIncludesJinjaWithoutMMProj(t *testing.T) {
	desc := Descriptor{Name: "org/x", Recipe: options.RecipeLlamaCpp, Location: "/models/x.gguf"}
	effective := options.New(options.RecipeLlamaCpp, nil)

	args, err := llamaCppLauncher{}.Args(desc, ModeCompletion, 8001, effective)
	require.NoError(t, err)
	assert.Contains(t, args, "--jinja")
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "/models/x.gguf")
}

func TestLlamaCppArgsVisionUsesMMProj(t *testing.T) {
	desc := Descriptor{Name: "org/x", Recipe: options.RecipeLlamaCpp, Location: "/models/x.gguf", MMProjPath: "/models/x.mmproj"}
	effective := options.New(options.RecipeLlamaCpp, nil)

	args, err := llamaCppLauncher{}.Args(desc, ModeCompletion, 8001, effective)
	require.NoError(t, err)
	assert.Contains(t, args, "--mmproj")
	assert.NotContains(t, args, "--jinja")
}

func TestLlamaCppArgsEmbeddingMode(t *testing.T) {
	desc := Descriptor{Name: "org/e", Recipe: options.RecipeLlamaCpp, Location: "/models/e.gguf"}
	effective := options.New(options.RecipeLlamaCpp, nil)

	args, err := llamaCppLauncher{}.Args(desc, ModeEmbedding, 8001, effective)
	require.NoError(t, err)
	assert.Contains(t, args, "--embeddings")
	assert.NotContains(t, args, "--reranking")
}

func TestLlamaCppArgsRerankingMode(t *testing.T) {
	desc := Descriptor{Name: "org/r", Recipe: options.RecipeLlamaCpp, Location: "/models/r.gguf"}
	effective := options.New(options.RecipeLlamaCpp, nil)

	args, err := llamaCppLauncher{}.Args(desc, ModeReranking, 8001, effective)
	require.NoError(t, err)
	assert.Contains(t, args, "--embeddings")
	assert.Contains(t, args, "--reranking")
}

func TestLlamaCppArgsRequiresModel(t *testing.T) {
	desc := Descriptor{Name: "org/x", Recipe: options.RecipeLlamaCpp}
	_, err := llamaCppLauncher{}.Args(desc, ModeCompletion, 8001, options.New(options.RecipeLlamaCpp, nil))
	assert.Error(t, err)
}

func TestWhisperCppRejectsNonAudioMode(t *testing.T) {
	desc := Descriptor{Name: "org/w", Recipe: options.RecipeWhisperCPP, Location: "/models/w.bin"}
	_, err := whisperCppLauncher{}.Args(desc, ModeCompletion, 8001, options.New(options.RecipeWhisperCPP, nil))
	assert.Error(t, err)
}

func TestOgaLauncherExecutionProviderPerRecipe(t *testing.T) {
	desc := Descriptor{Name: "org/o", Recipe: options.RecipeOgaNPU, Location: "/models/o"}
	args, err := ogaLauncher{executionProvider: "npu"}.Args(desc, ModeCompletion, 8001, options.New(options.RecipeOgaNPU, nil))
	require.NoError(t, err)
	assert.Contains(t, args, "npu")
}

func TestLauncherForUnknownRecipe(t *testing.T) {
	assert.Nil(t, LauncherFor(options.Recipe("bogus")))
}

func TestPortAllocatorScansUpwardAndAvoidsReuse(t *testing.T) {
	alloc := NewPortAllocator()

	a, err := alloc.Allocate("slot-a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a, BasePort)

	b, err := alloc.Allocate("slot-b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	alloc.Release(a)
	c, err := alloc.Allocate("slot-c")
	require.NoError(t, err)
	assert.NotEqual(t, b, c)
}
