package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lemonade-sdk/lemonade-router/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

// serverConfig is the fully-resolved set of flags a `serve` invocation runs
// with, assembled from spf13/pflag defaults plus whatever the user
// overrode. Mirrors §6's CLI surface.
type serverConfig struct {
	Host    string
	Port    int
	LogLevel string

	CtxSize         int
	LlamaCppBackend string
	LlamaCppArgs    string

	MaxLoadedModels map[catalog.Class]int

	ExtraModelsDir string
	CacheRoot      string
}

// defaultMaxLoadedModels gives every class one slot, the same default
// pool.New applies to a class missing from its capacity map.
func defaultMaxLoadedModels() map[catalog.Class]int {
	return map[catalog.Class]int{
		catalog.ClassLLM:       1,
		catalog.ClassEmbedding: 1,
		catalog.ClassReranking: 1,
		catalog.ClassAudio:     1,
	}
}

// parseMaxLoadedModels parses the `--max-loaded-models` flag's
// `llm=N,embedding=N,reranking=N,audio=N` syntax, starting from the
// defaults and overriding only the classes named.
func parseMaxLoadedModels(raw string) (map[catalog.Class]int, error) {
	quotas := defaultMaxLoadedModels()
	if raw == "" {
		return quotas, nil
	}
	classByFlagName := map[string]catalog.Class{
		"llm":        catalog.ClassLLM,
		"embedding":  catalog.ClassEmbedding,
		"reranking":  catalog.ClassReranking,
		"audio":      catalog.ClassAudio,
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid --max-loaded-models entry %q, want key=value", pair)
		}
		class, ok := classByFlagName[strings.ToLower(strings.TrimSpace(kv[0]))]
		if !ok {
			return nil, fmt.Errorf("invalid --max-loaded-models class %q", kv[0])
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid --max-loaded-models quota for %q: %q", kv[0], kv[1])
		}
		quotas[class] = n
	}
	return quotas, nil
}

// allRecipes enumerates every launch strategy buildServerDefaults lays a
// RecipeOptions layer down for, regardless of whether the flags that recipe
// accepts were actually passed on this invocation.
var allRecipes = []options.Recipe{
	options.RecipeLlamaCpp,
	options.RecipeOgaCPU,
	options.RecipeOgaHybrid,
	options.RecipeOgaNPU,
	options.RecipeRyzenAI,
	options.RecipeFLM,
	options.RecipeWhisperCPP,
}

// buildServerDefaults turns the `serve` flags into the server-level
// RecipeOptions layer every model-level recipe inherits from. Only the keys
// a given recipe actually recognizes are set; options.New silently drops
// the rest.
func buildServerDefaults(cfg serverConfig) map[options.Recipe]options.RecipeOptions {
	raw := map[string]options.Value{}
	if cfg.CtxSize > 0 {
		raw["ctx_size"] = options.IntValue(cfg.CtxSize)
	}
	if cfg.LlamaCppBackend != "" {
		raw["llamacpp_backend"] = options.StrValue(cfg.LlamaCppBackend)
	}
	if cfg.LlamaCppArgs != "" {
		raw["llamacpp_args"] = options.StrValue(cfg.LlamaCppArgs)
	}

	defaults := make(map[options.Recipe]options.RecipeOptions, len(allRecipes))
	for _, recipe := range allRecipes {
		defaults[recipe] = options.New(recipe, raw)
	}
	return defaults
}
