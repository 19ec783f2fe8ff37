// Package options implements RecipeOptions: a closed per-recipe key/value
// bag with layered, left-fold inheritance.
package options

import (
	"sort"

	"github.com/lemonade-sdk/lemonade-router/pkg/apierrors"
)

// Recipe is the enumerated launch strategy for a model.
type Recipe string

const (
	RecipeLlamaCpp   Recipe = "llamacpp"
	RecipeOgaCPU     Recipe = "oga-cpu"
	RecipeOgaHybrid  Recipe = "oga-hybrid"
	RecipeOgaNPU     Recipe = "oga-npu"
	RecipeRyzenAI    Recipe = "ryzenai"
	RecipeFLM        Recipe = "flm"
	RecipeWhisperCPP Recipe = "whispercpp"
)

// Value is a scalar option value: exactly one of Int or Str is meaningful,
// discriminated by IsInt. The empty sentinel for an int is -1, for a string
// is "".
type Value struct {
	IsInt bool
	Int   int
	Str   string
}

// IntValue wraps an integer option value.
func IntValue(v int) Value { return Value{IsInt: true, Int: v} }

// StrValue wraps a string option value.
func StrValue(v string) Value { return Value{IsInt: false, Str: v} }

// empty reports whether v is the "unset" sentinel for its kind: -1 for
// integers, "" for strings.
func (v Value) empty() bool {
	if v.IsInt {
		return v.Int == -1
	}
	return v.Str == ""
}

// keysByRecipe is the closed per-recipe key set from the original
// recipe_options.cpp::get_keys_for_recipe.
var keysByRecipe = map[Recipe][]string{
	RecipeLlamaCpp:   {"ctx_size", "llamacpp_backend", "llamacpp_args"},
	RecipeOgaCPU:     {"ctx_size"},
	RecipeOgaHybrid:  {"ctx_size"},
	RecipeOgaNPU:     {"ctx_size"},
	RecipeRyzenAI:    {"ctx_size"},
	RecipeFLM:        {"ctx_size"},
	RecipeWhisperCPP: {},
}

// defaults are the recipe-default values, used only when no layer in the
// inheritance chain has set a key.
var defaults = map[string]Value{
	"ctx_size":         IntValue(4096),
	"llamacpp_backend": StrValue("vulkan"),
	"llamacpp_args":    StrValue(""),
}

// RecipeOptions is an immutable, filtered option bag scoped to one recipe.
type RecipeOptions struct {
	recipe  Recipe
	values  map[string]Value
}

// keySet returns the set of valid keys for a recipe as a lookup map.
func keySet(recipe Recipe) map[string]bool {
	set := make(map[string]bool, len(keysByRecipe[recipe]))
	for _, k := range keysByRecipe[recipe] {
		set[k] = true
	}
	return set
}

// New filters raw to the key set of recipe, dropping any key outside that
// set and any value that is the empty sentinel.
func New(recipe Recipe, raw map[string]Value) RecipeOptions {
	allowed := keySet(recipe)
	values := make(map[string]Value, len(raw))
	for k, v := range raw {
		if allowed[k] && !v.empty() {
			values[k] = v
		}
	}
	return RecipeOptions{recipe: recipe, values: values}
}

// Recipe returns the recipe this option bag is scoped to.
func (o RecipeOptions) Recipe() Recipe { return o.recipe }

// Inherit returns a new RecipeOptions containing every key already set on o,
// plus every key set on lower that is neither set on o nor itself empty.
// Left-folding Inherit over [request, descriptor, server-defaults] yields
// "first non-empty wins" without conditionals at call sites.
func (o RecipeOptions) Inherit(lower RecipeOptions) RecipeOptions {
	merged := make(map[string]Value, len(o.values)+len(lower.values))
	for k, v := range o.values {
		merged[k] = v
	}
	for k, v := range lower.values {
		if _, set := merged[k]; !set && !v.empty() {
			merged[k] = v
		}
	}
	return RecipeOptions{recipe: o.recipe, values: merged}
}

// Get returns the stored value for key, falling back to the recipe default
// when unset. It fails with apierrors.UnknownOption if key is outside this
// recipe's key set.
func (o RecipeOptions) Get(key string) (Value, error) {
	if !keySet(o.recipe)[key] {
		return Value{}, apierrors.New(apierrors.UnknownOption, "option %q is not valid for recipe %q", key, o.recipe)
	}
	if v, ok := o.values[key]; ok {
		return v, nil
	}
	return defaults[key], nil
}

// Equal reports whether o and other hold identical effective values, used by
// BackendSlotPool to decide whether a Ready slot can be reused as-is or must
// be reloaded.
func (o RecipeOptions) Equal(other RecipeOptions) bool {
	if o.recipe != other.recipe {
		return false
	}
	if len(o.values) != len(other.values) {
		return false
	}
	for k, v := range o.values {
		ov, ok := other.values[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Keys returns the sorted set of keys explicitly set on o (for logging).
func (o RecipeOptions) Keys() []string {
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidRecipe reports whether recipe is one of the seven enumerated recipes.
func ValidRecipe(recipe Recipe) bool {
	_, ok := keysByRecipe[recipe]
	return ok
}
