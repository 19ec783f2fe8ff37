// Package catalog implements ModelCatalog: the registry of known models and
// their on-disk resolution.
package catalog

import "github.com/lemonade-sdk/lemonade-router/pkg/options"

// Class is the enumerated model class. A model belongs to exactly one.
type Class string

const (
	ClassLLM        Class = "LLM"
	ClassEmbedding  Class = "EMBEDDING"
	ClassReranking  Class = "RERANKING"
	ClassAudio      Class = "AUDIO"
)

// Label is a capability tag on a descriptor.
type Label string

const (
	LabelReasoning  Label = "reasoning"
	LabelVision     Label = "vision"
	LabelEmbeddings Label = "embeddings"
	LabelReranking  Label = "reranking"
)

// Descriptor is the identity of an installable model. Descriptors are
// immutable once registered; mutation is modelled as unregister + register.
type Descriptor struct {
	Name          string              `json:"name"`
	Class         Class               `json:"class"`
	Recipe        options.Recipe      `json:"recipe"`
	Location      string              `json:"location"`
	Labels        []Label             `json:"labels"`
	MMProjPath    string              `json:"mmproj_path,omitempty"`
	RecipeOptions map[string]RawValue `json:"recipe_options,omitempty"`
}

// RawValue is the JSON-serializable form of an options.Value, since
// options.Value itself carries an IsInt discriminator that isn't a natural
// JSON shape.
type RawValue struct {
	Int *int    `json:"int,omitempty"`
	Str *string `json:"str,omitempty"`
}

// ToValue converts a RawValue back into an options.Value.
func (r RawValue) ToValue() options.Value {
	if r.Int != nil {
		return options.IntValue(*r.Int)
	}
	if r.Str != nil {
		return options.StrValue(*r.Str)
	}
	return options.StrValue("")
}

// FromValue converts an options.Value into its persisted RawValue form.
func FromValue(v options.Value) RawValue {
	if v.IsInt {
		i := v.Int
		return RawValue{Int: &i}
	}
	s := v.Str
	return RawValue{Str: &s}
}

// HasLabel reports whether d carries the given label.
func (d Descriptor) HasLabel(l Label) bool {
	for _, have := range d.Labels {
		if have == l {
			return true
		}
	}
	return false
}

// RecipeOptionsValues converts the descriptor's persisted recipe options map
// into the options.Value map New() expects.
func (d Descriptor) RecipeOptionsValues() map[string]options.Value {
	values := make(map[string]options.Value, len(d.RecipeOptions))
	for k, raw := range d.RecipeOptions {
		values[k] = raw.ToValue()
	}
	return values
}

// PullEvent is one element of the lazy finite sequence returned by Pull.
type PullEvent struct {
	Status         string `json:"status"`
	CompletedBytes int64  `json:"completed_bytes"`
	TotalBytes     int64  `json:"total_bytes"`
	Error          string `json:"error,omitempty"`
}

// validLabel reports whether l is one of the four recognized labels.
func validLabel(l Label) bool {
	switch l {
	case LabelReasoning, LabelVision, LabelEmbeddings, LabelReranking:
		return true
	default:
		return false
	}
}

// ValidateInvariants checks the class/label coupling invariants from the
// data model: class=EMBEDDING iff embeddings in labels (same for reranking),
// and vision implies mmproj_path is present.
func ValidateInvariants(d Descriptor) error {
	hasEmbeddings := d.HasLabel(LabelEmbeddings)
	if (d.Class == ClassEmbedding) != hasEmbeddings {
		return errInvariant("class=EMBEDDING must coincide with the embeddings label")
	}
	hasReranking := d.HasLabel(LabelReranking)
	if (d.Class == ClassReranking) != hasReranking {
		return errInvariant("class=RERANKING must coincide with the reranking label")
	}
	if d.HasLabel(LabelVision) && d.MMProjPath == "" {
		return errInvariant("vision models require mmproj_path")
	}
	for _, l := range d.Labels {
		if !validLabel(l) {
			return errInvariant("unrecognized label " + string(l))
		}
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return string(e) }

func errInvariant(msg string) error { return invariantError(msg) }
