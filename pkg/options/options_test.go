package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFiltersUnknownKeysAndEmptySentinels(t *testing.T) {
	raw := map[string]Value{
		"ctx_size":         IntValue(-1), // sentinel, dropped
		"llamacpp_backend": StrValue("cpu"),
		"not_a_real_key":   StrValue("whatever"),
	}

	opts := New(RecipeLlamaCpp, raw)

	v, err := opts.Get("ctx_size")
	require.NoError(t, err)
	assert.Equal(t, IntValue(4096), v) // falls back to default, sentinel dropped

	v, err = opts.Get("llamacpp_backend")
	require.NoError(t, err)
	assert.Equal(t, StrValue("cpu"), v)

	_, err = opts.Get("not_a_real_key")
	assert.Error(t, err)
}

func TestGetUnknownOptionForWrongRecipe(t *testing.T) {
	opts := New(RecipeWhisperCPP, map[string]Value{"ctx_size": IntValue(1024)})
	_, err := opts.Get("ctx_size")
	assert.Error(t, err)
}

// TestInheritanceLaw verifies testable property #5: for any req/desc/srv
// option bags, left-folding Inherit yields the first non-empty value across
// [req, desc, srv, default].
func TestInheritanceLaw(t *testing.T) {
	cases := []struct {
		name     string
		req      map[string]Value
		desc     map[string]Value
		srv      map[string]Value
		key      string
		expected Value
	}{
		{
			name:     "request wins",
			req:      map[string]Value{"ctx_size": IntValue(8192)},
			desc:     map[string]Value{"ctx_size": IntValue(2048)},
			srv:      map[string]Value{"ctx_size": IntValue(1024)},
			key:      "ctx_size",
			expected: IntValue(8192),
		},
		{
			name:     "request empty, descriptor wins",
			req:      map[string]Value{"ctx_size": IntValue(-1)},
			desc:     map[string]Value{"ctx_size": IntValue(2048)},
			srv:      map[string]Value{"ctx_size": IntValue(1024)},
			key:      "ctx_size",
			expected: IntValue(2048),
		},
		{
			name:     "request and descriptor empty, server wins",
			req:      map[string]Value{},
			desc:     map[string]Value{},
			srv:      map[string]Value{"ctx_size": IntValue(1024)},
			key:      "ctx_size",
			expected: IntValue(1024),
		},
		{
			name:     "all empty, default wins",
			req:      map[string]Value{},
			desc:     map[string]Value{},
			srv:      map[string]Value{},
			key:      "llamacpp_backend",
			expected: StrValue("vulkan"),
		},
		{
			name:     "string first-non-empty, not the inverted source bug",
			req:      map[string]Value{"llamacpp_backend": StrValue("")},
			desc:     map[string]Value{"llamacpp_backend": StrValue("rocm")},
			srv:      map[string]Value{"llamacpp_backend": StrValue("cpu")},
			key:      "llamacpp_backend",
			expected: StrValue("rocm"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			merged := New(RecipeLlamaCpp, tc.req).
				Inherit(New(RecipeLlamaCpp, tc.desc)).
				Inherit(New(RecipeLlamaCpp, tc.srv))

			got, err := merged.Get(tc.key)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestEqual(t *testing.T) {
	a := New(RecipeLlamaCpp, map[string]Value{"ctx_size": IntValue(2048)})
	b := New(RecipeLlamaCpp, map[string]Value{"ctx_size": IntValue(2048)})
	c := New(RecipeLlamaCpp, map[string]Value{"ctx_size": IntValue(4096)})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestValidRecipe(t *testing.T) {
	assert.True(t, ValidRecipe(RecipeLlamaCpp))
	assert.True(t, ValidRecipe(RecipeWhisperCPP))
	assert.False(t, ValidRecipe(Recipe("not-a-recipe")))
}
