package canon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalize_KeyOrderingAndWhitespace(t *testing.T) {
	v := map[string]any{
		"b": 1.0,
		"a": "x",
		"c": []any{3.0, 1.0, 2.0},
	}
	got, err := Canonicalize(v)
	require.NoError(t, err)
	require.Equal(t, `{"a":"x","b":1,"c":[3,1,2]}`, string(got))
}

func TestCanonicalize_StructurallyEqual(t *testing.T) {
	a := map[string]any{"owners": []any{"x", "y"}, "kind": "REGISTER"}
	b := map[string]any{"kind": "REGISTER", "owners": []any{"x", "y"}}

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)
	require.Equal(t, ca, cb)
	require.Equal(t, Hash(ca), Hash(cb))
}

func TestCanonicalizeJSON_Idempotent(t *testing.T) {
	raw := []byte(`{"z": 2, "a": 1, "nested": {"y": true, "x": null}}`)
	first, err := CanonicalizeJSON(raw)
	require.NoError(t, err)

	second, err := CanonicalizeJSON(first)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestHash_IsLowercaseHexSHA256Length(t *testing.T) {
	canonical, err := Canonicalize(map[string]any{"a": 1.0})
	require.NoError(t, err)
	h := Hash(canonical)
	require.Len(t, h, 64)
	for _, r := range h {
		require.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'))
	}
}

func TestCanonicalize_UnsupportedType(t *testing.T) {
	_, err := Canonicalize(map[string]any{"a": struct{}{}})
	require.Error(t, err)
}
