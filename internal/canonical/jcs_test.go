package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSON_Sorting(t *testing.T) {
	input := map[string]any{"c": 3, "a": 1, "b": 2}
	b, err := JSON(input)
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJSON_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}
	b, err := JSON(input)
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJSON_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{"html": "<script>alert('xss')</script> &"}
	b, err := JSON(input)
	require.NoError(t, err)
	require.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestJSON_NumberPreserved(t *testing.T) {
	input := map[string]any{"num": json.Number("123.456")}
	b, err := JSON(input)
	require.NoError(t, err)
	require.Equal(t, `{"num":123.456}`, string(b))
}

func TestHashJSON_Stability(t *testing.T) {
	v1 := map[string]any{"a": 1, "b": 2}
	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := HashJSON(v1)
	require.NoError(t, err)
	h2, err := HashJSON(v2)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestJSON_Idempotent(t *testing.T) {
	v := map[string]any{"b": []any{1, 2, "x"}, "a": map[string]any{"nested": true}}
	first, err := JSON(v)
	require.NoError(t, err)

	var reparsed any
	require.NoError(t, json.Unmarshal(first, &reparsed))

	second, err := JSON(reparsed)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))
}

func TestSha256Hex_Length(t *testing.T) {
	h := Sha256Hex([]byte("hello"))
	require.Len(t, h, 64)
}
