package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"json number", json.Number("1250"), "1250"},
		{"bool true", true, "true"},
		{"null", nil, "null"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"nested", map[string]any{"a": []any{1, "x"}}, `{"a":[1,"x"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalRejectsFractionalNumbers(t *testing.T) {
	_, err := Marshal(json.Number("12.50"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minor units")

	_, err = Marshal(3.14)
	require.Error(t, err)
}

func TestMarshalSortedKeys(t *testing.T) {
	result, err := Marshal(map[string]any{"zebra": 1, "alpha": 2, "beta": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":3,"zebra":1}`, string(result))
}

func TestMarshalUTF16Ordering(t *testing.T) {
	// U+10000 encodes as a surrogate pair starting 0xD800, which sorts before
	// U+E000 in UTF-16 but after it in UTF-8.
	obj := map[string]any{
		"\uE000":     1,
		"\U00010000": 2,
	}

	result, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(result))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	result, err := Marshal("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(result))
}

func TestMarshalLineSeparatorsLiteral(t *testing.T) {
	result, err := Marshal("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(result))

	// A literal backslash followed by the text u2028 stays escaped.
	result, err = Marshal(`a\u2028`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028"`, string(result))
}

func TestMarshalNFCNormalization(t *testing.T) {
	decomposed := "cafe\u0301"
	composed := "caf\u00e9"

	a, err := Marshal(decomposed)
	require.NoError(t, err)
	b, err := Marshal(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestNormalizeIgnoresWhitespaceAndOrder(t *testing.T) {
	a, err := Normalize([]byte(`{"sku": "A-1", "delta": -3}`))
	require.NoError(t, err)
	b, err := Normalize([]byte("{\n  \"delta\":-3,\n  \"sku\":\"A-1\"\n}"))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"delta":-3,"sku":"A-1"}`, string(a))
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"a":`))
	require.Error(t, err)
}

func TestDecodePreservesLargeIntegers(t *testing.T) {
	v, err := Decode([]byte(`{"n": 9223372036854775807}`))
	require.NoError(t, err)

	out, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"n":9223372036854775807}`, string(out))
}
