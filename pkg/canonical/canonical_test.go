package canonical

import (
	"encoding/json"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAtEveryLevel(t *testing.T) {
	out, err := MarshalString(map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "m": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"m":"x","z":true},"b":1}`, out)
}

func TestMarshalCompactSeparators(t *testing.T) {
	out, err := MarshalString(map[string]any{"k": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.NotContains(t, out, " ")
	assert.Equal(t, `{"k":[1,2,3]}`, out)
}

func TestMarshalNormalizesIntegralFloats(t *testing.T) {
	a, err := MarshalString(map[string]any{"v": 5})
	require.NoError(t, err)
	b, err := MarshalString(map[string]any{"v": 5.0})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"v":5}`, a)

	frac, err := MarshalString(map[string]any{"v": 3.5})
	require.NoError(t, err)
	assert.Equal(t, `{"v":3.5}`, frac)
}

func TestMarshalPreservesArrayOrder(t *testing.T) {
	out, err := MarshalString([]any{"c", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["c","a","b"]`, out)
}

func TestMarshalRespectsStructTags(t *testing.T) {
	type doc struct {
		Second string `json:"second"`
		First  string `json:"first"`
	}
	out, err := MarshalString(doc{Second: "2", First: "1"})
	require.NoError(t, err)
	assert.Equal(t, `{"first":"1","second":"2"}`, out)
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	out, err := MarshalString(map[string]any{"scope": "GET /api/data?a=1&b=<2>"})
	require.NoError(t, err)
	assert.Equal(t, `{"scope":"GET /api/data?a=1&b=<2>"}`, out)
}

// The encoding agrees with RFC 8785 JCS on documents without
// non-integral numbers, which covers every protocol document.
func TestMarshalMatchesJCS(t *testing.T) {
	docs := []any{
		map[string]any{"b": "2", "a": "1", "nested": map[string]any{"y": []any{1, 2}, "x": nil}},
		map[string]any{"agreementId": "agr-1", "sequence": 0, "metadata": map[string]any{}},
		[]any{"a", map[string]any{"k": true}, nil},
	}
	for _, doc := range docs {
		mine, err := Marshal(doc)
		require.NoError(t, err)
		theirs, err := jcs.Transform(mine)
		require.NoError(t, err)
		assert.Equal(t, string(theirs), string(mine))
	}
}

func TestMarshalDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same document always encodes to the same bytes", prop.ForAll(
		func(keys []string, values []string) bool {
			doc := map[string]any{}
			for i := 0; i < len(keys) && i < len(values); i++ {
				doc[keys[i]] = values[i]
			}
			a, err1 := Marshal(doc)
			b, err2 := Marshal(doc)
			if err1 != nil || err2 != nil {
				return false
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	// Re-encoding canonical output must be a fixed point.
	properties.Property("encoding is idempotent", prop.ForAll(
		func(key, value string, n int64) bool {
			doc := map[string]any{key: value, "n": n, "arr": []any{value, n}}
			first, err := Marshal(doc)
			if err != nil {
				return false
			}
			second, err := Marshal(mustDecode(first))
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.AlphaString(),
		gen.AnyString(),
		gen.Int64Range(-1_000_000_000_000, 1_000_000_000_000),
	))

	properties.TestingRun(t)
}

func mustDecode(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		panic(err)
	}
	return v
}
