package restx

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeParam(t *testing.T, cfg ParamConfig, raw any, sep string) []EncodedPair {
	t.Helper()

	pairs, err := NewParam(cfg, raw).Encode(encodeOptions{
		charset:   DefaultCharset,
		separator: sep,
		primitive: NewPrimitiveSerializer(),
	})
	require.NoError(t, err)

	return pairs
}

func TestParamConfig_IsValueType(t *testing.T) {
	base := QueryParam("q")
	withArg := base.WithArg(2).WithDefault("x").WithListSeparator(",").AsEncoded()

	assert.Equal(t, NoArg, base.Arg)
	assert.False(t, base.HasDefault())
	assert.Empty(t, base.ListSeparator)
	assert.False(t, base.Encoded)

	assert.Equal(t, 2, withArg.Arg)
	assert.Equal(t, "x", *withArg.Default)
	assert.True(t, withArg.Encoded)
}

func TestNewParam_Flatten(t *testing.T) {
	var nilSlice []string
	var nilPtr *int
	n := 5

	tests := []struct {
		name   string
		raw    any
		values []any
		list   bool
	}{
		{"nil", nil, nil, false},
		{"scalar", "a", []any{"a"}, false},
		{"pointer", &n, []any{&n}, false},
		{"nil pointer", nilPtr, nil, false},
		{"slice", []int{1, 2}, []any{1, 2}, true},
		{"array", [2]string{"x", "y"}, []any{"x", "y"}, true},
		{"nil slice", nilSlice, nil, true},
		{"bytes", []byte("ab"), []any{[]byte("ab")}, false},
		{"nil elements skipped", []*int{nil, &n}, []any{&n}, true},
		{"single element list", []string{"only"}, []any{"only"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParam(QueryParam("q"), tt.raw)
			assert.Equal(t, tt.values, p.Values)
			assert.Equal(t, tt.list, p.list)
		})
	}

	assert.True(t, NewParam(QueryParam("q"), nil).IsEmpty())
	assert.True(t, NewParam(QueryParam("q"), []string{"only"}).IsList())
	assert.False(t, NewParam(QueryParam("q"), "one").IsList())
}

func TestParam_EncodeRepeatsPairs(t *testing.T) {
	for _, cfg := range []ParamConfig{QueryParam("v"), FormParam("v"), HeaderParam("v"), CookieParam("v")} {
		t.Run(cfg.Destination.String(), func(t *testing.T) {
			pairs := encodeParam(t, cfg, []string{"a", "b", "c"}, "")
			require.Len(t, pairs, 3)

			for i, want := range []string{"a", "b", "c"} {
				assert.Equal(t, EncodedPair{Name: "v", Value: want, Encoded: true}, pairs[i])
			}
		})
	}
}

func TestParam_EncodeJoinsWithSeparator(t *testing.T) {
	pairs := encodeParam(t, QueryParam("v"), []int{1, 2, 3}, ",")
	assert.Equal(t, []EncodedPair{{Name: "v", Value: "1,2,3", Encoded: true}}, pairs)

	pairs = encodeParam(t, QueryParam("v"), []string{"a", "b"}, "|")
	assert.Equal(t, "a|b", pairs[0].Value)

	// separators outside the safe set are escaped like values
	pairs = encodeParam(t, QueryParam("v"), []string{"a", "b"}, "&")
	assert.Equal(t, "a%26b", pairs[0].Value)

	pairs = encodeParam(t, QueryParam("v"), []string{"a", "b"}, " ")
	assert.Equal(t, "a+b", pairs[0].Value)

	pairs = encodeParam(t, HeaderParam("v"), []string{"a", "b"}, "; ")
	assert.Equal(t, "a; b", pairs[0].Value)
}

func TestParam_EncodePathAndMatrixAlwaysJoin(t *testing.T) {
	pairs := encodeParam(t, PathParam("ids"), []int{1, 2}, "")
	assert.Equal(t, []EncodedPair{{Name: "ids", Value: "1,2", Encoded: true}}, pairs)

	pairs = encodeParam(t, MatrixParam("c"), []string{"red", "blue"}, ";")
	assert.Equal(t, []EncodedPair{{Name: "c", Value: "red;blue", Encoded: true}}, pairs)
}

func TestParam_EncodePercentRoundTrip(t *testing.T) {
	values := []string{"£", "@#?&", "123@#?&£{}abc", "a b+c", "100%"}

	for _, v := range values {
		t.Run(v, func(t *testing.T) {
			pairs := encodeParam(t, QueryParam("q"), v, "")
			require.Len(t, pairs, 1)

			decoded, err := url.QueryUnescape(pairs[0].Value)
			require.NoError(t, err)
			assert.Equal(t, v, decoded)

			path := encodeParam(t, PathParam("p"), v, "")
			decoded, err = url.PathUnescape(path[0].Value)
			require.NoError(t, err)
			assert.Equal(t, v, decoded)
		})
	}

	assert.Equal(t, "%C2%A3", encodeParam(t, QueryParam("q"), "£", "")[0].Value)
	assert.Equal(t, "%40%23%3F%26", encodeParam(t, QueryParam("q"), "@#?&", "")[0].Value)
}

func TestParam_EncodeCharset(t *testing.T) {
	pairs, err := NewParam(QueryParam("q"), "£").Encode(encodeOptions{charset: "ISO-8859-1"})
	require.NoError(t, err)
	assert.Equal(t, "%A3", pairs[0].Value)
}

func TestParam_EncodeNameEscaping(t *testing.T) {
	pairs := encodeParam(t, QueryParam("a b"), "x", "")
	assert.Equal(t, "a+b", pairs[0].Name)

	pairs = encodeParam(t, MatrixParam("a b"), "x", "")
	assert.Equal(t, "a%20b", pairs[0].Name)

	pairs = encodeParam(t, HeaderParam("X-Trace Id"), "x", "")
	assert.Equal(t, "X-Trace Id", pairs[0].Name)
}

func TestParam_EncodedValuesAreNotReescaped(t *testing.T) {
	pairs := encodeParam(t, QueryParam("q").AsEncoded(), "a%20b%26c", "")
	assert.Equal(t, "a%20b%26c", pairs[0].Value)

	pairs = encodeParam(t, PathParam("p").AsEncoded(), []string{"x%2Fy", "z"}, "")
	assert.Equal(t, "x%2Fy,z", pairs[0].Value)
}

func TestParam_HeadersAreNotEscaped(t *testing.T) {
	pairs := encodeParam(t, HeaderParam("X-Note"), "a b&c", "")
	assert.Equal(t, "a b&c", pairs[0].Value)
}

func TestParam_CookieUsesSegmentEscaping(t *testing.T) {
	pairs := encodeParam(t, CookieParam("session"), "a b;c", "")
	assert.Equal(t, "a%20b%3Bc", pairs[0].Value)
}

func TestParam_CustomSerializer(t *testing.T) {
	yesNo := NewPrimitiveSerializer(WithBooleanTokens("yes", "no"))

	pairs := encodeParam(t, QueryParam("flag").WithSerializer(yesNo), []bool{true, false}, "")
	assert.Equal(t, "yes", pairs[0].Value)
	assert.Equal(t, "no", pairs[1].Value)
}

type searchFilter struct {
	Name  string   `schema:"name"`
	Age   int      `schema:"age"`
	Tags  []string `schema:"tag"`
	Token string   `schema:"-"`
}

func TestParam_EncodeBean(t *testing.T) {
	filter := searchFilter{Name: "John Doe", Age: 30, Tags: []string{"a", "b"}, Token: "secret"}

	pairs := encodeParam(t, QueryParam("filter"), filter, "")
	assert.Equal(t, []EncodedPair{
		{Name: "age", Value: "30", Encoded: true},
		{Name: "name", Value: "John+Doe", Encoded: true},
		{Name: "tag", Value: "a", Encoded: true},
		{Name: "tag", Value: "b", Encoded: true},
	}, pairs)

	pairs = encodeParam(t, FormParam("filter"), &filter, ",")
	assert.Equal(t, []EncodedPair{
		{Name: "age", Value: "30", Encoded: true},
		{Name: "name", Value: "John+Doe", Encoded: true},
		{Name: "tag", Value: "a,b", Encoded: true},
	}, pairs)
}

func TestParam_BeanOnlyForQueryAndForm(t *testing.T) {
	assert.True(t, NewParam(QueryParam("f"), searchFilter{}).isBean())
	assert.False(t, NewParam(HeaderParam("f"), searchFilter{}).isBean())
	assert.False(t, NewParam(QueryParam("f").WithSerializer(JSONCodec{}), searchFilter{}).isBean())
	assert.False(t, NewParam(QueryParam("f"), []searchFilter{{}, {}}).isBean())
}

func TestEscapePair(t *testing.T) {
	pair, err := escapePair(EncodedPair{Name: "q", Value: "a b"}, InQuery, DefaultCharset)
	require.NoError(t, err)
	assert.Equal(t, EncodedPair{Name: "q", Value: "a+b", Encoded: true}, pair)

	pair, err = escapePair(EncodedPair{Name: "q", Value: "a%20b", Encoded: true}, InQuery, DefaultCharset)
	require.NoError(t, err)
	assert.Equal(t, "a%20b", pair.Value)
}

func TestJoinPairs(t *testing.T) {
	pairs := []EncodedPair{{Name: "a", Value: "1"}, {Name: "b", Value: ""}}

	assert.Equal(t, "a=1&b=", joinPairs(pairs, "&"))
	assert.Equal(t, "a=1; b=", joinPairs(pairs, "; "))
	assert.Equal(t, "", joinPairs(nil, "&"))
}

func TestParseDestination(t *testing.T) {
	for _, d := range Destinations {
		parsed, err := ParseDestination(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	}

	d, err := ParseDestination(" Query ")
	require.NoError(t, err)
	assert.Equal(t, InQuery, d)

	_, err = ParseDestination("body")
	assert.Error(t, err)

	assert.False(t, Destination(42).IsValid())
	assert.Equal(t, "destination(42)", Destination(42).String())
}
