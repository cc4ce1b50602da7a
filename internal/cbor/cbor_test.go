package cbor

import (
	"encoding/hex"
	"math"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/primal-host/quartz-pds/internal/cidutil"
)

// TestMarshalScalars tests:
//
// 1. scalar values encode to their canonical byte forms
// 2. negative integers use the major-1 encoding
// 3. floats are always the 64-bit form
func TestMarshalScalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		hex  string
	}{
		{name: "null", in: nil, hex: "f6"},
		{name: "false", in: false, hex: "f4"},
		{name: "true", in: true, hex: "f5"},
		{name: "zero", in: 0, hex: "00"},
		{name: "small int", in: 23, hex: "17"},
		{name: "one byte int", in: 24, hex: "1818"},
		{name: "negative one", in: -1, hex: "20"},
		{name: "negative hundred", in: -100, hex: "3863"},
		{name: "empty string", in: "", hex: "60"},
		{name: "short string", in: "abc", hex: "63616263"},
		{name: "bytes", in: []byte{1, 2, 3}, hex: "43010203"},
		{name: "float", in: 1.5, hex: "fb3ff8000000000000"},
		{name: "whole float", in: 2.0, hex: "fb4000000000000000"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out, err := Marshal(test.in)
			require.NoError(t, err)
			assert.Equal(t, test.hex, hex.EncodeToString(out))
		})
	}
}

// TestMarshalMapKeyOrder tests:
//
// 1. map keys are sorted length-first, then bytewise
// 2. key order in the Go map literal never changes the output
func TestMarshalMapKeyOrder(t *testing.T) {
	out, err := Marshal(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, "a2616102616201", hex.EncodeToString(out))

	// "aa" is longer than "b", so it sorts after despite being
	// lexically smaller.
	out, err = Marshal(map[string]any{"aa": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, "a261620262616101", hex.EncodeToString(out))
}

// TestMarshalLink tests:
//
// 1. a CID encodes as tag 42 over 0x00 + the 36 raw bytes
// 2. the same CID decodes back from the link
func TestMarshalLink(t *testing.T) {
	inner, err := Marshal(map[string]any{"a": int64(1)})
	require.NoError(t, err)

	c, err := cidutil.Compute(inner)
	require.NoError(t, err)

	out, err := Marshal(c)
	require.NoError(t, err)

	// d8 2a: tag 42. 58 25: byte string of 37.
	assert.Equal(t, byte(0xd8), out[0])
	assert.Equal(t, byte(0x2a), out[1])
	assert.Equal(t, byte(0x58), out[2])
	assert.Equal(t, byte(37), out[3])
	assert.Equal(t, byte(0x00), out[4])
	assert.Equal(t, c.Bytes(), out[5:])

	back, err := Unmarshal(out)
	require.NoError(t, err)
	got, ok := back.(cid.Cid)
	require.True(t, ok)
	assert.True(t, c.Equals(got))
}

// TestMarshalRejects tests:
//
// 1. NaN and infinities are rejected
// 2. unsupported Go types are rejected
func TestMarshalRejects(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Marshal(f)
		assert.Error(t, err)
	}

	_, err := Marshal(struct{}{})
	assert.Error(t, err)
}

// TestUnmarshalRejects tests:
//
// 1. indefinite lengths are rejected
// 2. trailing bytes are rejected
// 3. non-string map keys are rejected
// 4. duplicate map keys are rejected
// 5. unknown tags are rejected
func TestUnmarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		hex  string
	}{
		{name: "indefinite array", hex: "9f01ff"},
		{name: "indefinite string", hex: "7f6161ff"},
		{name: "trailing bytes", hex: "0000"},
		{name: "integer map key", hex: "a10101"},
		{name: "duplicate keys", hex: "a2616101616102"},
		{name: "unknown tag", hex: "c100"},
		{name: "truncated", hex: "6461"},
		{name: "half float", hex: "f93c00"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := hex.DecodeString(test.hex)
			require.NoError(t, err)
			_, err = Unmarshal(data)
			assert.Error(t, err)
		})
	}
}

// TestRoundTrip tests:
//
// 1. a nested value survives encode then decode
func TestRoundTrip(t *testing.T) {
	in := map[string]any{
		"text":  "hello",
		"count": int64(42),
		"neg":   int64(-7),
		"ok":    true,
		"none":  nil,
		"data":  []byte{0xde, 0xad},
		"tags":  []any{"a", "b"},
		"inner": map[string]any{"pi": 3.14},
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := UnmarshalMap(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// TestEncodeDeterministic tests:
//
// 1. arbitrary maps always re-encode to identical bytes after a
//    decode round-trip
func TestEncodeDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keys := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,8}`), 0, 8, rapid.ID[string]).Draw(t, "keys")
		m := map[string]any{}
		for _, k := range keys {
			m[k] = rapid.Int64().Draw(t, "val-"+k)
		}

		first, err := Marshal(m)
		require.NoError(t, err)

		decoded, err := Unmarshal(first)
		require.NoError(t, err)

		second, err := Marshal(decoded)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}
