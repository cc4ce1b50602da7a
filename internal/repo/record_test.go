package repo

import (
	"math"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/quartz-pds/internal/cidutil"
)

// TestRecordFromJSON tests:
//
// 1. $link objects become CIDs and $bytes objects become raw bytes
// 2. integral numbers become int64, fractional ones float64
// 3. nesting inside arrays and objects is handled
func TestRecordFromJSON(t *testing.T) {
	link, err := cidutil.Compute([]byte("linked block"))
	require.NoError(t, err)

	raw := []byte(`{
		"$type": "app.bsky.feed.post",
		"text": "hello world",
		"likes": 42,
		"score": 0.5,
		"embed": {"$link": "` + link.String() + `"},
		"payload": {"$bytes": "3q2+7w"},
		"tags": [{"$link": "` + link.String() + `"}, "plain"]
	}`)

	rec, err := RecordFromJSON(raw)
	require.NoError(t, err)

	assert.Equal(t, "app.bsky.feed.post", rec["$type"])
	assert.Equal(t, int64(42), rec["likes"])
	assert.Equal(t, 0.5, rec["score"])

	got, ok := rec["embed"].(cid.Cid)
	require.True(t, ok, "embed should decode to a CID")
	assert.True(t, link.Equals(got))

	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, rec["payload"])

	tags, ok := rec["tags"].([]any)
	require.True(t, ok)
	require.Len(t, tags, 2)
	inArray, ok := tags[0].(cid.Cid)
	require.True(t, ok)
	assert.True(t, link.Equals(inArray))
	assert.Equal(t, "plain", tags[1])
}

// TestRecordFromJSONRejects tests:
//
// 1. non-object top levels are rejected
// 2. malformed $link and $bytes values are rejected
func TestRecordFromJSONRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "top level array", raw: `[1, 2]`},
		{name: "top level string", raw: `"hello"`},
		{name: "bad link", raw: `{"embed": {"$link": "not-a-cid"}}`},
		{name: "bad bytes", raw: `{"payload": {"$bytes": "!!!"}}`},
		{name: "invalid json", raw: `{`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := RecordFromJSON([]byte(test.raw))
			assert.Error(t, err)
		})
	}
}

// TestRecordJSONRoundTrip tests:
//
// 1. a record survives JSON -> data model -> JSON -> data model
// 2. the canonical DAG-CBOR encoding round-trips through DecodeRecord
func TestRecordJSONRoundTrip(t *testing.T) {
	link, err := cidutil.Compute([]byte("subject"))
	require.NoError(t, err)

	raw := []byte(`{
		"$type": "app.bsky.feed.like",
		"subject": {"$link": "` + link.String() + `"},
		"sig": {"$bytes": "AQID"},
		"createdAt": "2024-01-15T12:00:00Z"
	}`)

	rec, err := RecordFromJSON(raw)
	require.NoError(t, err)

	rendered, err := RecordToJSON(rec)
	require.NoError(t, err)
	again, err := RecordFromJSON(rendered)
	require.NoError(t, err)
	assert.Equal(t, rec, again)

	encoded, err := EncodeRecord(rec)
	require.NoError(t, err)
	decoded, err := DecodeRecord(encoded)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)

	// Canonical encoding is stable through a decode cycle.
	reencoded, err := EncodeRecord(decoded)
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded)
}

// TestRecordToJSONRejectsNonFinite tests:
//
// 1. NaN in the data model cannot be rendered as JSON
func TestRecordToJSONRejectsNonFinite(t *testing.T) {
	_, err := RecordToJSON(map[string]any{"bad": math.NaN()})
	assert.Error(t, err)

	_, err = RecordToJSON(map[string]any{"bad": math.Inf(1)})
	assert.Error(t, err)
}
