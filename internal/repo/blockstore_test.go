package repo

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/quartz-pds/internal/cidutil"
)

// cidFor computes the CID a payload would have without storing it.
func cidFor(s string) (cid.Cid, error) {
	return cidutil.Compute([]byte(s))
}

// TestMemBlockstore tests:
//
// 1. PutData returns the content CID and Get reads the bytes back
// 2. a missing block reports ipld not-found
// 3. Has and Len track stored blocks
func TestMemBlockstore(t *testing.T) {
	ctx := context.Background()
	bs := NewMemBlockstore()

	data := []byte("some record bytes")
	c, err := bs.PutData(ctx, data)
	require.NoError(t, err)

	want, err := cidutil.Compute(data)
	require.NoError(t, err)
	assert.True(t, want.Equals(c))

	blk, err := bs.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, data, blk.RawData())

	ok, err := bs.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, bs.Len())

	// Same bytes twice is a no-op.
	again, err := bs.PutData(ctx, data)
	require.NoError(t, err)
	assert.True(t, c.Equals(again))
	assert.Equal(t, 1, bs.Len())

	missing, err := cidFor("never stored")
	require.NoError(t, err)
	_, err = bs.Get(ctx, missing)
	require.Error(t, err)
	assert.True(t, ipld.IsNotFound(err))

	ok, err = bs.Has(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestMemBlockstoreAllBlocks tests:
//
// 1. AllBlocks returns every stored block exactly once
func TestMemBlockstoreAllBlocks(t *testing.T) {
	ctx := context.Background()
	bs := NewMemBlockstore()

	want := map[string]struct{}{}
	for _, s := range []string{"a", "b", "c", "d"} {
		c, err := bs.PutData(ctx, []byte(s))
		require.NoError(t, err)
		want[c.KeyString()] = struct{}{}
	}

	all, err := bs.AllBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(want))
	for _, blk := range all {
		_, ok := want[blk.Cid().KeyString()]
		assert.True(t, ok)
	}
}

// TestTrackingBlockstore tests:
//
// 1. writes pass through to the inner store
// 2. WriteLog preserves first-write order and deduplicates
// 3. reads of pre-existing blocks are not logged
func TestTrackingBlockstore(t *testing.T) {
	ctx := context.Background()
	inner := NewMemBlockstore()

	pre, err := inner.PutData(ctx, []byte("existing block"))
	require.NoError(t, err)

	tbs := NewTrackingBlockstore(inner)

	// Reading through does not log.
	_, err = tbs.Get(ctx, pre)
	require.NoError(t, err)
	assert.Empty(t, tbs.WriteLog())

	first, err := tbs.PutData(ctx, []byte("first write"))
	require.NoError(t, err)
	second, err := tbs.PutData(ctx, []byte("second write"))
	require.NoError(t, err)

	// Re-writing the same content must not duplicate the log entry.
	dup, err := tbs.PutData(ctx, []byte("first write"))
	require.NoError(t, err)
	assert.True(t, first.Equals(dup))

	log := tbs.WriteLog()
	require.Len(t, log, 2)
	assert.True(t, first.Equals(log[0].Cid()))
	assert.True(t, second.Equals(log[1].Cid()))

	// Written blocks land in the inner store.
	blk, err := inner.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []byte("second write"), blk.RawData())
}
