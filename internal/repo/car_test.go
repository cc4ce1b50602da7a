package repo

import (
	"bytes"
	"context"
	"io"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/quartz-pds/internal/crypto"
	"github.com/primal-host/quartz-pds/internal/mst"
)

// readAllCar parses a CAR stream back into its roots and blocks, in
// stream order.
func readAllCar(t *testing.T, r io.Reader) ([]cid.Cid, []blocks.Block) {
	t.Helper()
	cr, err := car.NewCarReader(r)
	require.NoError(t, err)
	require.Equal(t, uint64(1), cr.Header.Version)

	var blks []blocks.Block
	for {
		blk, err := cr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		blks = append(blks, blk)
	}
	return cr.Header.Roots, blks
}

// TestWriteCAR tests:
//
// 1. the emitted stream parses as CARv1 with the declared roots
// 2. blocks come back in write order with matching CIDs and bytes
func TestWriteCAR(t *testing.T) {
	ctx := context.Background()
	bs := NewMemBlockstore()

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	var cids []cid.Cid
	var want []blocks.Block
	for _, p := range payloads {
		c, err := bs.PutData(ctx, p)
		require.NoError(t, err)
		cids = append(cids, c)
		blk, err := bs.Get(ctx, c)
		require.NoError(t, err)
		want = append(want, blk)
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCAR(&buf, []cid.Cid{cids[0]}, want))

	roots, got := readAllCar(t, &buf)
	require.Len(t, roots, 1)
	assert.True(t, cids[0].Equals(roots[0]))

	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Cid().Equals(got[i].Cid()))
		assert.Equal(t, want[i].RawData(), got[i].RawData())
	}
}

// TestWriteBlocksCAR tests:
//
// 1. exactly the requested blocks appear, in request order, rootless
// 2. a missing block aborts the export
func TestWriteBlocksCAR(t *testing.T) {
	ctx := context.Background()
	bs := NewMemBlockstore()

	a, err := bs.PutData(ctx, []byte("block a"))
	require.NoError(t, err)
	b, err := bs.PutData(ctx, []byte("block b"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteBlocksCAR(ctx, &buf, bs, []cid.Cid{b, a}))

	roots, got := readAllCar(t, &buf)
	assert.Empty(t, roots)
	require.Len(t, got, 2)
	assert.True(t, b.Equals(got[0].Cid()))
	assert.True(t, a.Equals(got[1].Cid()))

	missing, err := cidFor("never stored")
	require.NoError(t, err)
	assert.Error(t, WriteBlocksCAR(ctx, &buf, bs, []cid.Cid{missing}))
}

// TestExportRepoCAR tests:
//
// 1. the head commit is the root and the first block in the stream
// 2. every MST node and record block is present exactly once
// 3. the exported blocks reconstruct the same tree
func TestExportRepoCAR(t *testing.T) {
	ctx := context.Background()
	bs := NewMemBlockstore()
	tree := mst.NewEmptyTree(bs)

	keys := []string{
		"app.bsky.feed.post/3jzfcijpj2z2a",
		"app.bsky.feed.post/3jzfcijpj2z2b",
		"app.bsky.feed.like/3jzfcijpj2z2c",
		"app.bsky.actor.profile/self",
	}
	for _, k := range keys {
		v, err := bs.PutData(ctx, []byte("record for "+k))
		require.NoError(t, err)
		_, err = tree.Insert(ctx, k, v)
		require.NoError(t, err)
	}
	root, err := tree.RootCID(ctx)
	require.NoError(t, err)

	key, err := crypto.GenerateKeypair(crypto.KeyTypeK256)
	require.NoError(t, err)
	commit := &Commit{
		DID:  "did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		Data: root,
		Rev:  "3jzfcijpj2z2d",
	}
	require.NoError(t, commit.Sign(key))
	signed, err := commit.SignedBytes()
	require.NoError(t, err)
	head, err := bs.PutData(ctx, signed)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ExportRepoCAR(ctx, &buf, bs, head))

	roots, blks := readAllCar(t, &buf)
	require.Len(t, roots, 1)
	assert.True(t, head.Equals(roots[0]))
	require.NotEmpty(t, blks)
	assert.True(t, head.Equals(blks[0].Cid()), "commit block must come first")

	seen := map[string]struct{}{}
	restored := NewMemBlockstore()
	for _, blk := range blks {
		k := blk.Cid().KeyString()
		_, dup := seen[k]
		assert.False(t, dup, "block %s exported twice", blk.Cid())
		seen[k] = struct{}{}
		require.NoError(t, restored.Put(ctx, blk))
	}

	back, err := DecodeCommit(blks[0].RawData())
	require.NoError(t, err)
	assert.True(t, root.Equals(back.Data))

	reloaded, err := mst.LoadTree(ctx, restored, back.Data)
	require.NoError(t, err)
	var walked []string
	require.NoError(t, reloaded.Walk(ctx, func(k string, _ cid.Cid) error {
		walked = append(walked, k)
		return nil
	}))
	assert.Len(t, walked, len(keys))
}

// TestExportRepoCARMissingHead tests:
//
// 1. exporting an unknown head fails instead of emitting a partial CAR
func TestExportRepoCARMissingHead(t *testing.T) {
	ctx := context.Background()
	bs := NewMemBlockstore()

	missing, err := cidFor("no such commit")
	require.NoError(t, err)

	var buf bytes.Buffer
	assert.Error(t, ExportRepoCAR(ctx, &buf, bs, missing))
	assert.Zero(t, buf.Len())
}
