package repo

import (
	"context"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/primal-host/quartz-pds/internal/cbor"
	"github.com/primal-host/quartz-pds/internal/mst"
)

// WriteCAR emits a CARv1 archive: a varint-length-prefixed DAG-CBOR
// header naming the roots, then one section per block of
// varint(len(cid) + len(data)), the raw CID bytes, and the block
// bytes.
func WriteCAR(w io.Writer, roots []cid.Cid, blks []blocks.Block) error {
	rootLinks := make([]any, len(roots))
	for i, r := range roots {
		rootLinks[i] = r
	}
	header, err := cbor.Marshal(map[string]any{
		"roots":   rootLinks,
		"version": int64(1),
	})
	if err != nil {
		return fmt.Errorf("car: encode header: %w", err)
	}
	if _, err := w.Write(varint.ToUvarint(uint64(len(header)))); err != nil {
		return fmt.Errorf("car: write header length: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("car: write header: %w", err)
	}

	for _, blk := range blks {
		rawCid := blk.Cid().Bytes()
		data := blk.RawData()
		if _, err := w.Write(varint.ToUvarint(uint64(len(rawCid) + len(data)))); err != nil {
			return fmt.Errorf("car: write section length: %w", err)
		}
		if _, err := w.Write(rawCid); err != nil {
			return fmt.Errorf("car: write section cid: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("car: write section data: %w", err)
		}
	}
	return nil
}

// ExportRepoCAR streams every block reachable from a head commit:
// the commit first, then MST nodes depth-first, then record blocks.
// Any missing block is a structural error.
func ExportRepoCAR(ctx context.Context, w io.Writer, bs *MemBlockstore, head cid.Cid) error {
	commitBlk, err := bs.Get(ctx, head)
	if err != nil {
		return fmt.Errorf("car: export: commit %s: %w", head, err)
	}
	commit, err := DecodeCommit(commitBlk.RawData())
	if err != nil {
		return fmt.Errorf("car: export: %w", err)
	}

	tree, err := mst.LoadTree(ctx, bs, commit.Data)
	if err != nil {
		return fmt.Errorf("car: export: %w", err)
	}
	nodeCids, recordCids, err := tree.ReachableCIDs(ctx)
	if err != nil {
		return fmt.Errorf("car: export: %w", err)
	}

	blks := make([]blocks.Block, 0, 1+len(nodeCids)+len(recordCids))
	blks = append(blks, commitBlk)
	for _, c := range append(nodeCids, recordCids...) {
		blk, err := bs.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("car: export: block %s: %w", c, err)
		}
		blks = append(blks, blk)
	}
	return WriteCAR(w, []cid.Cid{head}, blks)
}

// WriteBlocksCAR emits a CAR holding exactly the requested blocks, in
// the requested order, with no roots.
func WriteBlocksCAR(ctx context.Context, w io.Writer, bs *MemBlockstore, cids []cid.Cid) error {
	blks := make([]blocks.Block, 0, len(cids))
	for _, c := range cids {
		blk, err := bs.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("car: get block %s: %w", c, err)
		}
		blks = append(blks, blk)
	}
	return WriteCAR(w, nil, blks)
}
