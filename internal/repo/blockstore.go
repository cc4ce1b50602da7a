package repo

import (
	"context"
	"fmt"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/quartz-pds/internal/cidutil"
)

// MemBlockstore is an in-memory content-addressed block store. It
// backs the MST during reads and writes and provides helpers to load
// from and persist to Postgres. Safe for concurrent use.
type MemBlockstore struct {
	mu     sync.RWMutex
	blocks map[string]blocks.Block
}

// NewMemBlockstore creates an empty in-memory blockstore.
func NewMemBlockstore() *MemBlockstore {
	return &MemBlockstore{blocks: make(map[string]blocks.Block, 64)}
}

// Get retrieves a block by CID.
func (m *MemBlockstore) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blk, ok := m.blocks[c.KeyString()]
	if !ok {
		return nil, &ipld.ErrNotFound{Cid: c}
	}
	return blk, nil
}

// Put stores a block. Blocks are content-addressed, so storing the
// same bytes twice is a no-op.
func (m *MemBlockstore) Put(_ context.Context, blk blocks.Block) error {
	m.mu.Lock()
	m.blocks[blk.Cid().KeyString()] = blk
	m.mu.Unlock()
	return nil
}

// PutData hashes raw bytes, stores them, and returns their CID.
func (m *MemBlockstore) PutData(ctx context.Context, data []byte) (cid.Cid, error) {
	c, err := cidutil.Compute(data)
	if err != nil {
		return cid.Undef, err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return cid.Undef, fmt.Errorf("blockstore: build block: %w", err)
	}
	if err := m.Put(ctx, blk); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// Has reports whether a block exists.
func (m *MemBlockstore) Has(_ context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}

// AllBlocks returns every stored block in unspecified order.
func (m *MemBlockstore) AllBlocks(_ context.Context) ([]blocks.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]blocks.Block, 0, len(m.blocks))
	for _, blk := range m.blocks {
		out = append(out, blk)
	}
	return out, nil
}

// Len returns the number of stored blocks.
func (m *MemBlockstore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

// LoadBlocks loads all blocks for a DID from Postgres into a new
// MemBlockstore.
func LoadBlocks(ctx context.Context, pool *pgxpool.Pool, did string) (*MemBlockstore, error) {
	rows, err := pool.Query(ctx,
		`SELECT cid, data FROM repo_blocks WHERE did = $1`, did)
	if err != nil {
		return nil, fmt.Errorf("blockstore: load blocks for %s: %w", did, err)
	}
	defer rows.Close()

	bs := NewMemBlockstore()
	for rows.Next() {
		var cidStr string
		var data []byte
		if err := rows.Scan(&cidStr, &data); err != nil {
			return nil, fmt.Errorf("blockstore: scan block: %w", err)
		}

		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, fmt.Errorf("blockstore: decode cid %q: %w", cidStr, err)
		}

		blk, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			return nil, fmt.Errorf("blockstore: create block: %w", err)
		}
		bs.blocks[c.KeyString()] = blk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blockstore: iterate rows: %w", err)
	}
	return bs, nil
}

// PersistAll writes all in-memory blocks to Postgres. Uses ON CONFLICT
// DO NOTHING since blocks are content-addressed (immutable).
func (m *MemBlockstore) PersistAll(ctx context.Context, pool *pgxpool.Pool, did string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, blk := range m.blocks {
		cidStr := blk.Cid().String()
		_, err := pool.Exec(ctx,
			`INSERT INTO repo_blocks (did, cid, data)
			 VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			did, cidStr, blk.RawData())
		if err != nil {
			return fmt.Errorf("blockstore: persist block %s: %w", cidStr, err)
		}
	}
	return nil
}

// TrackingBlockstore wraps a MemBlockstore and remembers every block
// written through it, in first-write order. One write operation's log
// is exactly the set of new blocks a firehose consumer needs to
// validate the resulting commit.
type TrackingBlockstore struct {
	inner *MemBlockstore

	mu      sync.Mutex
	written []blocks.Block
	seen    map[string]struct{}
}

// NewTrackingBlockstore starts tracking writes over an existing store.
func NewTrackingBlockstore(inner *MemBlockstore) *TrackingBlockstore {
	return &TrackingBlockstore{
		inner: inner,
		seen:  make(map[string]struct{}, 8),
	}
}

// Get reads through to the underlying store.
func (t *TrackingBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	return t.inner.Get(ctx, c)
}

// Put stores the block and logs it if not already logged.
func (t *TrackingBlockstore) Put(ctx context.Context, blk blocks.Block) error {
	if err := t.inner.Put(ctx, blk); err != nil {
		return err
	}
	t.mu.Lock()
	key := blk.Cid().KeyString()
	if _, ok := t.seen[key]; !ok {
		t.seen[key] = struct{}{}
		t.written = append(t.written, blk)
	}
	t.mu.Unlock()
	return nil
}

// PutData hashes raw bytes, stores them, and returns their CID.
func (t *TrackingBlockstore) PutData(ctx context.Context, data []byte) (cid.Cid, error) {
	c, err := cidutil.Compute(data)
	if err != nil {
		return cid.Undef, err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return cid.Undef, fmt.Errorf("blockstore: build block: %w", err)
	}
	if err := t.Put(ctx, blk); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// WriteLog returns the blocks written through this store so far, in
// first-write order.
func (t *TrackingBlockstore) WriteLog() []blocks.Block {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]blocks.Block, len(t.written))
	copy(out, t.written)
	return out
}
