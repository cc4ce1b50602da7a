package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/quartz-pds/internal/crypto"
	"github.com/primal-host/quartz-pds/internal/mst"
	"github.com/primal-host/quartz-pds/internal/tid"
)

// ErrRepoNotFound is returned when a DID has no repository root.
var ErrRepoNotFound = errors.New("repo: repository not found")

// ErrRecordNotFound is returned when a collection/rkey path resolves
// to nothing.
var ErrRecordNotFound = errors.New("repo: record not found")

// Manager orchestrates all repository operations. Writes to the same
// DID are serialized with a per-DID mutex so commit chains cannot
// race; different DIDs commit in parallel.
type Manager struct {
	pool  *pgxpool.Pool
	clock *tid.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a repo Manager over the database pool.
func NewManager(pool *pgxpool.Pool) *Manager {
	return &Manager{
		pool:  pool,
		clock: tid.NewClock(),
		locks: make(map[string]*sync.Mutex),
	}
}

// RecordEntry represents a single record in a list response.
type RecordEntry struct {
	URI string         `json:"uri"`
	CID string         `json:"cid"`
	Val map[string]any `json:"value"`
}

// repoRoot holds the current commit state for a repository.
type repoRoot struct {
	CommitCID string
	Rev       string
}

// CommitResult captures everything about a commit that downstream
// consumers (like the firehose) need to build event payloads.
type CommitResult struct {
	CommitCID cid.Cid
	Rev       string
	Ops       []RepoOp
	DiffCAR   []byte // CARv1 with only the blocks this commit added
}

// RepoOp describes a single record mutation within a commit.
type RepoOp struct {
	Action string   // "create", "update", or "delete"
	Path   string   // collection/rkey
	CID    *cid.Cid // new record CID (nil for delete)
	Prev   *cid.Cid // previous record CID (nil for create)
}

func (m *Manager) lockFor(did string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[did]
	if !ok {
		l = &sync.Mutex{}
		m.locks[did] = l
	}
	return l
}

// InitRepo creates an empty repository for a new account: an empty MST
// root and a signed genesis commit with no prev. Safe to call more
// than once; returns nil if a root already exists.
func (m *Manager) InitRepo(ctx context.Context, did, signingKey string) error {
	l := m.lockFor(did)
	l.Lock()
	defer l.Unlock()

	var exists bool
	err := m.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM repo_roots WHERE did = $1)`, did,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("repo: init check: %w", err)
	}
	if exists {
		return nil
	}

	privKey, err := crypto.ParsePrivateKey(signingKey)
	if err != nil {
		return fmt.Errorf("repo: init: %w", err)
	}

	bs := NewMemBlockstore()
	tree := mst.NewEmptyTree(bs)
	mstRoot, err := tree.RootCID(ctx)
	if err != nil {
		return fmt.Errorf("repo: init write mst: %w", err)
	}

	rev := m.clock.Next()
	commit := &Commit{DID: did, Data: mstRoot, Rev: rev}
	if err := commit.Sign(privKey); err != nil {
		return fmt.Errorf("repo: init: %w", err)
	}
	signed, err := commit.SignedBytes()
	if err != nil {
		return fmt.Errorf("repo: init: %w", err)
	}
	commitCID, err := bs.PutData(ctx, signed)
	if err != nil {
		return fmt.Errorf("repo: init commit block: %w", err)
	}

	if err := bs.PersistAll(ctx, m.pool, did); err != nil {
		return fmt.Errorf("repo: init persist: %w", err)
	}
	if err := m.setRoot(ctx, did, commitCID.String(), rev); err != nil {
		return fmt.Errorf("repo: init root: %w", err)
	}
	return nil
}

// CreateRecord adds a record under a freshly generated TID rkey.
func (m *Manager) CreateRecord(ctx context.Context, did, signingKey, collection string, record map[string]any) (string, *CommitResult, error) {
	return m.PutRecord(ctx, did, signingKey, collection, m.clock.Next(), record)
}

// PutRecord creates or updates a record at a specific rkey.
func (m *Manager) PutRecord(ctx context.Context, did, signingKey, collection, rkey string, record map[string]any) (string, *CommitResult, error) {
	privKey, err := crypto.ParsePrivateKey(signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put: %w", err)
	}

	cborBytes, err := EncodeRecord(record)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put encode: %w", err)
	}

	l := m.lockFor(did)
	l.Lock()
	defer l.Unlock()

	tbs, tree, root, err := m.openRepo(ctx, did)
	if err != nil {
		return "", nil, err
	}

	recordCID, err := tbs.PutData(ctx, cborBytes)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put store block: %w", err)
	}

	path := collection + "/" + rkey
	prev, err := tree.Insert(ctx, path, recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put mst insert: %w", err)
	}

	action := "create"
	if prev != nil {
		action = "update"
	}
	ops := []RepoOp{{
		Action: action,
		Path:   path,
		CID:    &recordCID,
		Prev:   prev,
	}}

	result, err := m.commitRepo(ctx, did, privKey, tbs, tree, root, ops)
	if err != nil {
		return "", nil, err
	}
	return "at://" + did + "/" + path, result, nil
}

// DeleteRecord removes a record from the repo.
func (m *Manager) DeleteRecord(ctx context.Context, did, signingKey, collection, rkey string) (*CommitResult, error) {
	privKey, err := crypto.ParsePrivateKey(signingKey)
	if err != nil {
		return nil, fmt.Errorf("repo: delete: %w", err)
	}

	l := m.lockFor(did)
	l.Lock()
	defer l.Unlock()

	tbs, tree, root, err := m.openRepo(ctx, did)
	if err != nil {
		return nil, err
	}

	path := collection + "/" + rkey
	prev, err := tree.Remove(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("repo: delete mst remove: %w", err)
	}
	if prev == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
	}

	ops := []RepoOp{{
		Action: "delete",
		Path:   path,
		Prev:   prev,
	}}
	return m.commitRepo(ctx, did, privKey, tbs, tree, root, ops)
}

// GetRecord reads a record from the repo by collection + rkey.
func (m *Manager) GetRecord(ctx context.Context, did, collection, rkey string) (string, map[string]any, error) {
	_, tree, _, err := m.openRepo(ctx, did)
	if err != nil {
		return "", nil, err
	}

	path := collection + "/" + rkey
	recordCID, err := tree.Get(ctx, path)
	if err != nil {
		return "", nil, fmt.Errorf("repo: get record mst: %w", err)
	}
	if recordCID == nil {
		return "", nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
	}

	blk, err := m.getBlock(ctx, tree, *recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repo: get record block: %w", err)
	}
	rec, err := DecodeRecord(blk.RawData())
	if err != nil {
		return "", nil, fmt.Errorf("repo: decode record: %w", err)
	}
	return recordCID.String(), rec, nil
}

// ListRecords returns records in a collection with pagination.
func (m *Manager) ListRecords(ctx context.Context, did, collection string, limit int, cursor string, reverse bool) ([]RecordEntry, string, error) {
	tbs, tree, _, err := m.openRepo(ctx, did)
	if err != nil {
		return nil, "", err
	}

	prefix := collection + "/"
	var entries []struct {
		key string
		val cid.Cid
	}
	err = tree.Walk(ctx, func(key string, val cid.Cid) error {
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		entries = append(entries, struct {
			key string
			val cid.Cid
		}{key, val})
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("repo: list walk: %w", err)
	}

	if reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	startIdx := 0
	if cursor != "" {
		rkeys := make([]string, len(entries))
		for i, e := range entries {
			rkeys[i] = strings.TrimPrefix(e.key, prefix)
		}
		startIdx = cursorStart(rkeys, cursor, reverse)
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var records []RecordEntry
	var nextCursor string
	for i := startIdx; i < len(entries) && len(records) < limit; i++ {
		e := entries[i]
		rkey := strings.TrimPrefix(e.key, prefix)

		blk, err := tbs.Get(ctx, e.val)
		if err != nil {
			return nil, "", fmt.Errorf("repo: list get block %s: %w", e.val.String(), err)
		}
		rec, err := DecodeRecord(blk.RawData())
		if err != nil {
			return nil, "", fmt.Errorf("repo: list decode: %w", err)
		}

		records = append(records, RecordEntry{
			URI: "at://" + did + "/" + e.key,
			CID: e.val.String(),
			Val: rec,
		})

		if len(records) == limit && i+1 < len(entries) {
			nextCursor = rkey
		}
	}
	return records, nextCursor, nil
}

// cursorStart returns the index of the first entry strictly past the
// cursor. The cursor is an exclusive bound on rkey rather than a
// position, so pagination stays stable when the cursor record was
// deleted between pages.
func cursorStart(rkeys []string, cursor string, reverse bool) int {
	for i, rkey := range rkeys {
		if reverse {
			if rkey < cursor {
				return i
			}
		} else if rkey > cursor {
			return i
		}
	}
	return len(rkeys)
}

// DescribeRepo returns the distinct collection NSIDs present in a repo.
func (m *Manager) DescribeRepo(ctx context.Context, did string) ([]string, error) {
	_, tree, _, err := m.openRepo(ctx, did)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	err = tree.Walk(ctx, func(key string, _ cid.Cid) error {
		if idx := strings.Index(key, "/"); idx > 0 {
			seen[key[:idx]] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repo: describe walk: %w", err)
	}

	collections := make([]string, 0, len(seen))
	for c := range seen {
		collections = append(collections, c)
	}
	return collections, nil
}

// GetRoot returns the current commit CID and rev for a DID.
func (m *Manager) GetRoot(ctx context.Context, did string) (string, string, error) {
	root, err := m.loadRoot(ctx, did)
	if err != nil {
		return "", "", err
	}
	return root.CommitCID, root.Rev, nil
}

// ExportRepo writes the full repository as a CARv1 archive to w, the
// head commit as the single root.
func (m *Manager) ExportRepo(ctx context.Context, did string, w io.Writer) error {
	root, err := m.loadRoot(ctx, did)
	if err != nil {
		return err
	}
	bs, err := LoadBlocks(ctx, m.pool, did)
	if err != nil {
		return fmt.Errorf("repo: export load blocks: %w", err)
	}
	head, err := cid.Decode(root.CommitCID)
	if err != nil {
		return fmt.Errorf("repo: export decode commit cid: %w", err)
	}
	return ExportRepoCAR(ctx, w, bs, head)
}

// ExportBlocks writes a CAR holding just the requested blocks.
func (m *Manager) ExportBlocks(ctx context.Context, did string, cids []cid.Cid, w io.Writer) error {
	bs, err := LoadBlocks(ctx, m.pool, did)
	if err != nil {
		return fmt.Errorf("repo: export load blocks: %w", err)
	}
	return WriteBlocksCAR(ctx, w, bs, cids)
}

// openRepo loads blocks from Postgres, rebuilds the MST, and returns a
// TrackingBlockstore so new blocks can be told apart from preloaded
// ones.
func (m *Manager) openRepo(ctx context.Context, did string) (*TrackingBlockstore, *mst.Tree, *repoRoot, error) {
	root, err := m.loadRoot(ctx, did)
	if err != nil {
		return nil, nil, nil, err
	}

	bs, err := LoadBlocks(ctx, m.pool, did)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repo: open load blocks: %w", err)
	}

	commitCID, err := cid.Decode(root.CommitCID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repo: open decode commit cid: %w", err)
	}
	commitBlk, err := bs.Get(ctx, commitCID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repo: open get commit block: %w", err)
	}
	commit, err := DecodeCommit(commitBlk.RawData())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repo: open: %w", err)
	}

	tbs := NewTrackingBlockstore(bs)
	tree, err := mst.LoadTree(ctx, tbs, commit.Data)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repo: open load mst: %w", err)
	}
	return tbs, tree, root, nil
}

// commitRepo signs a new commit over the current MST root, builds the
// diff CAR from the tracking write log, and persists blocks and the
// new head to Postgres.
func (m *Manager) commitRepo(ctx context.Context, did string, privKey crypto.PrivateKey, tbs *TrackingBlockstore, tree *mst.Tree, prevRoot *repoRoot, ops []RepoOp) (*CommitResult, error) {
	mstRoot, err := tree.RootCID(ctx)
	if err != nil {
		return nil, fmt.Errorf("repo: commit mst root: %w", err)
	}

	var prevCID *cid.Cid
	if prevRoot != nil {
		c, err := cid.Decode(prevRoot.CommitCID)
		if err != nil {
			return nil, fmt.Errorf("repo: commit decode prev: %w", err)
		}
		prevCID = &c
	}

	rev := m.clock.Next()
	commit := &Commit{DID: did, Data: mstRoot, Rev: rev, Prev: prevCID}
	if err := commit.Sign(privKey); err != nil {
		return nil, fmt.Errorf("repo: commit: %w", err)
	}
	signed, err := commit.SignedBytes()
	if err != nil {
		return nil, fmt.Errorf("repo: commit: %w", err)
	}

	// Grab the write log before storing the commit so the commit block
	// can lead the diff CAR.
	newBlocks := tbs.WriteLog()
	commitCID, err := tbs.PutData(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("repo: commit store: %w", err)
	}
	commitBlk, err := tbs.Get(ctx, commitCID)
	if err != nil {
		return nil, fmt.Errorf("repo: commit read back: %w", err)
	}

	var diffBuf bytes.Buffer
	diffBlocks := append([]blocks.Block{commitBlk}, newBlocks...)
	if err := WriteCAR(&diffBuf, []cid.Cid{commitCID}, diffBlocks); err != nil {
		return nil, fmt.Errorf("repo: commit diff car: %w", err)
	}

	if err := tbs.inner.PersistAll(ctx, m.pool, did); err != nil {
		return nil, fmt.Errorf("repo: commit persist: %w", err)
	}
	if err := m.setRoot(ctx, did, commitCID.String(), rev); err != nil {
		return nil, fmt.Errorf("repo: commit root: %w", err)
	}

	return &CommitResult{
		CommitCID: commitCID,
		Rev:       rev,
		Ops:       ops,
		DiffCAR:   diffBuf.Bytes(),
	}, nil
}

// getBlock reads a block through whatever store backs the tree.
func (m *Manager) getBlock(ctx context.Context, tree *mst.Tree, c cid.Cid) (blocks.Block, error) {
	return tree.Store().Get(ctx, c)
}

// loadRoot loads the repo root from Postgres.
func (m *Manager) loadRoot(ctx context.Context, did string) (*repoRoot, error) {
	var root repoRoot
	err := m.pool.QueryRow(ctx,
		`SELECT commit_cid, rev FROM repo_roots WHERE did = $1`, did,
	).Scan(&root.CommitCID, &root.Rev)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, did)
	}
	if err != nil {
		return nil, fmt.Errorf("repo: load root: %w", err)
	}
	return &root, nil
}

// setRoot inserts or updates the repo root in Postgres.
func (m *Manager) setRoot(ctx context.Context, did, commitCID, rev string) error {
	_, err := m.pool.Exec(ctx,
		`INSERT INTO repo_roots (did, commit_cid, rev)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (did) DO UPDATE SET commit_cid = $2, rev = $3, updated_at = NOW()`,
		did, commitCID, rev)
	if err != nil {
		return fmt.Errorf("repo: set root: %w", err)
	}
	return nil
}
