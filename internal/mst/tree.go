package mst

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"

	"github.com/primal-host/quartz-pds/internal/cidutil"
)

// Blockstore is the storage surface the tree needs: content-addressed
// get and put of node blocks.
type Blockstore interface {
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Put(ctx context.Context, blk blocks.Block) error
}

// Tree is a Merkle Search Tree rooted in a blockstore. Mutations
// persist every touched node eagerly and keep the current root block
// up to date, so RootCID never has pending work beyond the root
// itself. Not safe for concurrent use; callers serialize per
// repository.
type Tree struct {
	bs      Blockstore
	root    *Node
	rootCid cid.Cid
}

// NewEmptyTree returns a tree with no entries. Its root still encodes
// to a real block (an empty node) so a repository with no records has
// a well-defined data CID.
func NewEmptyTree(bs Blockstore) *Tree {
	return &Tree{bs: bs, root: &Node{}}
}

// LoadTree opens an existing tree at the given root CID.
func LoadTree(ctx context.Context, bs Blockstore, root cid.Cid) (*Tree, error) {
	t := &Tree{bs: bs}
	n, err := t.loadWith(ctx, bs, root, "")
	if err != nil {
		return nil, fmt.Errorf("mst: load tree %s: %w", root, err)
	}
	t.root = n
	t.rootCid = root
	return t, nil
}

// RootCID persists the root node if needed and returns its CID.
func (t *Tree) RootCID(ctx context.Context) (cid.Cid, error) {
	if t.rootCid.Defined() {
		return t.rootCid, nil
	}
	c, err := t.persist(ctx, t.root, "")
	if err != nil {
		return cid.Undef, err
	}
	t.rootCid = c
	return c, nil
}

// Get returns the value stored under key, or nil if absent. A missing
// child block also reads as absent.
func (t *Tree) Get(ctx context.Context, key string) (*cid.Cid, error) {
	if key == "" {
		return nil, fmt.Errorf("mst: empty key")
	}
	v, err := t.getNode(ctx, t.root, key, "")
	if err != nil {
		if ipld.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// Insert stores value under key, replacing any existing value. It
// returns the previous value if the key was already present.
func (t *Tree) Insert(ctx context.Context, key string, value cid.Cid) (*cid.Cid, error) {
	if key == "" {
		return nil, fmt.Errorf("mst: empty key")
	}
	newRoot, prev, err := t.putNode(ctx, t.root, key, value, "")
	if err != nil {
		return nil, err
	}
	return prev, t.setRoot(ctx, newRoot)
}

// Remove deletes key and returns the value it held, or nil if the key
// was not present.
func (t *Tree) Remove(ctx context.Context, key string) (*cid.Cid, error) {
	if key == "" {
		return nil, fmt.Errorf("mst: empty key")
	}
	newRoot, removed, err := t.deleteNode(ctx, t.root, key, "")
	if err != nil {
		return nil, err
	}
	if removed == nil {
		return nil, nil
	}
	if newRoot == nil {
		newRoot = &Node{}
	}
	return removed, t.setRoot(ctx, newRoot)
}

// Store returns the blockstore backing the tree.
func (t *Tree) Store() Blockstore {
	return t.bs
}

// Walk visits every key/value pair in key order.
func (t *Tree) Walk(ctx context.Context, fn func(key string, value cid.Cid) error) error {
	return t.walkNode(ctx, t.root, "", fn)
}

// ReachableCIDs collects every node CID (depth-first, root first) and
// every record value CID reachable from the root. A missing node block
// is a structural error here, unlike in Get.
func (t *Tree) ReachableCIDs(ctx context.Context) (nodes []cid.Cid, records []cid.Cid, err error) {
	root, err := t.RootCID(ctx)
	if err != nil {
		return nil, nil, err
	}
	nodes = append(nodes, root)
	err = t.collectCIDs(ctx, t.root, "", &nodes, &records)
	if err != nil {
		return nil, nil, err
	}
	return nodes, records, nil
}

func (t *Tree) setRoot(ctx context.Context, n *Node) error {
	c, err := t.persist(ctx, n, "")
	if err != nil {
		return err
	}
	t.root = n
	t.rootCid = c
	return nil
}

func (t *Tree) persist(ctx context.Context, n *Node, prevKey string) (cid.Cid, error) {
	data, err := encodeNode(n, prevKey)
	if err != nil {
		return cid.Undef, err
	}
	c, err := cidutil.Compute(data)
	if err != nil {
		return cid.Undef, err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return cid.Undef, fmt.Errorf("mst: build node block: %w", err)
	}
	if err := t.bs.Put(ctx, blk); err != nil {
		return cid.Undef, fmt.Errorf("mst: persist node: %w", err)
	}
	return c, nil
}

func (t *Tree) load(ctx context.Context, c cid.Cid, prevKey string) (*Node, error) {
	return t.loadWith(ctx, t.bs, c, prevKey)
}

func (t *Tree) loadWith(ctx context.Context, bs Blockstore, c cid.Cid, prevKey string) (*Node, error) {
	blk, err := bs.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	return decodeNode(blk.RawData(), prevKey)
}

func (t *Tree) getNode(ctx context.Context, n *Node, key, prevKey string) (*cid.Cid, error) {
	if n.empty() {
		return nil, nil
	}
	// Find the first entry at or past key; equality is a hit, otherwise
	// descend into the subtree covering the gap to its left.
	idx := len(n.Entries)
	for i, e := range n.Entries {
		if key == e.Key {
			v := e.Value
			return &v, nil
		}
		if key < e.Key {
			idx = i
			break
		}
	}
	sub, subPrev := n.boundary(idx, prevKey)
	if sub == nil {
		return nil, nil
	}
	child, err := t.load(ctx, *sub, subPrev)
	if err != nil {
		return nil, err
	}
	return t.getNode(ctx, child, key, subPrev)
}

// boundary returns the subtree link covering keys just below entry
// idx, and the full key to its left. idx == len(entries) means the
// rightmost gap.
func (n *Node) boundary(idx int, prevKey string) (*cid.Cid, string) {
	if idx == 0 {
		return n.Left, prevKey
	}
	e := n.Entries[idx-1]
	return e.Tree, e.Key
}

func (t *Tree) putNode(ctx context.Context, n *Node, key string, value cid.Cid, prevKey string) (*Node, *cid.Cid, error) {
	kl := Layer(key)
	nl := nodeLayer(n)

	switch {
	case kl > nl:
		// The key lives above this whole subtree: split it around the
		// key and hang the halves off a fresh single-entry node.
		left, right, err := t.splitNode(ctx, n, key, prevKey)
		if err != nil {
			return nil, nil, err
		}
		leftCid, err := t.persistIf(ctx, left, prevKey)
		if err != nil {
			return nil, nil, err
		}
		rightCid, err := t.persistIf(ctx, right, key)
		if err != nil {
			return nil, nil, err
		}
		return &Node{Left: leftCid, Entries: []Entry{{Key: key, Value: value, Tree: rightCid}}}, nil, nil

	case kl == nl:
		idx := len(n.Entries)
		for i, e := range n.Entries {
			if key <= e.Key {
				idx = i
				break
			}
		}
		if idx < len(n.Entries) && n.Entries[idx].Key == key {
			prev := n.Entries[idx].Value
			entries := copyEntries(n.Entries)
			entries[idx].Value = value
			return &Node{Left: n.Left, Entries: entries}, &prev, nil
		}

		// New entry at idx. The subtree straddling the insertion point
		// splits around the key; the halves become its neighbors.
		sub, subPrev := n.boundary(idx, prevKey)
		var left, right *Node
		if sub != nil {
			child, err := t.load(ctx, *sub, subPrev)
			if err != nil {
				return nil, nil, err
			}
			left, right, err = t.splitNode(ctx, child, key, subPrev)
			if err != nil {
				return nil, nil, err
			}
		}
		leftCid, err := t.persistIf(ctx, left, subPrev)
		if err != nil {
			return nil, nil, err
		}
		rightCid, err := t.persistIf(ctx, right, key)
		if err != nil {
			return nil, nil, err
		}

		entries := make([]Entry, 0, len(n.Entries)+1)
		entries = append(entries, n.Entries[:idx]...)
		entries = append(entries, Entry{Key: key, Value: value, Tree: rightCid})
		entries = append(entries, n.Entries[idx:]...)
		newLeft := n.Left
		if idx == 0 {
			newLeft = leftCid
		} else {
			entries[idx-1].Tree = leftCid
		}
		return &Node{Left: newLeft, Entries: entries}, nil, nil

	default: // kl < nl
		idx := len(n.Entries)
		for i, e := range n.Entries {
			if key < e.Key {
				idx = i
				break
			}
		}
		sub, subPrev := n.boundary(idx, prevKey)
		var child *Node
		if sub != nil {
			var err error
			child, err = t.load(ctx, *sub, subPrev)
			if err != nil {
				return nil, nil, err
			}
		}
		newChild, prev, err := t.putNode(ctx, child, key, value, subPrev)
		if err != nil {
			return nil, nil, err
		}
		childCid, err := t.persist(ctx, newChild, subPrev)
		if err != nil {
			return nil, nil, err
		}

		entries := copyEntries(n.Entries)
		newLeft := n.Left
		if idx == 0 {
			newLeft = &childCid
		} else {
			entries[idx-1].Tree = &childCid
		}
		return &Node{Left: newLeft, Entries: entries}, prev, nil
	}
}

// splitNode partitions a subtree into keys below and above key. Either
// half may come back nil. Lower-layer halves are returned as their own
// nodes rather than wrapped in entry-less shells, which keeps the tree
// shape canonical.
func (t *Tree) splitNode(ctx context.Context, n *Node, key, prevKey string) (*Node, *Node, error) {
	if n.empty() {
		return nil, nil, nil
	}
	idx := len(n.Entries)
	for i, e := range n.Entries {
		if key < e.Key {
			idx = i
			break
		}
	}

	sub, subPrev := n.boundary(idx, prevKey)
	var subLeft, subRight *Node
	if sub != nil {
		child, err := t.load(ctx, *sub, subPrev)
		if err != nil {
			return nil, nil, err
		}
		subLeft, subRight, err = t.splitNode(ctx, child, key, subPrev)
		if err != nil {
			return nil, nil, err
		}
	}

	var left *Node
	if idx == 0 {
		left = subLeft
	} else {
		entries := copyEntries(n.Entries[:idx])
		leftCid, err := t.persistIf(ctx, subLeft, subPrev)
		if err != nil {
			return nil, nil, err
		}
		entries[idx-1].Tree = leftCid
		left = &Node{Left: n.Left, Entries: entries}
	}

	var right *Node
	if idx == len(n.Entries) {
		right = subRight
	} else {
		rightCid, err := t.persistIf(ctx, subRight, key)
		if err != nil {
			return nil, nil, err
		}
		right = &Node{Left: rightCid, Entries: copyEntries(n.Entries[idx:])}
	}
	return left, right, nil
}

func (t *Tree) deleteNode(ctx context.Context, n *Node, key, prevKey string) (*Node, *cid.Cid, error) {
	if n.empty() {
		return nil, nil, nil
	}
	idx := len(n.Entries)
	for i, e := range n.Entries {
		if key <= e.Key {
			idx = i
			break
		}
	}

	if idx < len(n.Entries) && n.Entries[idx].Key == key {
		removed := n.Entries[idx].Value
		leftSub, subPrev := n.boundary(idx, prevKey)
		rightSub := n.Entries[idx].Tree

		merged, err := t.mergeSubtrees(ctx, leftSub, subPrev, rightSub, key)
		if err != nil {
			return nil, nil, err
		}
		mergedCid, err := t.persistIf(ctx, merged, subPrev)
		if err != nil {
			return nil, nil, err
		}

		entries := make([]Entry, 0, len(n.Entries)-1)
		entries = append(entries, n.Entries[:idx]...)
		entries = append(entries, n.Entries[idx+1:]...)
		newLeft := n.Left
		if idx == 0 {
			newLeft = mergedCid
		} else {
			entries[idx-1].Tree = mergedCid
		}
		if len(entries) == 0 {
			// Entry-less nodes never persist: the merged child (or
			// nothing) takes this node's place.
			return merged, &removed, nil
		}
		return &Node{Left: newLeft, Entries: entries}, &removed, nil
	}

	sub, subPrev := n.boundary(idx, prevKey)
	if sub == nil {
		return n, nil, nil
	}
	child, err := t.load(ctx, *sub, subPrev)
	if err != nil {
		return nil, nil, err
	}
	newChild, removed, err := t.deleteNode(ctx, child, key, subPrev)
	if err != nil {
		return nil, nil, err
	}
	if removed == nil {
		return n, nil, nil
	}
	newLink, err := t.persistIf(ctx, newChild, subPrev)
	if err != nil {
		return nil, nil, err
	}
	entries := copyEntries(n.Entries)
	newLeft := n.Left
	if idx == 0 {
		newLeft = newLink
	} else {
		entries[idx-1].Tree = newLink
	}
	return &Node{Left: newLeft, Entries: entries}, removed, nil
}

// mergeSubtrees joins two adjacent subtrees, all keys of the left
// strictly below all keys of the right. leftPrev and rightPrev are the
// full keys to the left of each subtree's range; for a delete these
// are the deleted entry's predecessor and the deleted key itself.
func (t *Tree) mergeSubtrees(ctx context.Context, leftCid *cid.Cid, leftPrev string, rightCid *cid.Cid, rightPrev string) (*Node, error) {
	var left, right *Node
	var err error
	if leftCid != nil {
		if left, err = t.load(ctx, *leftCid, leftPrev); err != nil {
			return nil, err
		}
	}
	if rightCid != nil {
		if right, err = t.load(ctx, *rightCid, rightPrev); err != nil {
			return nil, err
		}
	}
	return t.mergeNodes(ctx, left, right, leftPrev, rightPrev)
}

func (t *Tree) mergeNodes(ctx context.Context, left, right *Node, leftPrev, rightPrev string) (*Node, error) {
	if left == nil {
		return right, nil
	}
	if right == nil {
		return left, nil
	}
	ll, rl := nodeLayer(left), nodeLayer(right)

	switch {
	case ll > rl:
		// The right subtree folds into the left node's rightmost gap.
		li := len(left.Entries) - 1
		last := left.Entries[li]
		merged, err := t.mergeSubtreeNode(ctx, last.Tree, last.Key, right, rightPrev)
		if err != nil {
			return nil, err
		}
		mergedCid, err := t.persistIf(ctx, merged, last.Key)
		if err != nil {
			return nil, err
		}
		entries := copyEntries(left.Entries)
		entries[li].Tree = mergedCid
		return &Node{Left: left.Left, Entries: entries}, nil

	case rl > ll:
		// The left subtree folds into the right node's left edge.
		var sub *Node
		var err error
		if right.Left != nil {
			if sub, err = t.load(ctx, *right.Left, rightPrev); err != nil {
				return nil, err
			}
		}
		merged, err := t.mergeNodes(ctx, left, sub, leftPrev, rightPrev)
		if err != nil {
			return nil, err
		}
		mergedCid, err := t.persistIf(ctx, merged, leftPrev)
		if err != nil {
			return nil, err
		}
		return &Node{Left: mergedCid, Entries: copyEntries(right.Entries)}, nil

	default:
		// Same layer: merge the inner boundary subtrees and
		// concatenate entries.
		li := len(left.Entries) - 1
		last := left.Entries[li]
		var lsub, rsub *Node
		var err error
		if last.Tree != nil {
			if lsub, err = t.load(ctx, *last.Tree, last.Key); err != nil {
				return nil, err
			}
		}
		if right.Left != nil {
			if rsub, err = t.load(ctx, *right.Left, rightPrev); err != nil {
				return nil, err
			}
		}
		inner, err := t.mergeNodes(ctx, lsub, rsub, last.Key, rightPrev)
		if err != nil {
			return nil, err
		}
		innerCid, err := t.persistIf(ctx, inner, last.Key)
		if err != nil {
			return nil, err
		}
		entries := make([]Entry, 0, len(left.Entries)+len(right.Entries))
		entries = append(entries, left.Entries...)
		entries = append(entries, right.Entries...)
		entries[li].Tree = innerCid
		return &Node{Left: left.Left, Entries: entries}, nil
	}
}

func (t *Tree) mergeSubtreeNode(ctx context.Context, leftCid *cid.Cid, leftPrev string, right *Node, rightPrev string) (*Node, error) {
	var left *Node
	var err error
	if leftCid != nil {
		if left, err = t.load(ctx, *leftCid, leftPrev); err != nil {
			return nil, err
		}
	}
	return t.mergeNodes(ctx, left, right, leftPrev, rightPrev)
}

// persistIf persists a node unless it is nil, returning the link to
// store in the parent.
func (t *Tree) persistIf(ctx context.Context, n *Node, prevKey string) (*cid.Cid, error) {
	if n == nil {
		return nil, nil
	}
	c, err := t.persist(ctx, n, prevKey)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *Tree) walkNode(ctx context.Context, n *Node, prevKey string, fn func(key string, value cid.Cid) error) error {
	if n.empty() {
		return nil
	}
	if n.Left != nil {
		child, err := t.load(ctx, *n.Left, prevKey)
		if err != nil {
			return err
		}
		if err := t.walkNode(ctx, child, prevKey, fn); err != nil {
			return err
		}
	}
	for _, e := range n.Entries {
		if err := fn(e.Key, e.Value); err != nil {
			return err
		}
		if e.Tree != nil {
			child, err := t.load(ctx, *e.Tree, e.Key)
			if err != nil {
				return err
			}
			if err := t.walkNode(ctx, child, e.Key, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tree) collectCIDs(ctx context.Context, n *Node, prevKey string, nodes, records *[]cid.Cid) error {
	if n.empty() {
		return nil
	}
	if n.Left != nil {
		child, err := t.load(ctx, *n.Left, prevKey)
		if err != nil {
			return fmt.Errorf("mst: collect blocks: %w", err)
		}
		*nodes = append(*nodes, *n.Left)
		if err := t.collectCIDs(ctx, child, prevKey, nodes, records); err != nil {
			return err
		}
	}
	for _, e := range n.Entries {
		*records = append(*records, e.Value)
		if e.Tree != nil {
			child, err := t.load(ctx, *e.Tree, e.Key)
			if err != nil {
				return fmt.Errorf("mst: collect blocks: %w", err)
			}
			*nodes = append(*nodes, *e.Tree)
			if err := t.collectCIDs(ctx, child, e.Key, nodes, records); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
