// Package mst implements the Merkle Search Tree backing every
// repository: a deterministic, content-addressed ordered map from
// record keys to record CIDs. Tree shape is a pure function of the
// key/value set, so two trees holding the same records always produce
// the same root CID regardless of insertion order.
//
// Nodes are stored as DAG-CBOR blocks of the form
// [left, [[prefixLen, keySuffix, value, tree], ...]] where left and
// tree are null-or-link. Keys are prefix-compressed on the wire
// against the preceding key, with the key to the left of the node's
// whole range threaded through recursion for the first entry.
// In-memory nodes always carry full keys; compression exists only in
// encodeNode and decodeNode.
package mst

import (
	"crypto/sha256"
	"fmt"
	"math/bits"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/quartz-pds/internal/cbor"
)

// Entry is one key/value pair in a node, with an optional subtree
// holding keys strictly between this entry and the next.
type Entry struct {
	Key   string
	Value cid.Cid
	Tree  *cid.Cid
}

// Node is an MST node. All entries share the same layer, and keys are
// strictly increasing. Left holds keys below the first entry.
type Node struct {
	Left    *cid.Cid
	Entries []Entry
}

func (n *Node) empty() bool {
	return n == nil || (n.Left == nil && len(n.Entries) == 0)
}

// Layer of a key: half the number of leading zero bits of its SHA-256
// hash. Higher layers are exponentially rarer, giving the tree a
// fanout of about four.
func Layer(key string) int {
	h := sha256.Sum256([]byte(key))
	zeros := 0
	for _, b := range h {
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += bits.LeadingZeros8(b)
		break
	}
	return zeros / 2
}

// nodeLayer is the layer of the node's first entry, or -1 for a node
// with no entries.
func nodeLayer(n *Node) int {
	if n == nil || len(n.Entries) == 0 {
		return -1
	}
	return Layer(n.Entries[0].Key)
}

// encodeNode serializes a node to DAG-CBOR, compressing each key
// against its predecessor. prevKey is the full key immediately to the
// left of the node's range ("" at the root).
func encodeNode(n *Node, prevKey string) ([]byte, error) {
	entries := make([]any, len(n.Entries))
	prev := prevKey
	for i, e := range n.Entries {
		p := commonPrefixLen(prev, e.Key)
		var tree any
		if e.Tree != nil {
			tree = *e.Tree
		}
		entries[i] = []any{int64(p), e.Key[p:], e.Value, tree}
		prev = e.Key
	}
	var left any
	if n.Left != nil {
		left = *n.Left
	}
	data, err := cbor.Marshal([]any{left, entries})
	if err != nil {
		return nil, fmt.Errorf("mst: encode node: %w", err)
	}
	return data, nil
}

// decodeNode parses a node block, reconstructing full keys from the
// threaded prevKey. Malformed shapes and out-of-order keys are
// structural errors.
func decodeNode(data []byte, prevKey string) (*Node, error) {
	v, err := cbor.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("mst: decode node: %w", err)
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return nil, fmt.Errorf("mst: node is not a 2-element array")
	}
	left, err := decodeLink(arr[0])
	if err != nil {
		return nil, fmt.Errorf("mst: node left: %w", err)
	}
	rawEntries, ok := arr[1].([]any)
	if !ok {
		return nil, fmt.Errorf("mst: node entries is not an array")
	}

	n := &Node{Left: left, Entries: make([]Entry, 0, len(rawEntries))}
	prev := prevKey
	for i, raw := range rawEntries {
		ea, ok := raw.([]any)
		if !ok || len(ea) != 4 {
			return nil, fmt.Errorf("mst: entry %d is not a 4-element array", i)
		}
		p, ok := ea[0].(int64)
		if !ok || p < 0 || int(p) > len(prev) {
			return nil, fmt.Errorf("mst: entry %d has bad prefix length", i)
		}
		suffix, ok := ea[1].(string)
		if !ok {
			return nil, fmt.Errorf("mst: entry %d key suffix is not a string", i)
		}
		value, ok := ea[2].(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("mst: entry %d value is not a link", i)
		}
		tree, err := decodeLink(ea[3])
		if err != nil {
			return nil, fmt.Errorf("mst: entry %d tree: %w", i, err)
		}

		key := prev[:p] + suffix
		if key <= prev {
			return nil, fmt.Errorf("mst: entry %d key %q out of order", i, key)
		}
		n.Entries = append(n.Entries, Entry{Key: key, Value: value, Tree: tree})
		prev = key
	}
	return n, nil
}

func decodeLink(v any) (*cid.Cid, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case cid.Cid:
		return &x, nil
	default:
		return nil, fmt.Errorf("expected null or link, got %T", v)
	}
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
