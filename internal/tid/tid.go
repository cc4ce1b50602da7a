// Package tid generates timestamp identifiers: 13-character sortable
// strings used for record keys and commit revisions. A TID packs a
// 64-bit value, millisecond wall time shifted left 10 bits OR'd with a
// per-process clock id, into base-32-sortable characters.
package tid

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Alphabet is base-32-sortable: digits 2-7 then lowercase a-z.
const Alphabet = "234567abcdefghijklmnopqrstuvwxyz"

// Length of every TID string.
const Length = 13

// Clock issues strictly increasing TIDs. Two calls never return equal
// values even within the same millisecond.
type Clock struct {
	mu      sync.Mutex
	last    uint64
	clockID uint64
}

// NewClock creates a clock with a random 10-bit clock id, which keeps
// identifiers from distinct processes from colliding.
func NewClock() *Clock {
	return &Clock{clockID: uint64(rand.Intn(1 << 10))}
}

// Next returns a new TID. If the wall clock has not advanced past the
// previous call, the value is bumped by one to preserve strict
// monotonicity.
func (c *Clock) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := uint64(time.Now().UnixMilli())<<10 | c.clockID
	if v <= c.last {
		v = c.last + 1
	}
	c.last = v
	return Encode(v)
}

// Encode renders a 64-bit value as 13 characters, most significant
// 5-bit group first. 13 groups cover 65 bits; the top group only ever
// holds the high 4 bits of the value.
func Encode(v uint64) string {
	var b [Length]byte
	for i := Length - 1; i >= 0; i-- {
		b[i] = Alphabet[v&0x1f]
		v >>= 5
	}
	return string(b[:])
}

// Decode parses a TID string back to its 64-bit value.
func Decode(s string) (uint64, error) {
	if len(s) != Length {
		return 0, fmt.Errorf("tid: %q is %d chars, want %d", s, len(s), Length)
	}
	var v uint64
	for i := 0; i < Length; i++ {
		idx := strings.IndexByte(Alphabet, s[i])
		if idx < 0 {
			return 0, fmt.Errorf("tid: invalid character %q in %q", s[i], s)
		}
		v = v<<5 | uint64(idx)
	}
	return v, nil
}

// Valid reports whether s is a well-formed TID.
func Valid(s string) bool {
	_, err := Decode(s)
	return err == nil
}
