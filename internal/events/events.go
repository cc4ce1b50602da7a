// Package events implements the commit firehose: a sequenced,
// best-effort broadcast of repository commits to WebSocket
// subscribers, with persisted frames for cursor-based replay.
package events

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/quartz-pds/internal/cbor"
)

// CommitEventType is the $type every commit frame carries.
const CommitEventType = "com.atproto.sync.subscribeRepos#commit"

// CommitInfo carries everything needed to build a firehose commit
// frame.
type CommitInfo struct {
	DID     string
	Rev     string
	Commit  cid.Cid
	DiffCAR []byte
	Time    time.Time
}

// subscriber represents a connected firehose consumer. The mutex
// serializes channel sends against the close, so a frame arriving
// during eviction is dropped instead of hitting a closed channel.
type subscriber struct {
	ch   chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// send queues a frame without blocking. sent reports whether the frame
// was buffered; open is false once the channel has been closed.
func (s *subscriber) send(frame []byte) (sent, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- frame:
		return true, true
	default:
		return false, true
	}
}

// closeChan closes the frame channel exactly once. Later sends are
// dropped.
func (s *subscriber) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub owns the sequence counter and the subscriber set. It is created
// once by the server process and passed into handlers; there is no
// process-wide state.
type Hub struct {
	persister *Persister
	seq       atomic.Int64

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub creates a Hub. The persister may be nil, in which case frames
// are broadcast without retention and cursors cannot be served.
func NewHub(persister *Persister) *Hub {
	return &Hub{
		persister: persister,
		subs:      make(map[*subscriber]struct{}),
	}
}

// Start seeds the sequence counter from the persisted high-water mark
// so sequence numbers stay monotonic across restarts.
func (h *Hub) Start(ctx context.Context) error {
	if h.persister == nil {
		return nil
	}
	last, err := h.persister.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("events: seed sequence: %w", err)
	}
	h.seq.Store(last)
	return nil
}

// NextSeq atomically allocates the next sequence number.
func (h *Hub) NextSeq() int64 {
	return h.seq.Add(1)
}

// CurrentSeq reads the counter without advancing it.
func (h *Hub) CurrentSeq() int64 {
	return h.seq.Load()
}

// ResetSeq zeroes the counter. Test support only.
func (h *Hub) ResetSeq() {
	h.seq.Store(0)
}

// EncodeCommitFrame builds the wire frame for one commit: a single
// DAG-CBOR map with $type, seq, did, rev, commit, blocks, and time.
func EncodeCommitFrame(seq int64, info *CommitInfo) ([]byte, error) {
	frame, err := cbor.Marshal(map[string]any{
		"$type":  CommitEventType,
		"seq":    seq,
		"did":    info.DID,
		"rev":    info.Rev,
		"commit": info.Commit,
		"blocks": info.DiffCAR,
		"time":   info.Time.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("events: encode frame: %w", err)
	}
	return frame, nil
}

// Emit allocates a sequence number, persists the frame, and broadcasts
// it. Returns an error only if encoding or persistence fails; delivery
// problems never propagate back to the write that caused the event.
func (h *Hub) Emit(ctx context.Context, info *CommitInfo) (int64, error) {
	seq := h.NextSeq()
	frame, err := EncodeCommitFrame(seq, info)
	if err != nil {
		return 0, err
	}
	if h.persister != nil {
		if err := h.persister.Persist(ctx, seq, info.DID, frame); err != nil {
			return 0, fmt.Errorf("events: persist: %w", err)
		}
	}
	h.broadcast(frame)
	return seq, nil
}

// Subscribe returns a channel of pre-serialized frames. If since is
// non-nil, persisted events after that cursor are replayed before live
// frames. The returned cancel function must be called when the
// subscriber is done.
func (h *Hub) Subscribe(ctx context.Context, since *int64) (<-chan []byte, func(), error) {
	sub := &subscriber{
		ch:   make(chan []byte, 256),
		done: make(chan struct{}),
	}

	// Register before replay so nothing lands in the gap between
	// replay end and live start.
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.done)
		})
	}

	if since != nil && h.persister != nil {
		go func() {
			err := h.persister.Replay(ctx, *since, func(frame []byte) error {
				for {
					sent, open := sub.send(frame)
					if sent {
						return nil
					}
					if !open {
						return fmt.Errorf("subscriber evicted")
					}
					// Buffer full: wait for the consumer to drain.
					select {
					case <-sub.done:
						return fmt.Errorf("subscriber cancelled")
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(10 * time.Millisecond):
					}
				}
			})
			if err != nil {
				log.Printf("Warning: replay error: %v", err)
			}
		}()
	}

	return sub.ch, cancel, nil
}

// Shutdown closes every subscriber channel.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
		delete(h.subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.closeChan()
	}
}

// broadcast sends a frame to all subscribers. Slow consumers whose
// buffers are full are dropped from the hub and get their channel
// closed; they reconnect with a cursor. Eviction removes the
// subscriber before the close, so an emit racing the eviction drops
// the frame rather than panicking on a closed channel.
func (h *Hub) broadcast(frame []byte) {
	h.mu.RLock()
	var evicted []*subscriber
	for sub := range h.subs {
		if sent, open := sub.send(frame); !sent && open {
			evicted = append(evicted, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range evicted {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sub.closeChan()
	}
}
