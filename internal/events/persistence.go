package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Persister stores firehose frames keyed by their hub-assigned
// sequence number, so a reconnecting consumer can replay from a
// cursor.
type Persister struct {
	pool *pgxpool.Pool
}

// NewPersister creates a Persister over the database pool.
func NewPersister(pool *pgxpool.Pool) *Persister {
	return &Persister{pool: pool}
}

// Persist inserts a fully encoded frame under its sequence number.
func (p *Persister) Persist(ctx context.Context, seq int64, did string, frame []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO firehose_events (seq, did, frame)
		 VALUES ($1, $2, $3)`,
		seq, did, frame)
	if err != nil {
		return fmt.Errorf("persist: insert event %d: %w", seq, err)
	}
	return nil
}

// Replay streams stored frames with seq > since, in order.
func (p *Persister) Replay(ctx context.Context, since int64, fn func(frame []byte) error) error {
	rows, err := p.pool.Query(ctx,
		`SELECT frame FROM firehose_events
		 WHERE seq > $1 ORDER BY seq ASC`, since)
	if err != nil {
		return fmt.Errorf("replay: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var frame []byte
		if err := rows.Scan(&frame); err != nil {
			return fmt.Errorf("replay: scan: %w", err)
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LastSeq returns the highest persisted sequence number, or 0 when no
// events exist yet.
func (p *Persister) LastSeq(ctx context.Context) (int64, error) {
	var last int64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM firehose_events`,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return last, nil
}
