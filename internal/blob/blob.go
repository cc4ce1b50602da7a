// Package blob provides content-addressed blob storage for media
// attachments. Blobs are stored in Postgres keyed by (did, cid) with a
// 1MB size limit; they are referenced from records but live outside
// the MST.
package blob

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/multiformats/go-multihash"
)

// MaxBlobSize is the maximum allowed blob size (1MB).
const MaxBlobSize = 1 << 20

// ErrNotFound is returned when a (did, cid) pair has no stored blob.
var ErrNotFound = errors.New("blob: not found")

// BlobRef is returned after a successful upload.
type BlobRef struct {
	CID      string `json:"cid"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Store handles blob uploads and retrieval.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a blob Store over the database pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Upload reads data from r, computes a raw-codec CID, and stores the
// blob. Returns a BlobRef on success.
func (s *Store) Upload(ctx context.Context, did, mimeType string, r io.Reader) (*BlobRef, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	if len(data) > MaxBlobSize {
		return nil, fmt.Errorf("blob: exceeds maximum size of %d bytes", MaxBlobSize)
	}

	hash := sha256.Sum256(data)
	mh, err := multihash.Encode(hash[:], multihash.SHA2_256)
	if err != nil {
		return nil, fmt.Errorf("blob: multihash: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, mh)
	cidStr := c.String()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO blobs (did, cid, mime_type, size, data)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (did, cid) DO NOTHING`,
		did, cidStr, mimeType, len(data), data,
	)
	if err != nil {
		return nil, fmt.Errorf("blob: store: %w", err)
	}

	return &BlobRef{
		CID:      cidStr,
		MimeType: mimeType,
		Size:     int64(len(data)),
	}, nil
}

// Get retrieves a blob by DID and CID. Returns the data and MIME type.
func (s *Store) Get(ctx context.Context, did, cidStr string) ([]byte, string, error) {
	var data []byte
	var mimeType string
	err := s.pool.QueryRow(ctx,
		`SELECT data, mime_type FROM blobs WHERE did = $1 AND cid = $2`,
		did, cidStr,
	).Scan(&data, &mimeType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, cidStr)
	}
	if err != nil {
		return nil, "", fmt.Errorf("blob: get %s: %w", cidStr, err)
	}
	return data, mimeType, nil
}
