// import-car loads a repository CAR v1 archive into a quartz-pds
// database. The archive's single root must be the head commit; every
// block is verified against its CID before insertion, and the repo
// head is pointed at the root commit once all blocks are stored.
//
// The target account must already exist (the commit's did field is
// checked against the accounts table).
//
// Usage:
//
//	import-car -config db.json -car repo.car
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	car "github.com/ipld/go-car"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/primal-host/quartz-pds/internal/config"
	"github.com/primal-host/quartz-pds/internal/database"
	"github.com/primal-host/quartz-pds/internal/repo"
)

func main() {
	configPath := flag.String("config", "db.json", "Path to the config file")
	carPath := flag.String("car", "", "Path to the CAR archive to import")
	flag.Parse()

	if *carPath == "" {
		log.Fatal("The -car flag is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := importCAR(ctx, db.Pool, *carPath); err != nil {
		log.Fatalf("Import failed: %v", err)
	}
}

// importCAR reads the archive, verifies and stages every block, checks
// the root commit, and persists blocks plus the new head.
func importCAR(ctx context.Context, pool *pgxpool.Pool, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cr, err := car.NewCarReader(f)
	if err != nil {
		return fmt.Errorf("read car header: %w", err)
	}
	if len(cr.Header.Roots) != 1 {
		return fmt.Errorf("expected exactly one root, got %d", len(cr.Header.Roots))
	}
	root := cr.Header.Roots[0]

	bs := repo.NewMemBlockstore()
	count := 0
	for {
		blk, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read block %d: %w", count, err)
		}

		// Recompute the CID from the block data. A mismatch means the
		// archive is corrupt or was tampered with.
		expected, err := blk.Cid().Prefix().Sum(blk.RawData())
		if err != nil {
			return fmt.Errorf("hash block %d: %w", count, err)
		}
		if !expected.Equals(blk.Cid()) {
			return fmt.Errorf("block %d: cid mismatch: claimed %s, computed %s",
				count, blk.Cid(), expected)
		}

		if err := bs.Put(ctx, blk); err != nil {
			return fmt.Errorf("stage block %s: %w", blk.Cid(), err)
		}
		count++
	}
	log.Printf("Read %d verified blocks from %s", count, path)

	rootBlk, err := bs.Get(ctx, root)
	if err != nil {
		return fmt.Errorf("root commit block missing from archive: %w", err)
	}
	commit, err := repo.DecodeCommit(rootBlk.RawData())
	if err != nil {
		return fmt.Errorf("decode root commit: %w", err)
	}
	did := commit.DID

	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE did = $1)`, did,
	).Scan(&exists)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("check account %s: %w", did, err)
	}
	if !exists {
		return fmt.Errorf("no account for did %s; create the account first", did)
	}

	if err := bs.PersistAll(ctx, pool, did); err != nil {
		return fmt.Errorf("persist blocks: %w", err)
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO repo_roots (did, commit_cid, rev)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (did) DO UPDATE SET commit_cid = $2, rev = $3, updated_at = NOW()`,
		did, root.String(), commit.Rev)
	if err != nil {
		return fmt.Errorf("set head: %w", err)
	}

	log.Printf("Imported repo for %s: head %s (rev %s), %d blocks", did, root, commit.Rev, count)
	return nil
}
