// Package database manages the PostgreSQL connection pool and
// bootstraps the schema on startup.
package database

// Schema contains the SQL statements for the PDS database.
const Schema = `
-- accounts: User accounts hosted by this PDS.
-- The handle is the user's AT Protocol identifier (e.g., "alice.example.com").
-- signing_key holds the repository signing key as "<curve>:<hex>"; it is
-- generated at account creation and must survive restarts, since losing it
-- makes the whole commit chain unverifiable.
--
-- Statuses:
--   active:    normal operation, fully functional.
--   suspended: can still post locally but will not sync to relays.
--   disabled:  data preserved but cannot create new posts.
--   removed:   row kept as tombstone; all associated data is deleted.
CREATE TABLE IF NOT EXISTS accounts (
    id          SERIAL PRIMARY KEY,
    did         VARCHAR(255) UNIQUE NOT NULL,
    handle      VARCHAR(253) UNIQUE NOT NULL,
    email       VARCHAR(255),
    password    VARCHAR(255) NOT NULL,
    signing_key VARCHAR(255) NOT NULL,
    status      VARCHAR(20) NOT NULL DEFAULT 'active',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);

-- repo_blocks: Content-addressed blocks scoped per account.
-- Stores MST nodes, record data, and commit objects as DAG-CBOR bytes.
CREATE TABLE IF NOT EXISTS repo_blocks (
    did   VARCHAR(255) NOT NULL,
    cid   VARCHAR(255) NOT NULL,
    data  BYTEA NOT NULL,
    PRIMARY KEY (did, cid)
);

-- repo_roots: Current commit head per account repository.
CREATE TABLE IF NOT EXISTS repo_roots (
    did         VARCHAR(255) PRIMARY KEY REFERENCES accounts(did) ON DELETE CASCADE,
    commit_cid  VARCHAR(255) NOT NULL,
    rev         VARCHAR(50) NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- firehose_events: Sequenced event log for com.atproto.sync.subscribeRepos.
-- Each row is a complete pre-encoded wire frame under the sequence number
-- the hub assigned to it; replay streams frames with seq > cursor.
CREATE TABLE IF NOT EXISTS firehose_events (
    seq        BIGINT PRIMARY KEY,
    did        VARCHAR(255) NOT NULL,
    frame      BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- blobs: Content-addressed media storage for images and other binary data.
CREATE TABLE IF NOT EXISTS blobs (
    did        VARCHAR(255) NOT NULL,
    cid        VARCHAR(255) NOT NULL,
    mime_type  VARCHAR(255) NOT NULL,
    size       BIGINT NOT NULL,
    data       BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (did, cid)
);
`
