// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package models defines the archon database rows and owns the SQLite
// schema. Text columns that may be logically absent are stored as empty
// strings, never NULL, so every row scans into plain string fields.
package models

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-gorp/gorp/v3"
	_ "github.com/mattn/go-sqlite3"
)

// ArchonIdentity is the node's DID record. The singleton_id CHECK pins the
// table to a single row; provisioning replaces the row in place.
type ArchonIdentity struct {
	SingletonID    int64  `db:"singleton_id"`
	DID            string `db:"did"`
	GovernanceTier string `db:"governance_tier"`
	Status         string `db:"status"`
	Source         string `db:"source"`
	GatewayURL     string `db:"gateway_url"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

// ArchonBinding links the node DID to an external subject key. At most one
// binding exists per (binding_type, subject) pair.
type ArchonBinding struct {
	BindingID       string `db:"binding_id"`
	DID             string `db:"did"`
	BindingType     string `db:"binding_type"`
	Subject         string `db:"subject"`
	AttestationJSON string `db:"attestation_json"`
	Signature       string `db:"signature"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

// ArchonPoll is a governance poll. RemotePollID stays empty until the
// gateway acknowledges the poll, either inline or through the outbox.
type ArchonPoll struct {
	PollID       string `db:"poll_id"`
	RemotePollID string `db:"remote_poll_id"`
	PollType     string `db:"poll_type"`
	Title        string `db:"title"`
	OptionsJSON  string `db:"options_json"`
	MetadataJSON string `db:"metadata_json"`
	CreatedBy    string `db:"created_by"`
	Deadline     int64  `db:"deadline"`
	Status       string `db:"status"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

// ArchonVote is a signed ballot. The UNIQUE(poll_id, voter_id) constraint
// enforces one vote per voter per poll.
type ArchonVote struct {
	VoteID    string `db:"vote_id"`
	PollID    string `db:"poll_id"`
	VoterID   string `db:"voter_id"`
	Choice    string `db:"choice"`
	Reason    string `db:"reason"`
	VotedAt   int64  `db:"voted_at"`
	Signature string `db:"signature"`
}

// VoterVote is a vote row joined with the header fields of its poll, as
// returned by the voter history listing.
type VoterVote struct {
	VoteID    string `db:"vote_id"`
	PollID    string `db:"poll_id"`
	VoterID   string `db:"voter_id"`
	Choice    string `db:"choice"`
	Reason    string `db:"reason"`
	VotedAt   int64  `db:"voted_at"`
	Signature string `db:"signature"`
	Title     string `db:"title"`
	PollType  string `db:"poll_type"`
	Status    string `db:"status"`
	Deadline  int64  `db:"deadline"`
}

// ArchonOutboxEntry is a deferred gateway operation awaiting retry.
type ArchonOutboxEntry struct {
	EntryID     string `db:"entry_id"`
	Operation   string `db:"operation"`
	PayloadJSON string `db:"payload_json"`
	Status      string `db:"status"`
	RetryCount  int64  `db:"retry_count"`
	MaxRetries  int64  `db:"max_retries"`
	NextRetryAt int64  `db:"next_retry_at"`
	LastError   string `db:"last_error"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

var createStmts = []string{
	`CREATE TABLE IF NOT EXISTS archon_identity (
		singleton_id INTEGER PRIMARY KEY CHECK (singleton_id = 1),
		did TEXT NOT NULL,
		governance_tier TEXT NOT NULL DEFAULT 'basic',
		status TEXT NOT NULL DEFAULT 'active',
		source TEXT NOT NULL DEFAULT '',
		gateway_url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS archon_bindings (
		binding_id TEXT PRIMARY KEY,
		did TEXT NOT NULL,
		binding_type TEXT NOT NULL,
		subject TEXT NOT NULL,
		attestation_json TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (binding_type, subject)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_archon_bindings_did
		ON archon_bindings (did, binding_type)`,
	`CREATE TABLE IF NOT EXISTS archon_polls (
		poll_id TEXT PRIMARY KEY,
		remote_poll_id TEXT NOT NULL DEFAULT '',
		poll_type TEXT NOT NULL,
		title TEXT NOT NULL,
		options_json TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_by TEXT NOT NULL DEFAULT '',
		deadline INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_archon_polls_status_deadline
		ON archon_polls (status, deadline)`,
	`CREATE TABLE IF NOT EXISTS archon_votes (
		vote_id TEXT PRIMARY KEY,
		poll_id TEXT NOT NULL REFERENCES archon_polls (poll_id),
		voter_id TEXT NOT NULL,
		choice TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		voted_at INTEGER NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		UNIQUE (poll_id, voter_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_archon_votes_voter
		ON archon_votes (voter_id, voted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS archon_outbox (
		entry_id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 5,
		next_retry_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_archon_outbox_status_retry
		ON archon_outbox (status, next_retry_at)`,
}

// GetDbMap opens, creating it first if necessary, the archon SQLite
// database at dbPath and returns a gorp DbMap with the archon tables
// registered and the schema applied. The DSN enables WAL journaling,
// foreign key enforcement, and a 30 second busy timeout; writers from
// pooled connections serialize on the busy timeout.
func GetDbMap(dbPath string) (*gorp.DbMap, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("GetDbMap: unable to create database directory %s: %v", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("GetDbMap: unable to open %s: %v", dbPath, err)
	}

	dbMap := &gorp.DbMap{Db: db, Dialect: gorp.SqliteDialect{}}
	dbMap.AddTableWithName(ArchonIdentity{}, "archon_identity").SetKeys(false, "SingletonID")
	dbMap.AddTableWithName(ArchonBinding{}, "archon_bindings").SetKeys(false, "BindingID")
	dbMap.AddTableWithName(ArchonPoll{}, "archon_polls").SetKeys(false, "PollID")
	dbMap.AddTableWithName(ArchonVote{}, "archon_votes").SetKeys(false, "VoteID")
	dbMap.AddTableWithName(ArchonOutboxEntry{}, "archon_outbox").SetKeys(false, "EntryID")

	if err := createSchema(dbMap); err != nil {
		db.Close()
		return nil, err
	}
	return dbMap, nil
}

func createSchema(dbMap *gorp.DbMap) error {
	for _, stmt := range createStmts {
		if _, err := dbMap.Exec(stmt); err != nil {
			return fmt.Errorf("createSchema: %v", err)
		}
	}
	return nil
}
