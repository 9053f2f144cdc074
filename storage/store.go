// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package storage implements the persistence layer for archon identity,
// bindings, polls, votes, and the gateway outbox on top of gorp.
package storage

import (
	"database/sql"
	"fmt"

	"github.com/go-gorp/gorp/v3"

	"github.com/lightninghive/hive-archon/models"
)

// Outbox entry lifecycle states.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusSucceeded = "succeeded"
	OutboxStatusExhausted = "exhausted"
)

// ArchonStore provides the database operations the archon service drives.
// Every method is safe for concurrent use; SQLite serializes writers via
// the busy timeout configured on the connection.
type ArchonStore struct {
	dbMap *gorp.DbMap
}

// NewArchonStore returns an ArchonStore backed by dbMap.
func NewArchonStore(dbMap *gorp.DbMap) *ArchonStore {
	return &ArchonStore{dbMap: dbMap}
}

// Close closes the underlying database.
func (s *ArchonStore) Close() error {
	return s.dbMap.Db.Close()
}

// GetIdentity returns the node identity row, or nil when the node has not
// been provisioned yet.
func (s *ArchonStore) GetIdentity() (*models.ArchonIdentity, error) {
	var identity models.ArchonIdentity
	err := s.dbMap.SelectOne(&identity,
		"SELECT * FROM archon_identity WHERE singleton_id = 1")
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("Could not select identity: %v", err)
	}
	return &identity, nil
}

// UpsertIdentity writes the singleton identity row. The created_at of an
// existing row is preserved so re-provisioning keeps the original birth
// time.
func (s *ArchonStore) UpsertIdentity(did, tier, status, source, gatewayURL string, now int64) error {
	existing, err := s.GetIdentity()
	if err != nil {
		return err
	}
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}
	_, err = s.dbMap.Exec(`INSERT OR REPLACE INTO archon_identity
		(singleton_id, did, governance_tier, status, source, gateway_url,
		created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		did, tier, status, source, gatewayURL, createdAt, now)
	if err != nil {
		return fmt.Errorf("Could not upsert identity: %v", err)
	}
	return nil
}

// UpdateGovernanceTier changes the governance tier of the identity row.
func (s *ArchonStore) UpdateGovernanceTier(tier string, now int64) error {
	_, err := s.dbMap.Exec(`UPDATE archon_identity
		SET governance_tier = ?, updated_at = ?
		WHERE singleton_id = 1`, tier, now)
	if err != nil {
		return fmt.Errorf("Could not update governance tier: %v", err)
	}
	return nil
}

// UpsertBinding inserts a binding or refreshes an existing one for the same
// (binding_type, subject) pair, keeping the original created_at.
func (s *ArchonStore) UpsertBinding(bindingID, did, bindingType, subject, attestationJSON, signature string, now int64) error {
	_, err := s.dbMap.Exec(`INSERT INTO archon_bindings
		(binding_id, did, binding_type, subject, attestation_json,
		signature, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (binding_type, subject) DO UPDATE SET
		binding_id = excluded.binding_id,
		did = excluded.did,
		attestation_json = excluded.attestation_json,
		signature = excluded.signature,
		updated_at = excluded.updated_at`,
		bindingID, did, bindingType, subject, attestationJSON, signature,
		now, now)
	if err != nil {
		return fmt.Errorf("Could not upsert binding: %v", err)
	}
	return nil
}

// DeleteBindingsForDID removes every binding attached to did and reports
// how many rows were removed.
func (s *ArchonStore) DeleteBindingsForDID(did string) (int64, error) {
	res, err := s.dbMap.Exec(
		"DELETE FROM archon_bindings WHERE did = ?", did)
	if err != nil {
		return 0, fmt.Errorf("Could not delete bindings: %v", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("Could not count deleted bindings: %v", err)
	}
	return removed, nil
}

// ListBindings returns all bindings, most recently touched first.
func (s *ArchonStore) ListBindings() ([]models.ArchonBinding, error) {
	var bindings []models.ArchonBinding
	_, err := s.dbMap.Select(&bindings,
		"SELECT * FROM archon_bindings ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("Could not select bindings: %v", err)
	}
	return bindings, nil
}

// CreatePoll inserts a poll row in active state.
func (s *ArchonStore) CreatePoll(pollID, remotePollID, pollType, title, optionsJSON, metadataJSON, createdBy string, deadline, now int64) error {
	_, err := s.dbMap.Exec(`INSERT INTO archon_polls
		(poll_id, remote_poll_id, poll_type, title, options_json,
		metadata_json, created_by, deadline, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'active', ?, ?)`,
		pollID, remotePollID, pollType, title, optionsJSON, metadataJSON,
		createdBy, deadline, now, now)
	if err != nil {
		return fmt.Errorf("Could not insert poll: %v", err)
	}
	return nil
}

// GetPoll returns the poll identified by pollID, or nil when no such poll
// exists.
func (s *ArchonStore) GetPoll(pollID string) (*models.ArchonPoll, error) {
	var poll models.ArchonPoll
	err := s.dbMap.SelectOne(&poll,
		"SELECT * FROM archon_polls WHERE poll_id = ?", pollID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("Could not select poll: %v", err)
	}
	return &poll, nil
}

// SetPollStatus updates the lifecycle status of a poll.
func (s *ArchonStore) SetPollStatus(pollID, status string, now int64) error {
	_, err := s.dbMap.Exec(`UPDATE archon_polls
		SET status = ?, updated_at = ? WHERE poll_id = ?`,
		status, now, pollID)
	if err != nil {
		return fmt.Errorf("Could not update poll status: %v", err)
	}
	return nil
}

// SetRemotePollID records the gateway identifier for a locally created
// poll.
func (s *ArchonStore) SetRemotePollID(pollID, remotePollID string, now int64) error {
	_, err := s.dbMap.Exec(`UPDATE archon_polls
		SET remote_poll_id = ?, updated_at = ? WHERE poll_id = ?`,
		remotePollID, now, pollID)
	if err != nil {
		return fmt.Errorf("Could not update remote poll id: %v", err)
	}
	return nil
}

// CompleteExpiredPolls marks every active poll whose deadline has passed as
// completed and reports how many rows changed.
func (s *ArchonStore) CompleteExpiredPolls(now int64) (int64, error) {
	res, err := s.dbMap.Exec(`UPDATE archon_polls
		SET status = 'completed', updated_at = ?
		WHERE status = 'active' AND deadline <= ?`, now, now)
	if err != nil {
		return 0, fmt.Errorf("Could not complete expired polls: %v", err)
	}
	completed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("Could not count completed polls: %v", err)
	}
	return completed, nil
}

// CountPollsByStatus returns the number of polls in the given status.
func (s *ArchonStore) CountPollsByStatus(status string) (int64, error) {
	count, err := s.dbMap.SelectInt(
		"SELECT COUNT(*) FROM archon_polls WHERE status = ?", status)
	if err != nil {
		return 0, fmt.Errorf("Could not count polls: %v", err)
	}
	return count, nil
}

// CountTotalPolls returns the total number of poll rows.
func (s *ArchonStore) CountTotalPolls() (int64, error) {
	count, err := s.dbMap.SelectInt("SELECT COUNT(*) FROM archon_polls")
	if err != nil {
		return 0, fmt.Errorf("Could not count polls: %v", err)
	}
	return count, nil
}

// PruneCompletedPolls deletes completed polls whose deadline is before the
// cutoff, together with their votes, in a single transaction. It reports
// the number of polls removed.
func (s *ArchonStore) PruneCompletedPolls(before int64) (int64, error) {
	tx, err := s.dbMap.Begin()
	if err != nil {
		return 0, fmt.Errorf("Could not begin prune transaction: %v", err)
	}
	voteRes, err := tx.Exec(`DELETE FROM archon_votes WHERE poll_id IN
		(SELECT poll_id FROM archon_polls
		WHERE status = 'completed' AND deadline < ?)`, before)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("Could not prune votes: %v", err)
	}
	if votesRemoved, err := voteRes.RowsAffected(); err == nil && votesRemoved > 0 {
		log.Debugf("removing %d ballot(s) belonging to pruned polls",
			votesRemoved)
	}
	res, err := tx.Exec(`DELETE FROM archon_polls
		WHERE status = 'completed' AND deadline < ?`, before)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("Could not prune polls: %v", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("Could not count pruned polls: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("Could not commit prune transaction: %v", err)
	}
	return removed, nil
}

// AddVote inserts a ballot. It returns false without error when the voter
// has already voted on the poll; the original ballot is never replaced.
func (s *ArchonStore) AddVote(voteID, pollID, voterID, choice, reason string, votedAt int64, signature string) (bool, error) {
	res, err := s.dbMap.Exec(`INSERT OR IGNORE INTO archon_votes
		(vote_id, poll_id, voter_id, choice, reason, voted_at, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		voteID, pollID, voterID, choice, reason, votedAt, signature)
	if err != nil {
		return false, fmt.Errorf("Could not insert vote: %v", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Could not count inserted votes: %v", err)
	}
	return inserted > 0, nil
}

// ListVotesForPoll returns every ballot recorded for a poll, oldest first.
func (s *ArchonStore) ListVotesForPoll(pollID string) ([]models.ArchonVote, error) {
	var votes []models.ArchonVote
	_, err := s.dbMap.Select(&votes,
		`SELECT * FROM archon_votes WHERE poll_id = ?
		ORDER BY voted_at ASC`, pollID)
	if err != nil {
		return nil, fmt.Errorf("Could not select votes: %v", err)
	}
	return votes, nil
}

// ListVotesForVoter returns up to limit of the voter's ballots joined with
// their poll headers, most recent first.
func (s *ArchonStore) ListVotesForVoter(voterID string, limit int64) ([]models.VoterVote, error) {
	var votes []models.VoterVote
	_, err := s.dbMap.Select(&votes,
		`SELECT v.vote_id, v.poll_id, v.voter_id, v.choice, v.reason,
		v.voted_at, v.signature, p.title, p.poll_type, p.status, p.deadline
		FROM archon_votes v
		JOIN archon_polls p ON p.poll_id = v.poll_id
		WHERE v.voter_id = ?
		ORDER BY v.voted_at DESC LIMIT ?`, voterID, limit)
	if err != nil {
		return nil, fmt.Errorf("Could not select voter votes: %v", err)
	}
	return votes, nil
}

// CountTotalVotes returns the total number of ballot rows.
func (s *ArchonStore) CountTotalVotes() (int64, error) {
	count, err := s.dbMap.SelectInt("SELECT COUNT(*) FROM archon_votes")
	if err != nil {
		return 0, fmt.Errorf("Could not count votes: %v", err)
	}
	return count, nil
}

// AddOutboxEntry queues a gateway operation for later delivery. New entries
// are immediately eligible for dispatch.
func (s *ArchonStore) AddOutboxEntry(entryID, operation, payloadJSON string, now, maxRetries int64) error {
	_, err := s.dbMap.Exec(`INSERT INTO archon_outbox
		(entry_id, operation, payload_json, status, retry_count,
		max_retries, next_retry_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, '', ?, ?)`,
		entryID, operation, payloadJSON, maxRetries, now, now, now)
	if err != nil {
		return fmt.Errorf("Could not insert outbox entry: %v", err)
	}
	return nil
}

// ListPendingOutbox returns up to limit pending entries whose retry time
// has arrived, oldest first.
func (s *ArchonStore) ListPendingOutbox(now, limit int64) ([]models.ArchonOutboxEntry, error) {
	var entries []models.ArchonOutboxEntry
	_, err := s.dbMap.Select(&entries,
		`SELECT * FROM archon_outbox
		WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY created_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("Could not select outbox entries: %v", err)
	}
	return entries, nil
}

// MarkOutboxSuccess flags an outbox entry as delivered.
func (s *ArchonStore) MarkOutboxSuccess(entryID string, now int64) error {
	_, err := s.dbMap.Exec(`UPDATE archon_outbox
		SET status = 'succeeded', updated_at = ? WHERE entry_id = ?`,
		now, entryID)
	if err != nil {
		return fmt.Errorf("Could not mark outbox entry succeeded: %v", err)
	}
	return nil
}

// MarkOutboxFailed records a failed delivery attempt. The entry stays
// pending with the given next retry time until the attempt count reaches
// max_retries, at which point it becomes exhausted.
func (s *ArchonStore) MarkOutboxFailed(entryID, lastError string, nextRetryAt, now int64) error {
	_, err := s.dbMap.Exec(`UPDATE archon_outbox
		SET retry_count = retry_count + 1,
		last_error = ?,
		next_retry_at = ?,
		updated_at = ?,
		status = CASE WHEN retry_count + 1 >= max_retries
			THEN 'exhausted' ELSE 'pending' END
		WHERE entry_id = ?`,
		lastError, nextRetryAt, now, entryID)
	if err != nil {
		return fmt.Errorf("Could not mark outbox entry failed: %v", err)
	}
	return nil
}

// PruneOutbox deletes settled (succeeded or exhausted) entries last touched
// before the cutoff and reports how many rows were removed.
func (s *ArchonStore) PruneOutbox(before int64) (int64, error) {
	res, err := s.dbMap.Exec(`DELETE FROM archon_outbox
		WHERE status IN ('succeeded', 'exhausted') AND updated_at < ?`,
		before)
	if err != nil {
		return 0, fmt.Errorf("Could not prune outbox: %v", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("Could not count pruned outbox entries: %v", err)
	}
	return removed, nil
}
