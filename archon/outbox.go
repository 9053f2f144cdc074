// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package archon

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/lightninghive/hive-archon/canonjson"
	"github.com/lightninghive/hive-archon/models"
)

// queueOutbox records a failed gateway operation for later replay. Queueing
// is itself best effort: a failure to queue is logged and swallowed so the
// local operation that triggered it still succeeds.
func (s *Service) queueOutbox(operation string, payload map[string]interface{}) {
	payloadJSON, err := canonjson.MarshalString(payload)
	if err != nil {
		log.Errorf("unable to encode %s outbox payload: %v", operation, err)
		return
	}
	now := s.now()
	entryID := digest32(operation + ":" + payloadJSON + ":" +
		strconv.FormatInt(now, 10) + ":" + uuid.New().String())
	if err := s.store.AddOutboxEntry(entryID, operation, payloadJSON, now,
		DefaultMaxRetries); err != nil {
		log.Errorf("unable to queue %s outbox entry: %v", operation, err)
		return
	}
	log.Debugf("queued %s outbox entry %s", operation, entryID)
}

// ProcessOutbox drains up to maxEntries due outbox entries against the
// gateway. Each failure schedules a retry with exponential backoff until
// the entry's budget is spent. A non-positive maxEntries selects the
// default batch size.
func (s *Service) ProcessOutbox(maxEntries int64) Result {
	if maxEntries <= 0 {
		maxEntries = defaultOutboxBatch
	}
	entries, err := s.store.ListPendingOutbox(s.now(), maxEntries)
	if err != nil {
		return s.storeFailure(err)
	}

	processed, succeeded, failed := 0, 0, 0
	for i := range entries {
		entry := &entries[i]
		processed++
		err := s.dispatchOutbox(entry)
		if err == nil {
			if markErr := s.store.MarkOutboxSuccess(entry.EntryID,
				s.now()); markErr != nil {
				log.Errorf("unable to mark outbox entry %s succeeded: %v",
					entry.EntryID, markErr)
			}
			succeeded++
			continue
		}
		failed++
		nextRetryAt := s.now() + retryBackoff(entry.RetryCount)
		if markErr := s.store.MarkOutboxFailed(entry.EntryID,
			truncateError(err.Error()), nextRetryAt, s.now()); markErr != nil {
			log.Errorf("unable to mark outbox entry %s failed: %v",
				entry.EntryID, markErr)
		}
		if entry.RetryCount+1 >= entry.MaxRetries {
			log.Warnf("outbox entry %s (%s) exhausted its retry budget: %v",
				entry.EntryID, entry.Operation, err)
		} else {
			log.Debugf("outbox entry %s (%s) attempt %d failed: %v",
				entry.EntryID, entry.Operation, entry.RetryCount+1, err)
		}
	}
	if processed > 0 {
		log.Infof("outbox drain processed %d entries (%d succeeded, %d "+
			"failed)", processed, succeeded, failed)
	}
	return Result{
		"ok":        true,
		"processed": processed,
		"succeeded": succeeded,
		"failed":    failed,
	}
}

// dispatchOutbox replays one queued operation against the gateway. A nil
// return settles the entry; any error schedules a retry.
func (s *Service) dispatchOutbox(entry *models.ArchonOutboxEntry) error {
	if s.gateway == nil {
		return errors.New("gateway client not configured")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(entry.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v", err)
	}

	switch entry.Operation {
	case OpProvision:
		nodePubkey, _ := payload["node_pubkey"].(string)
		label, _ := payload["label"].(string)
		did, err := s.gateway.ProvisionIdentity(nodePubkey, label)
		if err != nil {
			return err
		}
		// The local identity row is left alone: bindings and prior
		// attestations reference the DID minted at provision time, and
		// swapping it underneath them would orphan every one.
		log.Infof("gateway acknowledged deferred provisioning as %s", did)
		return nil

	case OpCreatePoll:
		pollID, _ := payload["poll_id"].(string)
		poll, err := s.store.GetPoll(pollID)
		if err != nil {
			return err
		}
		if poll == nil {
			return errors.New("poll not found")
		}
		remoteID, err := s.gateway.CreatePoll(poll.PollType, poll.Title,
			decodeOptions(poll.OptionsJSON), poll.Deadline,
			decodeMetadata(poll.MetadataJSON), poll.CreatedBy)
		if err != nil {
			return err
		}
		if poll.RemotePollID == "" && remoteID != "" {
			if err := s.store.SetRemotePollID(poll.PollID, remoteID,
				s.now()); err != nil {
				log.Warnf("unable to record remote poll id for %s: %v",
					poll.PollID, err)
			}
		}
		return nil

	case OpSubmitVote:
		pollID, _ := payload["poll_id"].(string)
		choice, _ := payload["choice"].(string)
		voterID, _ := payload["voter_id"].(string)
		poll, err := s.store.GetPoll(pollID)
		if err != nil {
			return err
		}
		if poll == nil {
			return errors.New("poll not found")
		}
		if poll.RemotePollID == "" {
			return errors.New("remote poll id not available")
		}
		voteIndex := optionIndex(decodeOptions(poll.OptionsJSON), choice)
		if voteIndex < 0 {
			return errors.New("choice no longer in poll options")
		}
		sent, err := s.gateway.SubmitVote(poll.RemotePollID, voteIndex,
			voterID)
		if err != nil {
			return err
		}
		if !sent {
			return errors.New("gateway did not acknowledge the vote")
		}
		return nil
	}
	return fmt.Errorf("unknown outbox operation %q", entry.Operation)
}

// retryBackoff returns the delay before the next attempt after retryCount
// failures: 30s doubling per attempt, capped at 10 minutes.
func retryBackoff(retryCount int64) int64 {
	if retryCount < 0 {
		retryCount = 0
	}
	backoff := int64(baseBackoffSeconds)
	for i := int64(0); i < retryCount; i++ {
		backoff *= 2
		if backoff >= maxBackoffSeconds {
			return maxBackoffSeconds
		}
	}
	if backoff > maxBackoffSeconds {
		return maxBackoffSeconds
	}
	return backoff
}
