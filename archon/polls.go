// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package archon

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lightninghive/hive-archon/canonjson"
	"github.com/lightninghive/hive-archon/models"
)

// PollCreate opens a governance poll. The poll always exists locally first;
// when networking is enabled the gateway is told about it inline, and a
// failed announcement is queued on the outbox instead of failing the call.
func (s *Service) PollCreate(pollType, title string, options []interface{}, deadline int64, metadata map[string]interface{}) Result {
	if errResult := s.requireGovernance(); errResult != nil {
		return errResult
	}
	totalPolls, err := s.store.CountTotalPolls()
	if err != nil {
		return s.storeFailure(err)
	}
	if totalPolls >= MaxTotalPolls {
		return Result{"error": "poll capacity reached"}
	}

	pollType = strings.TrimSpace(pollType)
	if pollType == "" || len(pollType) > MaxPollTypeLen {
		return Result{"error": "invalid poll_type"}
	}
	if !isPollTypeCharset(pollType) {
		return Result{"error": "invalid poll_type (alphanumeric, hyphens, " +
			"underscores only)"}
	}
	title = strings.TrimSpace(title)
	if title == "" || len(title) > MaxPollTitleLen {
		return Result{"error": "invalid title"}
	}
	if deadline <= s.now() {
		return Result{"error": "invalid deadline (must be a future unix " +
			"timestamp)"}
	}
	cleanOptions := normalizePollOptions(options)
	if cleanOptions == nil {
		return Result{"error": "invalid options (expected 2-10 unique " +
			"non-empty strings)"}
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := canonjson.MarshalString(metadata)
	if err != nil {
		return Result{"error": "metadata must be an object"}
	}
	if len(metadataJSON) > MaxMetadataJSONLen {
		return Result{"error": fmt.Sprintf("metadata too large (max %d "+
			"bytes)", MaxMetadataJSONLen)}
	}

	identity, err := s.store.GetIdentity()
	if err != nil {
		return s.storeFailure(err)
	}
	createdBy := fallbackVoterID
	if identity != nil && identity.DID != "" {
		createdBy = identity.DID
	} else if pk := s.nodePubkey(); pk != "" {
		createdBy = pk
	}

	pollID := uuid.New().String()
	remotePollID := ""
	if s.remoteEnabled() {
		remoteID, err := s.gateway.CreatePoll(pollType, title, cleanOptions,
			deadline, metadata, createdBy)
		if err != nil {
			log.Warnf("gateway rejected poll announcement, keeping the "+
				"poll local: %v", err)
			s.queueOutbox(OpCreatePoll, map[string]interface{}{
				"poll_id":   pollID,
				"poll_type": pollType,
				"title":     title,
				"options":   cleanOptions,
				"deadline":  deadline,
				"metadata":  metadata,
				"creator":   createdBy,
			})
		} else {
			remotePollID = remoteID
		}
	}

	optionsJSON, err := canonjson.MarshalString(cleanOptions)
	if err != nil {
		return Result{"error": truncateError(err.Error())}
	}
	if err := s.store.CreatePoll(pollID, remotePollID, pollType, title,
		optionsJSON, metadataJSON, createdBy, deadline, s.now()); err != nil {
		return s.storeFailure(err)
	}
	log.Infof("created poll %s (%s) with %d options, deadline %d", pollID,
		pollType, len(cleanOptions), deadline)
	return Result{
		"ok":             true,
		"poll_id":        pollID,
		"remote_poll_id": remotePollID,
		"status":         PollStatusActive,
		"deadline":       deadline,
	}
}

// Vote records the node's ballot on a poll. Ballots are keyed by node
// pubkey and signed over their canonical form; the first ballot per poll
// wins and later attempts are rejected. The remote submission is best
// effort and never blocks the local record.
func (s *Service) Vote(pollID, choice, reason string) Result {
	if errResult := s.requireGovernance(); errResult != nil {
		return errResult
	}
	totalVotes, err := s.store.CountTotalVotes()
	if err != nil {
		return s.storeFailure(err)
	}
	if totalVotes >= MaxTotalVotes {
		return Result{"error": "vote capacity reached"}
	}

	pollID = strings.TrimSpace(pollID)
	if pollID == "" {
		return Result{"error": "poll_id is required"}
	}
	choice = strings.TrimSpace(choice)
	if choice == "" {
		return Result{"error": "choice is required"}
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > MaxReasonLen {
		return Result{"error": fmt.Sprintf("reason too long (max %d chars)",
			MaxReasonLen)}
	}

	poll, err := s.store.GetPoll(pollID)
	if err != nil {
		return s.storeFailure(err)
	}
	if poll == nil {
		return Result{"error": "poll not found"}
	}
	poll = s.refreshPollState(poll)
	if poll.Status != PollStatusActive {
		return Result{"error": "poll is not active", "status": poll.Status}
	}
	options := decodeOptions(poll.OptionsJSON)
	if optionIndex(options, choice) < 0 {
		return Result{"error": "invalid choice", "valid_choices": options}
	}

	voterID := s.voterID()
	votedAt := s.now()
	ballot := map[string]interface{}{
		"poll_id":  pollID,
		"voter_id": voterID,
		"choice":   choice,
		"reason":   reason,
		"voted_at": votedAt,
	}
	canonical, err := canonjson.MarshalString(ballot)
	if err != nil {
		return Result{"error": "vote signing failed: " +
			truncateError(err.Error())}
	}
	signature, err := s.signMessage(canonical)
	if err != nil {
		return Result{"error": "vote signing failed: " +
			truncateError(err.Error())}
	}

	voteID := digest32(fmt.Sprintf("%s:%s:%s:%d", pollID, voterID, choice,
		votedAt))
	inserted, err := s.store.AddVote(voteID, pollID, voterID, choice,
		reason, votedAt, signature)
	if err != nil {
		return s.storeFailure(err)
	}
	if !inserted {
		return Result{"error": "vote already exists for this voter and poll"}
	}

	remoteVoteSent := false
	if s.remoteEnabled() && poll.RemotePollID != "" {
		sent, err := s.gateway.SubmitVote(poll.RemotePollID,
			optionIndex(options, choice), voterID)
		if err != nil {
			log.Warnf("gateway rejected vote submission, ballot kept "+
				"locally: %v", err)
			s.queueOutbox(OpSubmitVote, map[string]interface{}{
				"poll_id":  pollID,
				"voter_id": voterID,
				"choice":   choice,
			})
		} else {
			remoteVoteSent = sent
		}
	}
	log.Infof("recorded vote %s on poll %s", voteID, pollID)
	return Result{
		"ok":               true,
		"vote_id":          voteID,
		"poll_id":          pollID,
		"voter_id":         voterID,
		"choice":           choice,
		"remote_vote_sent": remoteVoteSent,
	}
}

// PollStatus reports a poll's header, the tally over its canonical options,
// and who has voted. Reading a poll past its deadline completes it first.
func (s *Service) PollStatus(pollID string) Result {
	pollID = strings.TrimSpace(pollID)
	if pollID == "" {
		return Result{"error": "poll_id is required"}
	}
	poll, err := s.store.GetPoll(pollID)
	if err != nil {
		return s.storeFailure(err)
	}
	if poll == nil {
		return Result{"error": "poll not found"}
	}
	poll = s.refreshPollState(poll)

	votes, err := s.store.ListVotesForPoll(pollID)
	if err != nil {
		return s.storeFailure(err)
	}
	tally := make(map[string]int64)
	for _, option := range decodeOptions(poll.OptionsJSON) {
		tally[option] = 0
	}
	voters := make([]string, 0, len(votes))
	for _, vote := range votes {
		tally[vote.Choice]++
		voters = append(voters, vote.VoterID)
	}
	return Result{
		"ok":   true,
		"poll": map[string]interface{}{
			"poll_id":        poll.PollID,
			"remote_poll_id": poll.RemotePollID,
			"poll_type":      poll.PollType,
			"title":          poll.Title,
			"created_by":     poll.CreatedBy,
			"deadline":       poll.Deadline,
			"status":         poll.Status,
		},
		"tally":      tally,
		"vote_count": len(votes),
		"voters":     voters,
	}
}

// MyVotes lists the local node's ballots, most recent first, joined with
// the header of the poll each was cast on.
func (s *Service) MyVotes(limit int64) Result {
	if limit <= 0 {
		return Result{"error": "limit must be positive"}
	}
	if limit > maxVoteListLimit {
		limit = maxVoteListLimit
	}
	voterID := s.voterID()
	votes, err := s.store.ListVotesForVoter(voterID, limit)
	if err != nil {
		return s.storeFailure(err)
	}
	rows := make([]map[string]interface{}, 0, len(votes))
	for _, v := range votes {
		rows = append(rows, map[string]interface{}{
			"vote_id":   v.VoteID,
			"poll_id":   v.PollID,
			"voter_id":  v.VoterID,
			"choice":    v.Choice,
			"reason":    v.Reason,
			"voted_at":  v.VotedAt,
			"signature": v.Signature,
			"title":     v.Title,
			"poll_type": v.PollType,
			"status":    v.Status,
			"deadline":  v.Deadline,
		})
	}
	return Result{
		"ok":       true,
		"voter_id": voterID,
		"count":    len(rows),
		"votes":    rows,
	}
}

// Status summarizes the subsystem: the identity row, binding counts by
// type, poll and vote totals, and the effective network configuration.
func (s *Service) Status() Result {
	identity, err := s.store.GetIdentity()
	if err != nil {
		return s.storeFailure(err)
	}
	var identityVal interface{}
	if identity != nil {
		identityVal = map[string]interface{}{
			"did":             identity.DID,
			"governance_tier": identity.GovernanceTier,
			"status":          identity.Status,
			"source":          identity.Source,
			"gateway_url":     identity.GatewayURL,
			"created_at":      identity.CreatedAt,
			"updated_at":      identity.UpdatedAt,
		}
	}

	bindings, err := s.store.ListBindings()
	if err != nil {
		return s.storeFailure(err)
	}
	bindingCounts := map[string]int64{
		BindingTypeNostr: 0,
		BindingTypeCLN:   0,
	}
	for _, b := range bindings {
		bindingCounts[b.BindingType]++
	}

	activePolls, err := s.store.CountPollsByStatus(PollStatusActive)
	if err != nil {
		return s.storeFailure(err)
	}
	completedPolls, err := s.store.CountPollsByStatus(PollStatusCompleted)
	if err != nil {
		return s.storeFailure(err)
	}
	totalPolls, err := s.store.CountTotalPolls()
	if err != nil {
		return s.storeFailure(err)
	}
	totalVotes, err := s.store.CountTotalVotes()
	if err != nil {
		return s.storeFailure(err)
	}

	return Result{
		"ok":                       true,
		"identity":                 identityVal,
		"bindings":                 bindingCounts,
		"active_polls":             activePolls,
		"completed_polls":          completedPolls,
		"total_polls":              totalPolls,
		"total_votes":              totalVotes,
		"network_enabled":          s.networkEnabled,
		"gateway_url":              s.gatewayURL,
		"min_governance_bond_sats": s.minGovernanceBondSats,
	}
}

// Prune completes every expired poll, then removes completed polls (and
// their votes) and settled outbox entries older than the retention window.
func (s *Service) Prune(retentionDays int64) Result {
	if retentionDays < 1 {
		return Result{"error": "retention_days must be a positive integer"}
	}
	now := s.now()
	completed, err := s.store.CompleteExpiredPolls(now)
	if err != nil {
		return s.storeFailure(err)
	}
	cutoff := now - retentionDays*86400
	removed, err := s.store.PruneCompletedPolls(cutoff)
	if err != nil {
		return s.storeFailure(err)
	}
	outboxRemoved, err := s.store.PruneOutbox(cutoff)
	if err != nil {
		return s.storeFailure(err)
	}
	if outboxRemoved > 0 {
		log.Debugf("pruned %d settled outbox entries", outboxRemoved)
	}
	log.Infof("prune completed %d poll(s), removed %d", completed, removed)
	return Result{
		"ok":              true,
		"polls_completed": completed,
		"polls_removed":   removed,
		"retention_days":  retentionDays,
	}
}

// refreshPollState completes a poll in place once its deadline passes. The
// freshly read row is returned so callers observe the persisted state.
func (s *Service) refreshPollState(poll *models.ArchonPoll) *models.ArchonPoll {
	if poll.Status != PollStatusActive || poll.Deadline > s.now() {
		return poll
	}
	if err := s.store.SetPollStatus(poll.PollID, PollStatusCompleted,
		s.now()); err != nil {
		log.Warnf("unable to complete expired poll %s: %v", poll.PollID, err)
		return poll
	}
	updated, err := s.store.GetPoll(poll.PollID)
	if err != nil || updated == nil {
		poll.Status = PollStatusCompleted
		return poll
	}
	return updated
}

// normalizePollOptions trims and validates the raw options of a new poll.
// It returns nil when the set is unusable: a non-string member, an empty or
// oversized option, a duplicate, or a count outside 2..10.
func normalizePollOptions(options []interface{}) []string {
	if len(options) < minPollOptions || len(options) > maxPollOptions {
		return nil
	}
	seen := make(map[string]struct{}, len(options))
	clean := make([]string, 0, len(options))
	for _, raw := range options {
		s, ok := raw.(string)
		if !ok {
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" || len(s) > MaxPollOptionLen {
			return nil
		}
		if _, dup := seen[s]; dup {
			return nil
		}
		seen[s] = struct{}{}
		clean = append(clean, s)
	}
	return clean
}

// isPollTypeCharset reports whether s contains only ASCII letters, digits,
// hyphens, and underscores.
func isPollTypeCharset(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
