// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package archon implements the identity and governance service that backs
// the hive-archon plugin commands. It owns every state transition of the
// local Archon subsystem: provisioning a decentralized identifier for the
// node, binding external keys to it with signed attestations, gating the
// governance tier behind a channel-balance bond check, running local polls
// and votes, and draining the store-and-forward outbox toward the Archon
// gateway.
//
// Every operation returns a Result map rather than a Go error. Domain and
// validation failures are reported as {"error": ...} values that travel
// verbatim to the RPC caller, so a misbehaving gateway or a malformed
// command can never crash the host node.
package archon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lightninghive/hive-archon/models"
	"github.com/lightninghive/hive-archon/validate"
)

// Governance tiers an identity can hold. Every identity starts at the basic
// tier and may be upgraded once its bond clears verification.
const (
	TierBasic      = "basic"
	TierGovernance = "governance"
)

// Identity provenance values recorded in the source column.
const (
	SourceLocalFallback = "local-fallback"
	SourceGateway       = "archon-gateway"
)

// Binding types an identity can attest.
const (
	BindingTypeNostr = "nostr"
	BindingTypeCLN   = "cln"
)

// Poll lifecycle states.
const (
	PollStatusActive    = "active"
	PollStatusCompleted = "completed"
)

// Outbox operation names. Each names the remote call replayed when the
// outbox is drained.
const (
	OpProvision  = "provision"
	OpCreatePoll = "create_poll"
	OpSubmitVote = "submit_vote"
)

// Input and capacity limits enforced by the service.
const (
	// MaxLabelLen bounds the optional human-readable identity label.
	MaxLabelLen = 120

	// MaxPollTypeLen bounds the poll type tag.
	MaxPollTypeLen = 32

	// MaxPollTitleLen bounds poll titles.
	MaxPollTitleLen = 200

	// MaxPollOptionLen bounds each individual poll option.
	MaxPollOptionLen = 64

	// MaxMetadataJSONLen bounds the canonical encoding of poll metadata.
	MaxMetadataJSONLen = 8192

	// MaxReasonLen bounds the free-text reason attached to a vote.
	MaxReasonLen = 500

	// MaxSignMessageLen bounds messages accepted by SignMessage.
	MaxSignMessageLen = 10240

	// MaxTotalPolls and MaxTotalVotes cap table growth so a runaway
	// caller cannot exhaust the node's disk.
	MaxTotalPolls = 5000
	MaxTotalVotes = 50000

	// DefaultMaxRetries is the delivery budget of a new outbox entry.
	DefaultMaxRetries = 5
)

const (
	minPollOptions = 2
	maxPollOptions = 10

	// maxErrorLen caps error text copied into results and outbox rows.
	maxErrorLen = 200

	baseBackoffSeconds = 30
	maxBackoffSeconds  = 600

	defaultOutboxBatch = 10

	// maxVoteListLimit clamps the page size of vote listings.
	maxVoteListLimit = 500
)

// fallbackVoterID identifies votes cast while the node RPC cannot report
// the local pubkey. Votes are always keyed by node identity, never by DID,
// so re-provisioning can not mint a fresh ballot.
const fallbackVoterID = "local-node"

// Result is the uniform response shape of every service operation.
// Successful calls carry "ok": true, failures carry an "error" string and
// optional advisory fields. Results marshal directly to the RPC caller.
type Result map[string]interface{}

// Store is the persistence surface the service drives. It is implemented
// by storage.ArchonStore and by in-memory fakes in tests.
type Store interface {
	GetIdentity() (*models.ArchonIdentity, error)
	UpsertIdentity(did, tier, status, source, gatewayURL string, now int64) error
	UpdateGovernanceTier(tier string, now int64) error

	UpsertBinding(bindingID, did, bindingType, subject, attestationJSON, signature string, now int64) error
	DeleteBindingsForDID(did string) (int64, error)
	ListBindings() ([]models.ArchonBinding, error)

	CreatePoll(pollID, remotePollID, pollType, title, optionsJSON, metadataJSON, createdBy string, deadline, now int64) error
	GetPoll(pollID string) (*models.ArchonPoll, error)
	SetPollStatus(pollID, status string, now int64) error
	SetRemotePollID(pollID, remotePollID string, now int64) error
	CompleteExpiredPolls(now int64) (int64, error)
	CountPollsByStatus(status string) (int64, error)
	CountTotalPolls() (int64, error)
	PruneCompletedPolls(before int64) (int64, error)

	AddVote(voteID, pollID, voterID, choice, reason string, votedAt int64, signature string) (bool, error)
	ListVotesForPoll(pollID string) ([]models.ArchonVote, error)
	ListVotesForVoter(voterID string, limit int64) ([]models.VoterVote, error)
	CountTotalVotes() (int64, error)

	AddOutboxEntry(entryID, operation, payloadJSON string, now, maxRetries int64) error
	ListPendingOutbox(now, limit int64) ([]models.ArchonOutboxEntry, error)
	MarkOutboxSuccess(entryID string, now int64) error
	MarkOutboxFailed(entryID, lastError string, nextRetryAt, now int64) error
	PruneOutbox(before int64) (int64, error)
}

// NodeRPC is the slice of the host node's RPC surface the service needs.
// All failure modes are soft: a down RPC degrades signing and balance
// checks but never prevents local bookkeeping.
type NodeRPC interface {
	// NodePubkey returns the node's compressed secp256k1 pubkey in hex,
	// or the empty string when the RPC is unavailable.
	NodePubkey() string

	// SignMessage signs a message with the node key and returns the
	// zbase-encoded signature.
	SignMessage(message string) (string, error)

	// ChannelBalanceSats reports the confirmed channel balance owned by
	// the local node, in satoshis.
	ChannelBalanceSats() (int64, error)
}

// Gateway is the remote Archon directory surface. It is implemented by
// gateway.Client. All methods are best effort; failures queue outbox
// entries instead of failing the local operation.
type Gateway interface {
	ProvisionIdentity(nodePubkey, label string) (string, error)
	CreatePoll(pollType, title string, options []string, deadline int64, metadata map[string]interface{}, creator string) (string, error)
	SubmitVote(remotePollID string, voteIndex int, voterID string) (bool, error)
}

// Config bundles the collaborators and tunables of a Service.
type Config struct {
	Store   Store
	Node    NodeRPC
	Gateway Gateway

	// GatewayURL is the base URL remote calls are addressed to. It is
	// recorded on gateway-sourced identities and surfaced by Status.
	GatewayURL string

	// NetworkEnabled gates all outbound gateway traffic. When false the
	// subsystem runs in local-only mode and remote work accumulates in
	// the outbox.
	NetworkEnabled bool

	// MinGovernanceBondSats is the smallest bond accepted for a
	// governance upgrade. Values below 1 are clamped to 1.
	MinGovernanceBondSats int64

	// Now reports the current unix time. Tests inject a fake clock;
	// when nil the wall clock is used.
	Now func() int64
}

// Service coordinates identity, binding, poll, vote, and outbox state.
// Methods are safe for the single-threaded dispatch model of the plugin
// host; the service itself holds no locks.
type Service struct {
	store   Store
	node    NodeRPC
	gateway Gateway

	gatewayURL            string
	networkEnabled        bool
	minGovernanceBondSats int64

	now func() int64
}

// NewService wires a Service from cfg. A network-enabled configuration
// whose gateway URL fails validation is downgraded to local-only mode
// rather than rejected, so a typo in one option can not keep the plugin
// from serving local commands.
func NewService(cfg Config) *Service {
	s := &Service{
		store:                 cfg.Store,
		node:                  cfg.Node,
		gateway:               cfg.Gateway,
		gatewayURL:            strings.TrimSpace(cfg.GatewayURL),
		networkEnabled:        cfg.NetworkEnabled,
		minGovernanceBondSats: cfg.MinGovernanceBondSats,
		now:                   cfg.Now,
	}
	if s.minGovernanceBondSats < 1 {
		s.minGovernanceBondSats = 1
	}
	if s.now == nil {
		s.now = func() int64 { return time.Now().Unix() }
	}
	if s.networkEnabled && !validate.IsValidGatewayURL(s.gatewayURL) {
		log.Warnf("invalid gateway URL %q, running in local-only mode",
			s.gatewayURL)
		s.networkEnabled = false
		s.gatewayURL = ""
	}
	return s
}

// remoteEnabled reports whether outbound gateway calls may be attempted.
func (s *Service) remoteEnabled() bool {
	return s.networkEnabled && s.gateway != nil
}

// nodePubkey returns the local node pubkey or "" when the RPC is down.
func (s *Service) nodePubkey() string {
	if s.node == nil {
		return ""
	}
	return s.node.NodePubkey()
}

// voterID is the anti-sybil identity votes are keyed by. It is always the
// node pubkey; the DID is deliberately never used because force
// re-provisioning mints a new DID at will.
func (s *Service) voterID() string {
	if pk := s.nodePubkey(); pk != "" {
		return pk
	}
	return fallbackVoterID
}

// signMessage signs payload with the node key, turning an empty signature
// into an error so callers have a single failure path.
func (s *Service) signMessage(payload string) (string, error) {
	if s.node == nil {
		return "", errors.New("node RPC not available for signing")
	}
	sig, err := s.node.SignMessage(payload)
	if err != nil {
		return "", err
	}
	if sig == "" {
		return "", errors.New("signmessage returned an empty signature")
	}
	return sig, nil
}

// requireGovernance loads the identity and verifies it holds the
// governance tier. It returns nil when the caller may proceed, otherwise
// the error Result to hand back.
func (s *Service) requireGovernance() Result {
	identity, err := s.store.GetIdentity()
	if err != nil {
		return s.storeFailure(err)
	}
	if identity == nil {
		return Result{
			"error": "identity not provisioned",
			"hint":  "run hive-archon-provision first",
		}
	}
	if identity.GovernanceTier != TierGovernance {
		return Result{
			"error": "governance tier required",
			"hint":  "run hive-archon-upgrade target_tier=governance bond_sats=50000",
		}
	}
	return nil
}

// storeFailure logs a persistence error and folds it into an error Result.
func (s *Service) storeFailure(err error) Result {
	log.Errorf("store failure: %v", err)
	return Result{"error": truncateError(err.Error())}
}

// generateLocalDID derives a fallback DID from node-local entropy. The
// value is recognizably did:cid shaped but carries no gateway attestation.
func (s *Service) generateLocalDID(nodePubkey, label string) string {
	material := nodePubkey + ":" + label + ":" +
		strconv.FormatInt(s.now(), 10) + ":" + uuid.New().String()
	sum := sha256.Sum256([]byte(material))
	return validate.DIDPrefix + hex.EncodeToString(sum[:])[:48]
}

// digest32 returns the first 32 hex chars of SHA-256(material). Binding,
// vote, and outbox identifiers all share this derivation.
func digest32(material string) string {
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:32]
}

// truncateError caps error text copied into results and outbox rows.
func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

// decodeOptions parses the canonical options column of a poll row. Corrupt
// JSON yields an empty slice so votes against a damaged poll fail with
// "invalid choice" instead of a crash.
func decodeOptions(optionsJSON string) []string {
	var raw []interface{}
	if err := json.Unmarshal([]byte(optionsJSON), &raw); err != nil {
		return nil
	}
	options := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			options = append(options, s)
		}
	}
	return options
}

// decodeMetadata parses the metadata column of a poll row, tolerating
// corrupt JSON the same way decodeOptions does.
func decodeMetadata(metadataJSON string) map[string]interface{} {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(metadataJSON), &raw); err != nil || raw == nil {
		return map[string]interface{}{}
	}
	return raw
}

// optionIndex returns the zero-based position of choice in options, or -1.
func optionIndex(options []string, choice string) int {
	for i, option := range options {
		if option == choice {
			return i
		}
	}
	return -1
}
