// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lightninghive/hive-archon/archon"
)

// Facade-level parameter defaults. The service applies its own bounds on
// top of these.
const (
	defaultMyVotesLimit  = 50
	defaultRetentionDays = 90
	defaultOutboxBatch   = 10
)

// command binds one manifest rpcmethod to its handler.
type command struct {
	name        string
	usage       string
	description string
	handler     func(h *Host, p *callParams) interface{}
}

// commands lists every rpcmethod the plugin registers with lightningd, in
// manifest order. Handlers only coerce parameters; all domain decisions
// live in the archon service, and its results (including error results)
// pass through verbatim.
var commands = []command{
	{
		name:        "hive-archon-provision",
		usage:       "[force] [label]",
		description: "Provision a decentralized identity for this node, via the archon gateway or a local fallback",
		handler: func(h *Host, p *callParams) interface{} {
			force := p.boolParam("force", 0, false)
			label := p.stringParam("label", 1, "")
			return h.svc.Provision(force, label)
		},
	},
	{
		name:        "hive-archon-bind-nostr",
		usage:       "nostr_pubkey [did]",
		description: "Bind a nostr public key to this node's DID with a signed attestation",
		handler: func(h *Host, p *callParams) interface{} {
			nostrPubkey := p.stringParam("nostr_pubkey", 0, "")
			did := p.stringParam("did", 1, "")
			return h.svc.BindNostr(nostrPubkey, did)
		},
	},
	{
		name:        "hive-archon-bind-cln",
		usage:       "[cln_pubkey] [did]",
		description: "Bind a Core Lightning node pubkey to this node's DID with a signed attestation",
		handler: func(h *Host, p *callParams) interface{} {
			clnPubkey := p.stringParam("cln_pubkey", 0, "")
			did := p.stringParam("did", 1, "")
			return h.svc.BindCLN(clnPubkey, did)
		},
	},
	{
		name:        "hive-archon-status",
		usage:       "",
		description: "Show archon identity, bindings, poll and vote counters, and network settings",
		handler: func(h *Host, p *callParams) interface{} {
			return h.svc.Status()
		},
	},
	{
		name:        "hive-archon-upgrade",
		usage:       "[target_tier] [bond_sats]",
		description: "Upgrade or downgrade the governance tier; governance requires a bond covered by channel balance",
		handler: func(h *Host, p *callParams) interface{} {
			targetTier := p.stringParam("target_tier", 0, "governance")
			bondSats, ok := p.intParam("bond_sats", 1, 0)
			if !ok {
				return archon.Result{"error": "bond_sats must be an integer"}
			}
			return h.svc.Upgrade(targetTier, bondSats)
		},
	},
	{
		name:        "hive-poll-create",
		usage:       "poll_type title options_json deadline [metadata_json]",
		description: "Create a governance poll with 2-10 unique options and a future unix deadline",
		handler: func(h *Host, p *callParams) interface{} {
			pollType := p.stringParam("poll_type", 0, "")
			title := p.stringParam("title", 1, "")
			deadline, _ := p.intParam("deadline", 3, 0)

			options, errResult := decodeOptionsParam(p)
			if errResult != nil {
				return errResult
			}
			metadata, errResult := decodeMetadataParam(p)
			if errResult != nil {
				return errResult
			}
			return h.svc.PollCreate(pollType, title, options, deadline, metadata)
		},
	},
	{
		name:        "hive-poll-status",
		usage:       "poll_id",
		description: "Show a poll with its vote tally and voter list",
		handler: func(h *Host, p *callParams) interface{} {
			pollID := p.stringParam("poll_id", 0, "")
			return h.svc.PollStatus(pollID)
		},
	},
	{
		name:        "hive-vote",
		usage:       "poll_id choice [reason]",
		description: "Cast this node's ballot on a poll; one ballot per node",
		handler: func(h *Host, p *callParams) interface{} {
			pollID := p.stringParam("poll_id", 0, "")
			choice := p.stringParam("choice", 1, "")
			reason := p.stringParam("reason", 2, "")
			return h.svc.Vote(pollID, choice, reason)
		},
	},
	{
		name:        "hive-my-votes",
		usage:       "[limit]",
		description: "List this node's ballots, most recent first",
		handler: func(h *Host, p *callParams) interface{} {
			limit, _ := p.intParam("limit", 0, defaultMyVotesLimit)
			return h.svc.MyVotes(limit)
		},
	},
	{
		name:        "hive-archon-sign-message",
		usage:       "message",
		description: "Sign an arbitrary message with the node key",
		handler: func(h *Host, p *callParams) interface{} {
			message := p.stringParam("message", 0, "")
			return h.svc.SignMessage(message)
		},
	},
	{
		name:        "hive-archon-prune",
		usage:       "[retention_days]",
		description: "Remove completed polls, their votes, and settled outbox entries older than the retention window",
		handler: func(h *Host, p *callParams) interface{} {
			retentionDays, _ := p.intParam("retention_days", 0, defaultRetentionDays)
			return h.svc.Prune(retentionDays)
		},
	},
	{
		name:        "hive-archon-process-outbox",
		usage:       "[max_entries]",
		description: "Retry queued gateway operations that are due",
		handler: func(h *Host, p *callParams) interface{} {
			maxEntries, _ := p.intParam("max_entries", 0, defaultOutboxBatch)
			return h.svc.ProcessOutbox(maxEntries)
		},
	},
}

// commandIndex maps method names to their command for dispatch.
var commandIndex = func() map[string]*command {
	idx := make(map[string]*command, len(commands))
	for i := range commands {
		idx[commands[i].name] = &commands[i]
	}
	return idx
}()

// callParams holds one request's parameters, delivered either by name or by
// position.
type callParams struct {
	named map[string]interface{}
	pos   []interface{}
}

// parseParams decodes a JSON-RPC params member. Missing params act like an
// empty object. Numbers are kept as json.Number so large integers survive
// the trip into the service.
func parseParams(raw json.RawMessage) (*callParams, error) {
	p := &callParams{}
	if len(raw) == 0 {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
	case map[string]interface{}:
		p.named = t
	case []interface{}:
		p.pos = t
	default:
		return nil, fmt.Errorf("params must be an object or an array")
	}
	return p, nil
}

// lookup returns the parameter under name for by-name calls, or the value at
// idx for positional calls.
func (p *callParams) lookup(name string, idx int) (interface{}, bool) {
	if p.named != nil {
		v, ok := p.named[name]
		return v, ok
	}
	if idx >= 0 && idx < len(p.pos) {
		return p.pos[idx], true
	}
	return nil, false
}

// stringParam returns the named parameter as a string, coercing scalars the
// way a command line caller would spell them. Absent or unusable values
// yield the fallback.
func (p *callParams) stringParam(name string, idx int, fallback string) string {
	v, ok := p.lookup(name, idx)
	if !ok || v == nil {
		return fallback
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	return fallback
}

// boolParam interprets the named parameter against the truthy string set.
// Native JSON booleans are honored directly.
func (p *callParams) boolParam(name string, idx int, fallback bool) bool {
	v, ok := p.lookup(name, idx)
	if !ok || v == nil {
		return fallback
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return truthy(t)
	case json.Number:
		return truthy(t.String())
	}
	return fallback
}

// intParam returns the named parameter as an int64, accepting JSON numbers
// and numeric strings. ok is false only when a value is present but not an
// integer; absent values yield the fallback with ok true.
func (p *callParams) intParam(name string, idx int, fallback int64) (int64, bool) {
	v, present := p.lookup(name, idx)
	if !present || v == nil {
		return fallback, true
	}
	switch t := v.(type) {
	case json.Number:
		n, err := strconv.ParseInt(t.String(), 10, 64)
		if err != nil {
			return fallback, false
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return fallback, false
		}
		return n, true
	}
	return fallback, false
}

// truthy reports whether an option or parameter string is in the accepted
// truthy set. Anything else, including the empty string, is false.
func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// decodeOptionsParam extracts a poll's options from the options_json
// parameter, which is normally a JSON array encoded as a string. A native
// array is accepted as well. The returned Result is non-nil on failure.
func decodeOptionsParam(p *callParams) ([]interface{}, archon.Result) {
	v, ok := p.lookup("options_json", 2)
	if !ok || v == nil {
		return nil, archon.Result{"error": "invalid options_json"}
	}
	switch t := v.(type) {
	case []interface{}:
		return t, nil
	case string:
		dec := json.NewDecoder(strings.NewReader(t))
		dec.UseNumber()
		var decoded interface{}
		if err := dec.Decode(&decoded); err != nil {
			return nil, archon.Result{"error": "invalid options_json"}
		}
		arr, ok := decoded.([]interface{})
		if !ok {
			return nil, archon.Result{"error": "invalid options_json"}
		}
		return arr, nil
	}
	return nil, archon.Result{"error": "invalid options_json"}
}

// decodeMetadataParam extracts poll metadata from the metadata_json
// parameter, defaulting to an empty object when absent.
func decodeMetadataParam(p *callParams) (map[string]interface{}, archon.Result) {
	v, ok := p.lookup("metadata_json", 4)
	if !ok || v == nil {
		return map[string]interface{}{}, nil
	}
	switch t := v.(type) {
	case map[string]interface{}:
		return t, nil
	case string:
		dec := json.NewDecoder(strings.NewReader(t))
		dec.UseNumber()
		var decoded interface{}
		if err := dec.Decode(&decoded); err != nil {
			return nil, archon.Result{"error": "invalid metadata_json"}
		}
		obj, ok := decoded.(map[string]interface{})
		if !ok {
			return nil, archon.Result{"error": "metadata_json must decode to an object"}
		}
		return obj, nil
	}
	return nil, archon.Result{"error": "invalid metadata_json"}
}
