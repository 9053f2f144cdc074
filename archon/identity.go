// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package archon

import (
	"fmt"
	"strings"

	"github.com/lightninghive/hive-archon/canonjson"
	"github.com/lightninghive/hive-archon/validate"
)

// Provision establishes the node's Archon identity. When the gateway is
// reachable the DID comes from it; otherwise a local fallback DID is minted
// and a provision entry is queued on the outbox so the gateway learns about
// the node later. Re-running without force is idempotent. With force a
// fresh DID is minted and any bindings attached to the old DID are removed,
// while the governance tier carries over.
func (s *Service) Provision(force bool, label string) Result {
	label = strings.TrimSpace(label)
	if len(label) > MaxLabelLen {
		return Result{"error": fmt.Sprintf("label too long (max %d chars)",
			MaxLabelLen)}
	}

	existing, err := s.store.GetIdentity()
	if err != nil {
		return s.storeFailure(err)
	}
	if existing != nil && !force {
		return Result{
			"ok":                  true,
			"already_provisioned": true,
			"did":                 existing.DID,
			"governance_tier":     existing.GovernanceTier,
			"source":              existing.Source,
			"gateway_url":         existing.GatewayURL,
		}
	}

	nodePubkey := s.nodePubkey()
	did := ""
	source := SourceLocalFallback
	if s.remoteEnabled() {
		remoteDID, err := s.gateway.ProvisionIdentity(nodePubkey, label)
		if err != nil {
			log.Warnf("gateway provisioning failed, falling back to a "+
				"local DID: %v", err)
			s.queueOutbox(OpProvision, map[string]interface{}{
				"node_pubkey": nodePubkey,
				"label":       label,
			})
		} else if remoteDID != "" {
			did = remoteDID
			source = SourceGateway
		}
	}
	if did == "" {
		did = s.generateLocalDID(nodePubkey, label)
	}

	tier := TierBasic
	if existing != nil {
		if existing.GovernanceTier != "" {
			tier = existing.GovernanceTier
		}
		// A forced re-provision that changed the DID strands every
		// binding attested for the old DID. Remove them so status
		// never reports bindings the new identity can not prove.
		if existing.DID != "" && existing.DID != did {
			removed, err := s.store.DeleteBindingsForDID(existing.DID)
			if err != nil {
				log.Errorf("unable to remove bindings for replaced "+
					"DID: %v", err)
			} else if removed > 0 {
				log.Infof("removed %d binding(s) attached to replaced "+
					"DID %s", removed, existing.DID)
			}
		}
	}

	gatewayURL := ""
	if source == SourceGateway {
		gatewayURL = s.gatewayURL
	}
	if err := s.store.UpsertIdentity(did, tier, "active", source,
		gatewayURL, s.now()); err != nil {
		return s.storeFailure(err)
	}
	log.Infof("provisioned identity %s (source %s, tier %s)", did, source,
		tier)
	return Result{
		"ok":              true,
		"did":             did,
		"source":          source,
		"governance_tier": tier,
		"gateway_url":     gatewayURL,
	}
}

// BindNostr attests that a nostr public key belongs to this node's DID.
func (s *Service) BindNostr(nostrPubkey, did string) Result {
	nostrPubkey = strings.TrimSpace(nostrPubkey)
	if !validate.IsValidNostrPubkey(nostrPubkey) {
		return Result{"error": "invalid nostr_pubkey (expected 64 hex chars)"}
	}
	return s.bind(BindingTypeNostr, nostrPubkey, did)
}

// BindCLN attests that a lightning node pubkey belongs to this node's DID.
// An empty clnPubkey binds the local node's own pubkey.
func (s *Service) BindCLN(clnPubkey, did string) Result {
	subject := strings.TrimSpace(clnPubkey)
	if subject == "" {
		subject = s.nodePubkey()
	}
	if !validate.IsValidCLNPubkey(subject) {
		return Result{"error": "invalid cln_pubkey (expected 66-char " +
			"compressed secp256k1 pubkey)"}
	}
	return s.bind(BindingTypeCLN, subject, did)
}

// bind records a signed attestation that subject belongs to the node's DID.
// An explicit did must match the provisioned identity; binding to foreign
// DIDs is refused outright.
func (s *Service) bind(bindingType, subject, did string) Result {
	did = strings.TrimSpace(did)
	if did != "" && !validate.IsValidDID(did) {
		return Result{"error": "invalid did format"}
	}

	identity, err := s.store.GetIdentity()
	if err != nil {
		return s.storeFailure(err)
	}
	if identity == nil || identity.DID == "" {
		return Result{
			"error": "identity not provisioned",
			"hint":  "run hive-archon-provision",
		}
	}
	resolved := did
	if resolved == "" {
		resolved = identity.DID
	}
	if resolved != identity.DID {
		return Result{"error": "cannot bind to a DID not owned by this node"}
	}

	attestationJSON, signature, err := s.buildAttestation(bindingType,
		resolved, subject)
	if err != nil {
		return Result{"error": "signing failed: " +
			truncateError(err.Error())}
	}

	bindingID := digest32(resolved + ":" + bindingType + ":" + subject)
	if err := s.store.UpsertBinding(bindingID, resolved, bindingType,
		subject, attestationJSON, signature, s.now()); err != nil {
		return s.storeFailure(err)
	}
	log.Debugf("bound %s subject %s to %s", bindingType, subject, resolved)
	return Result{
		"ok":           true,
		"binding_id":   bindingID,
		"did":          resolved,
		"binding_type": bindingType,
		"subject":      subject,
	}
}

// buildAttestation canonicalizes the binding payload, signs it with the
// node key, and returns the stored attestation document alongside the bare
// signature. The canonical string is embedded in the document so a
// verifier can check the signature without re-deriving key order.
func (s *Service) buildAttestation(bindingType, did, subject string) (string, string, error) {
	payload := map[string]interface{}{
		"binding_type": bindingType,
		"did":          did,
		"node_pubkey":  s.nodePubkey(),
		"subject":      subject,
		"timestamp":    s.now(),
	}
	canonical, err := canonjson.MarshalString(payload)
	if err != nil {
		return "", "", err
	}
	signature, err := s.signMessage(canonical)
	if err != nil {
		return "", "", err
	}
	attestation := map[string]interface{}{
		"canonical": canonical,
		"payload":   payload,
		"signature": signature,
	}
	attestationJSON, err := canonjson.MarshalString(attestation)
	if err != nil {
		return "", "", err
	}
	return attestationJSON, signature, nil
}

// Upgrade moves the identity between governance tiers. Upgrading to the
// governance tier requires a bond of at least the configured minimum and a
// confirmed channel balance covering it. The bond is a capacity statement,
// not an escrow; nothing is locked.
func (s *Service) Upgrade(targetTier string, bondSats int64) Result {
	targetTier = strings.TrimSpace(targetTier)
	if targetTier != TierBasic && targetTier != TierGovernance {
		return Result{
			"error":       "invalid target_tier",
			"valid_tiers": []string{TierBasic, TierGovernance},
		}
	}

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

	if targetTier == TierGovernance {
		if bondSats < s.minGovernanceBondSats {
			return Result{
				"error":              "insufficient bond for governance tier",
				"required_bond_sats": s.minGovernanceBondSats,
			}
		}
		balance := int64(0)
		if s.node != nil {
			balance, err = s.node.ChannelBalanceSats()
			if err != nil {
				log.Warnf("channel balance lookup failed, treating "+
					"balance as zero: %v", err)
				balance = 0
			}
		}
		if balance < bondSats {
			return Result{
				"error":              "bond verification failed",
				"local_balance_sats": balance,
			}
		}
	}

	if err := s.store.UpdateGovernanceTier(targetTier, s.now()); err != nil {
		return s.storeFailure(err)
	}
	log.Infof("identity %s moved to %s tier", identity.DID, targetTier)
	return Result{
		"ok":              true,
		"did":             identity.DID,
		"governance_tier": targetTier,
	}
}

// SignMessage signs an arbitrary message with the node key. It is a thin
// pass-through exposed so operators can produce attestations out of band.
func (s *Service) SignMessage(message string) Result {
	if message == "" {
		return Result{"error": "message is required"}
	}
	if len(message) > MaxSignMessageLen {
		return Result{"error": fmt.Sprintf("message too long (max %d "+
			"characters)", MaxSignMessageLen)}
	}
	signature, err := s.signMessage(message)
	if err != nil {
		return Result{"error": truncateError(err.Error())}
	}
	return Result{"ok": true, "signature": signature}
}
