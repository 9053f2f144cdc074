// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package validate provides the format predicates shared by the archon
// service, the gateway client, and the configuration layer. All predicates
// are pure functions of their input and never touch the network.
package validate

import (
	"net/url"
	"strings"
)

const (
	// DIDPrefix is the scheme prefix every Archon decentralized
	// identifier carries.
	DIDPrefix = "did:cid:"

	minDIDLen = 12
	maxDIDLen = 128
)

// IsHex returns true when s is exactly n characters long and every character
// is a hexadecimal digit.
func IsHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// IsValidNostrPubkey returns true when s looks like a nostr public key, a
// 64 character hex string (the x-only form used by NIP-01).
func IsValidNostrPubkey(s string) bool {
	return IsHex(s, 64)
}

// IsValidCLNPubkey returns true when s looks like a Core Lightning node id,
// a 66 character hex encoding of a compressed secp256k1 public key. The
// leading byte of a compressed key is always 0x02 or 0x03.
func IsValidCLNPubkey(s string) bool {
	if !IsHex(s, 66) {
		return false
	}
	return s[:2] == "02" || s[:2] == "03"
}

// IsValidDID returns true when s, after trimming surrounding whitespace, is
// a well formed Archon DID: the did:cid: prefix followed by a non-empty
// suffix of letters, digits, dots, hyphens, underscores, or colons, with a
// total length between 12 and 128 characters.
func IsValidDID(s string) bool {
	did := strings.TrimSpace(s)
	if len(did) < minDIDLen || len(did) > maxDIDLen {
		return false
	}
	if !strings.HasPrefix(did, DIDPrefix) {
		return false
	}
	suffix := did[len(DIDPrefix):]
	if suffix == "" {
		return false
	}
	for i := 0; i < len(suffix); i++ {
		c := suffix[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == ':':
		default:
			return false
		}
	}
	return true
}

// IsValidGatewayURL performs the static checks on a gateway base URL: the
// scheme must be http or https, a host must be present, and plain http is
// only accepted for the literal hosts localhost and 127.0.0.1. Hostnames
// that merely resolve to internal addresses pass here; the gateway client
// re-resolves and vets every address at request time.
func IsValidGatewayURL(rawURL string) bool {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	if u.Scheme == "http" && host != "localhost" && host != "127.0.0.1" {
		return false
	}
	return true
}
