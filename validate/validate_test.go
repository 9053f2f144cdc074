// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package validate

import (
	"strings"
	"testing"
)

func TestIsHex(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want bool
	}{
		{"valid lower", "00ff12abcd", 10, true},
		{"valid upper", "00FF12ABCD", 10, true},
		{"wrong length", "00ff", 10, false},
		{"empty", "", 0, true},
		{"non hex char", "00gg12abcd", 10, false},
		{"sign prefix rejected", "+0ff12abcd", 10, false},
		{"whitespace rejected", " 0ff12abcd", 10, false},
	}
	for _, test := range tests {
		if got := IsHex(test.in, test.n); got != test.want {
			t.Errorf("%s: IsHex(%q, %d) = %v, want %v", test.name,
				test.in, test.n, got, test.want)
		}
	}
}

func TestIsValidNostrPubkey(t *testing.T) {
	valid := strings.Repeat("ab", 32)
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid", valid, true},
		{"too short", valid[:62], false},
		{"too long", valid + "ab", false},
		{"non hex", strings.Repeat("zz", 32), false},
		{"empty", "", false},
	}
	for _, test := range tests {
		if got := IsValidNostrPubkey(test.in); got != test.want {
			t.Errorf("%s: IsValidNostrPubkey(%q) = %v, want %v",
				test.name, test.in, got, test.want)
		}
	}
}

func TestIsValidCLNPubkey(t *testing.T) {
	body := strings.Repeat("ab", 32)
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid 02 prefix", "02" + body, true},
		{"valid 03 prefix", "03" + body, true},
		{"uncompressed prefix", "04" + body, false},
		{"wrong length", "02" + body[:60], false},
		{"non hex", "02" + strings.Repeat("zz", 32), false},
		{"empty", "", false},
	}
	for _, test := range tests {
		if got := IsValidCLNPubkey(test.in); got != test.want {
			t.Errorf("%s: IsValidCLNPubkey(%q) = %v, want %v",
				test.name, test.in, got, test.want)
		}
	}
}

func TestIsValidDID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid", "did:cid:abc123def456", true},
		{"valid with separators", "did:cid:a.b-c_d:e", true},
		{"surrounding whitespace trimmed", "  did:cid:abc123def456  ", true},
		{"minimum length", "did:cid:abcd", true},
		{"below minimum length", "did:cid:abc", false},
		{"maximum length", DIDPrefix + strings.Repeat("a", 120), true},
		{"above maximum length", DIDPrefix + strings.Repeat("a", 121), false},
		{"wrong prefix", "did:key:abc123def456", false},
		{"empty suffix", "did:cid:", false},
		{"illegal character", "did:cid:abc$23def456", false},
		{"interior whitespace", "did:cid:abc 23def456", false},
		{"empty", "", false},
	}
	for _, test := range tests {
		if got := IsValidDID(test.in); got != test.want {
			t.Errorf("%s: IsValidDID(%q) = %v, want %v", test.name,
				test.in, got, test.want)
		}
	}
}

func TestIsValidGatewayURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"https public host", "https://example.com/api", true},
		{"https default gateway", "https://archon.technology", true},
		{"http localhost", "http://localhost/api", true},
		{"http localhost with port", "http://localhost:8080/api", true},
		{"http loopback ip", "http://127.0.0.1:4224", true},
		{"http public host", "http://example.com/api", false},
		{"http metadata endpoint", "http://169.254.169.254/latest/meta-data", false},
		{"http rfc1918 10", "http://10.0.0.1/api", false},
		{"http rfc1918 192", "http://192.168.1.1/api", false},
		{"http rfc1918 172", "http://172.16.0.1/api", false},
		{"https private ip passes static checks", "https://10.0.0.1/api", true},
		{"ftp scheme", "ftp://example.com/api", false},
		{"missing scheme", "example.com/api", false},
		{"missing host", "https:///api", false},
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"garbage", "http://[::1", false},
	}
	for _, test := range tests {
		if got := IsValidGatewayURL(test.in); got != test.want {
			t.Errorf("%s: IsValidGatewayURL(%q) = %v, want %v",
				test.name, test.in, got, test.want)
		}
	}
}
