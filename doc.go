/*
 * Copyright (c) 2025-2026 The Lightning Hive developers
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

// hive-archon is a Core Lightning plugin that gives a node a decentralized
// identity (DID) in the Archon directory and a local governance surface:
// cryptographic bindings between the DID and nostr or node keys, bonded
// governance-tier upgrades verified against channel balance, and a poll and
// vote lifecycle with signed ballots.
//
// The plugin speaks the lightningd plugin protocol on stdin/stdout and is
// normally started by lightningd:
//
//   plugin=/path/to/hive-archon
//   hive-archon-network-enabled=true
//   hive-archon-gateway=https://archon.technology
//
// All state lives in a sqlite database next to the lightning directory
// (hive-archon-db-path). Remote gateway work that fails is parked in a
// store-and-forward outbox and retried with exponential backoff via
// hive-archon-process-outbox.
//
// For standalone debugging the same options can be supplied through
// ~/.hive-archon/hive-archon.conf or command line flags; lightningd init
// options take precedence over both. Logging goes to stderr and to a
// rotating file under ~/.hive-archon/logs; stdout is reserved for the RPC
// stream. Use -d/--debuglevel to tune subsystem log levels, for example:
//
//   hive-archon -d debug
//   hive-archon -d HIVE=info,GWAY=trace
//   hive-archon --debuglevel=show

package main
