// Copyright (c) 2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package clnrpc

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/decred/slog"
)

func init() {
	// Enable logging for the clnrpc package.
	log = slog.NewBackend(os.Stdout).Logger("TEST")
	log.SetLevel(slog.LevelTrace)
}

var testPubkey = "02" + strings.Repeat("ab", 32)

type rpcCall struct {
	method string
	params string
}

// fakeLightningd serves the lightning-rpc protocol on a real unix socket.
// Observed calls are delivered on the calls channel so tests can assert on
// them without sharing memory with the serve goroutine.
type fakeLightningd struct {
	listener net.Listener
	handler  func(method string, params json.RawMessage) (interface{}, *RPCError)
	calls    chan rpcCall
	conns    int32

	// staleFirst, when set to 1, makes the next response be preceded by a
	// response to an id no request used, exercising the client's stale
	// response skip. Accessed atomically.
	staleFirst int32
}

func newFakeLightningd(t *testing.T, handler func(method string, params json.RawMessage) (interface{}, *RPCError)) (*fakeLightningd, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "lightning-rpc")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("unable to listen on %s: %v", socketPath, err)
	}
	f := &fakeLightningd{
		listener: listener,
		handler:  handler,
		calls:    make(chan rpcCall, 16),
	}
	t.Cleanup(func() { listener.Close() })
	go f.serve()
	return f, socketPath
}

func (f *fakeLightningd) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		atomic.AddInt32(&f.conns, 1)
		go f.serveConn(conn)
	}
}

func (f *fakeLightningd) serveConn(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := dec.Decode(&req); err != nil {
			return
		}
		f.calls <- rpcCall{method: req.Method, params: string(req.Params)}

		if atomic.CompareAndSwapInt32(&f.staleFirst, 1, 0) {
			enc.Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      uint64(999999),
				"result":  map[string]interface{}{},
			})
		}

		result, rpcErr := f.handler(req.Method, req.Params)
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
		}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// lastCall drains the observed call stream and fails the test when no call
// was recorded.
func (f *fakeLightningd) lastCall(t *testing.T) rpcCall {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	default:
		t.Fatal("no RPC call was observed")
		return rpcCall{}
	}
}

func TestNodePubkey(t *testing.T) {
	fake, socketPath := newFakeLightningd(t,
		func(method string, params json.RawMessage) (interface{}, *RPCError) {
			return map[string]string{"id": testPubkey, "alias": "hive"}, nil
		})

	c := New(socketPath)
	defer c.Close()

	if got := c.NodePubkey(); got != testPubkey {
		t.Errorf("NodePubkey = %q, want %q", got, testPubkey)
	}
	call := fake.lastCall(t)
	if call.method != "getinfo" {
		t.Errorf("method = %q, want getinfo", call.method)
	}
	if call.params != "{}" {
		t.Errorf("params = %s, want empty object", call.params)
	}
}

func TestNodePubkeyMalformed(t *testing.T) {
	_, socketPath := newFakeLightningd(t,
		func(method string, params json.RawMessage) (interface{}, *RPCError) {
			return map[string]string{"id": "not-a-pubkey"}, nil
		})

	c := New(socketPath)
	defer c.Close()

	if got := c.NodePubkey(); got != "" {
		t.Errorf("NodePubkey = %q, want empty for malformed id", got)
	}
}

func TestNodePubkeyUnreachable(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing-socket"))
	defer c.Close()

	if got := c.NodePubkey(); got != "" {
		t.Errorf("NodePubkey = %q, want empty when lightningd is down", got)
	}
}

func TestSignMessage(t *testing.T) {
	fake, socketPath := newFakeLightningd(t,
		func(method string, params json.RawMessage) (interface{}, *RPCError) {
			return map[string]string{"zbase": "zsig123"}, nil
		})

	c := New(socketPath)
	defer c.Close()

	sig, err := c.SignMessage("hello archon")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig != "zsig123" {
		t.Errorf("signature = %q", sig)
	}
	call := fake.lastCall(t)
	if call.method != "signmessage" {
		t.Errorf("method = %q, want signmessage", call.method)
	}
	if call.params != `{"message":"hello archon"}` {
		t.Errorf("params = %s", call.params)
	}
}

func TestSignMessageEmptySignature(t *testing.T) {
	_, socketPath := newFakeLightningd(t,
		func(method string, params json.RawMessage) (interface{}, *RPCError) {
			return map[string]string{"zbase": ""}, nil
		})

	c := New(socketPath)
	defer c.Close()

	_, err := c.SignMessage("hello")
	if err == nil || !strings.Contains(err.Error(), "empty signature") {
		t.Fatalf("got %v, want empty signature error", err)
	}
}

func TestSignMessageRPCError(t *testing.T) {
	_, socketPath := newFakeLightningd(t,
		func(method string, params json.RawMessage) (interface{}, *RPCError) {
			return nil, &RPCError{Code: -32602, Message: "unknown parameter"}
		})

	c := New(socketPath)
	defer c.Close()

	_, err := c.SignMessage("hello")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("got %v, want *RPCError", err)
	}
	if rpcErr.Code != -32602 || rpcErr.Message != "unknown parameter" {
		t.Errorf("rpc error = %+v", rpcErr)
	}
	if err.Error() != "lightningd: unknown parameter (code -32602)" {
		t.Errorf("error string = %q", err.Error())
	}
}

func TestChannelBalanceSats(t *testing.T) {
	fake, socketPath := newFakeLightningd(t,
		func(method string, params json.RawMessage) (interface{}, *RPCError) {
			return map[string]interface{}{
				"channels": []map[string]interface{}{
					{"our_amount_msat": "1500000msat"},
					{"our_amount_msat": 2000500},
					{"our_amount_msat": "999msat"},
				},
				"outputs": []interface{}{},
			}, nil
		})

	c := New(socketPath)
	defer c.Close()

	sats, err := c.ChannelBalanceSats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 1500000 + 2000500 + 999 msat truncates to 3501 sats.
	if sats != 3501 {
		t.Errorf("balance = %d, want 3501", sats)
	}
	if call := fake.lastCall(t); call.method != "listfunds" {
		t.Errorf("method = %q, want listfunds", call.method)
	}
}

func TestChannelBalanceNoChannels(t *testing.T) {
	_, socketPath := newFakeLightningd(t,
		func(method string, params json.RawMessage) (interface{}, *RPCError) {
			return map[string]interface{}{"channels": []interface{}{}}, nil
		})

	c := New(socketPath)
	defer c.Close()

	sats, err := c.ChannelBalanceSats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sats != 0 {
		t.Errorf("balance = %d, want 0", sats)
	}
}

func TestMsatAmountUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{"suffixed string", `"123msat"`, 123, false},
		{"bare string", `"456"`, 456, false},
		{"integer", `789`, 789, false},
		{"zero", `0`, 0, false},
		{"fractional string", `"1.5msat"`, 0, true},
		{"suffix only", `"msat"`, 0, true},
		{"boolean", `true`, 0, true},
	}
	for _, test := range tests {
		var m msatAmount
		err := json.Unmarshal([]byte(test.in), &m)
		if test.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", test.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", test.name, err)
			continue
		}
		if int64(m) != test.want {
			t.Errorf("%s: got %d, want %d", test.name, int64(m), test.want)
		}
	}
}

func TestStaleResponseSkipped(t *testing.T) {
	fake, socketPath := newFakeLightningd(t,
		func(method string, params json.RawMessage) (interface{}, *RPCError) {
			return map[string]string{"id": testPubkey}, nil
		})
	atomic.StoreInt32(&fake.staleFirst, 1)

	c := New(socketPath)
	defer c.Close()

	if got := c.NodePubkey(); got != testPubkey {
		t.Errorf("NodePubkey = %q, want %q after skipping stale response",
			got, testPubkey)
	}
}

func TestConnectionReuse(t *testing.T) {
	fake, socketPath := newFakeLightningd(t,
		func(method string, params json.RawMessage) (interface{}, *RPCError) {
			switch method {
			case "getinfo":
				return map[string]string{"id": testPubkey}, nil
			case "signmessage":
				return map[string]string{"zbase": "zsig"}, nil
			}
			return nil, &RPCError{Code: -32601, Message: "unknown method"}
		})

	c := New(socketPath)
	defer c.Close()

	if got := c.NodePubkey(); got != testPubkey {
		t.Fatalf("NodePubkey = %q", got)
	}
	if _, err := c.SignMessage("again"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conns := atomic.LoadInt32(&fake.conns); conns != 1 {
		t.Errorf("client opened %d connections, want 1", conns)
	}
}
