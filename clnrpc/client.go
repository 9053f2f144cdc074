// Copyright (c) 2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package clnrpc implements the small slice of the Core Lightning JSON-RPC
// surface the archon service needs: getinfo, signmessage, and listfunds.
// Calls travel over the lightning-rpc unix socket lightningd exposes in its
// base directory.
package clnrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lightninghive/hive-archon/validate"
)

const defaultTimeout = 30 * time.Second

// Client is a JSON-RPC 2.0 client for lightningd. A mutex keeps a single
// call in flight at a time; lightningd answers requests on a socket
// connection in order, so matching responses to requests only needs the id
// echo.
type Client struct {
	socketPath string
	timeout    time.Duration

	mtx    sync.Mutex
	conn   net.Conn
	dec    *json.Decoder
	nextID uint64
}

// New returns a client for the lightningd socket at socketPath. The socket
// is dialed lazily on first use.
func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    defaultTimeout,
	}
}

// Close tears down the socket connection if one is open.
func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.dec = nil
	return err
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// RPCError is a JSON-RPC error object returned by lightningd.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("lightningd: %s (code %d)", e.Message, e.Code)
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one JSON-RPC exchange and decodes the result into result
// when it is non-nil. Transport failures drop the connection so the next
// call redials.
func (c *Client) call(method string, params, result interface{}) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.conn == nil {
		conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
		if err != nil {
			return fmt.Errorf("clnrpc: dial %s: %v", c.socketPath, err)
		}
		c.conn = conn
		// The decoder owns readahead for the connection and must
		// live as long as it does.
		c.dec = json.NewDecoder(bufio.NewReader(conn))
	}

	c.nextID++
	id := c.nextID
	payload, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("clnrpc: marshal %s request: %v", method, err)
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(append(payload, '\n', '\n')); err != nil {
		c.drop()
		return fmt.Errorf("clnrpc: write %s request: %v", method, err)
	}

	for {
		var resp rpcResponse
		if err := c.dec.Decode(&resp); err != nil {
			c.drop()
			return fmt.Errorf("clnrpc: read %s response: %v", method, err)
		}
		if resp.ID != id {
			// Response to an abandoned earlier call.
			log.Debugf("discarding stale response id %d (want %d)", resp.ID, id)
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("clnrpc: decode %s result: %v", method, err)
			}
		}
		return nil
	}
}

// drop closes a broken connection; callers hold the mutex.
func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.dec = nil
	}
}

// NodePubkey returns the node id from getinfo, or the empty string when the
// node cannot be queried or returns a malformed id.
func (c *Client) NodePubkey() string {
	var res struct {
		ID string `json:"id"`
	}
	if err := c.call("getinfo", map[string]interface{}{}, &res); err != nil {
		log.Warnf("getinfo failed: %v", err)
		return ""
	}
	if !validate.IsValidCLNPubkey(res.ID) {
		log.Warnf("getinfo returned malformed node id %q", res.ID)
		return ""
	}
	return res.ID
}

// SignMessage signs message with the node key and returns the zbase encoded
// signature.
func (c *Client) SignMessage(message string) (string, error) {
	var res struct {
		Zbase string `json:"zbase"`
	}
	err := c.call("signmessage", map[string]interface{}{"message": message}, &res)
	if err != nil {
		return "", err
	}
	if res.Zbase == "" {
		return "", errors.New("clnrpc: signmessage returned an empty signature")
	}
	return res.Zbase, nil
}

// msatAmount decodes lightningd millisatoshi fields, which appear both as
// bare integers and as "123msat" strings depending on the node version.
type msatAmount int64

func (m *msatAmount) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSuffix(s, "msat")
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid msat amount %q", s)
		}
		*m = msatAmount(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = msatAmount(v)
	return nil
}

// ChannelBalanceSats sums the node's own side of every channel reported by
// listfunds and returns the total in satoshis, truncating sub-satoshi
// remainder.
func (c *Client) ChannelBalanceSats() (int64, error) {
	var res struct {
		Channels []struct {
			OurAmountMsat msatAmount `json:"our_amount_msat"`
		} `json:"channels"`
	}
	if err := c.call("listfunds", map[string]interface{}{}, &res); err != nil {
		return 0, err
	}
	var totalMsat int64
	for _, channel := range res.Channels {
		totalMsat += int64(channel.OurAmountMsat)
	}
	return totalMsat / 1000, nil
}
