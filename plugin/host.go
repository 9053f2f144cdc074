// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package plugin implements the lightningd plugin wire protocol for the
// archon subsystem: manifest negotiation, init-time wiring of the store,
// node RPC, and gateway client, and dispatch of the hive-* commands to the
// archon service.
package plugin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lightninghive/hive-archon/archon"
	"github.com/lightninghive/hive-archon/clnrpc"
	"github.com/lightninghive/hive-archon/gateway"
	"github.com/lightninghive/hive-archon/models"
	"github.com/lightninghive/hive-archon/storage"
)

// Option names registered with lightningd. The same settings exist as
// config file and command line options for standalone debugging; values
// delivered at init take precedence over both.
const (
	optDBPath         = "hive-archon-db-path"
	optGateway        = "hive-archon-gateway"
	optNetworkEnabled = "hive-archon-network-enabled"
	optMinBond        = "hive-archon-governance-min-bond"
	optAuthToken      = "hive-archon-gateway-auth-token"
)

// defaultGovernanceMinBond is the bond floor applied when the configured
// minimum is not a number.
const defaultGovernanceMinBond = 50000

// defaultDBFilename is used when the db path option is cleared entirely.
const defaultDBFilename = "cl_hive_archon.db"

// maxRequestBytes bounds a single JSON-RPC request on the plugin stream.
const maxRequestBytes = 1 << 20

// JSON-RPC 2.0 protocol error codes.
const (
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// Config carries the option layer assembled from defaults, the config file,
// and the command line. All archon settings stay string-typed here because
// lightningd delivers the same options as strings; the host interprets the
// merged result once at init.
type Config struct {
	DBPath            string
	GatewayURL        string
	NetworkEnabled    string
	GovernanceMinBond string
	GatewayAuthToken  string
}

// Host speaks JSON-RPC 2.0 with lightningd over a request/response stream,
// normally stdin and stdout. Requests are dispatched one at a time on the
// Run goroutine, so the service below never sees concurrent calls.
type Host struct {
	cfg Config
	in  io.Reader
	out io.Writer

	svc        *archon.Service
	closeStore func() error
	closeNode  func() error

	// Wiring points, replaced by fakes in tests.
	openStore  func(dbPath string) (archon.Store, func() error, error)
	newNode    func(socketPath string) (archon.NodeRPC, func() error)
	newGateway func(baseURL, authToken string) archon.Gateway
	now        func() int64
}

// NewHost returns a plugin host reading requests from r and writing
// responses to w. Service construction is deferred until lightningd sends
// init, which carries the final option values and the location of the
// node's RPC socket.
func NewHost(cfg Config, r io.Reader, w io.Writer) *Host {
	h := &Host{
		cfg: cfg,
		in:  r,
		out: w,
		now: func() int64 { return time.Now().Unix() },
	}
	h.openStore = func(dbPath string) (archon.Store, func() error, error) {
		dbMap, err := models.GetDbMap(dbPath)
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewArchonStore(dbMap)
		return store, store.Close, nil
	}
	h.newNode = func(socketPath string) (archon.NodeRPC, func() error) {
		client := clnrpc.New(socketPath)
		return client, client.Close
	}
	h.newGateway = func(baseURL, authToken string) archon.Gateway {
		return gateway.New(baseURL, authToken)
	}
	return h
}

// request is the inbound JSON-RPC envelope. The id is kept raw so whatever
// lightningd sent (number or string) echoes back untouched.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// rpcError is a JSON-RPC protocol error. Domain failures never use it; they
// travel inside results as {"error": ...}.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Run reads requests until the stream closes or ctx is cancelled. Stream
// reads happen on a helper goroutine so cancellation is honored even while
// blocked on stdin; dispatch stays serial on this goroutine.
func (h *Host) Run(ctx context.Context) error {
	defer h.close()

	requests := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(h.in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBytes)
		scanner.Split(scanRequests)
		for scanner.Scan() {
			raw := make([]byte, len(scanner.Bytes()))
			copy(raw, scanner.Bytes())
			select {
			case requests <- raw:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutdown requested, stopping plugin host")
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("plugin stream read failed: %v", err)
			}
			log.Info("Plugin stream closed by lightningd")
			return nil
		case raw := <-requests:
			h.handleRequest(raw)
		}
	}
}

// scanRequests is a bufio.SplitFunc that splits the plugin stream at blank
// lines, the request separator of the wire protocol.
func scanRequests(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		token := bytes.TrimSpace(data)
		if len(token) == 0 {
			return len(data), nil, nil
		}
		return len(data), token, nil
	}
	return 0, nil, nil
}

func (h *Host) handleRequest(raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Warnf("Dropping undecodable request: %v", err)
		return
	}
	if req.Method == "" {
		log.Warn("Dropping request without a method")
		return
	}
	// Notifications carry no id and expect no response.
	if len(req.ID) == 0 || bytes.Equal(req.ID, []byte("null")) {
		log.Debugf("Ignoring notification %q", req.Method)
		return
	}

	log.Tracef("Dispatching %s", req.Method)
	switch req.Method {
	case "getmanifest":
		h.writeResult(req.ID, h.manifest())
		return
	case "init":
		result, rpcErr := h.handleInit(req.Params)
		if rpcErr != nil {
			h.writeError(req.ID, rpcErr)
			return
		}
		h.writeResult(req.ID, result)
		return
	}

	cmd, ok := commandIndex[req.Method]
	if !ok {
		h.writeError(req.ID, &rpcError{
			Code:    errCodeMethodNotFound,
			Message: fmt.Sprintf("unknown method: %s", req.Method),
		})
		return
	}
	if h.svc == nil {
		h.writeError(req.ID, &rpcError{
			Code:    errCodeInternal,
			Message: "plugin not initialized",
		})
		return
	}
	params, err := parseParams(req.Params)
	if err != nil {
		h.writeError(req.ID, &rpcError{
			Code:    errCodeInvalidParams,
			Message: fmt.Sprintf("invalid params: %v", err),
		})
		return
	}
	h.writeResult(req.ID, cmd.handler(h, params))
}

// manifest builds the getmanifest reply: the plugin's options, rpcmethods,
// and the dynamic flag that lets the plugin be started and stopped at
// runtime.
func (h *Host) manifest() map[string]interface{} {
	options := []map[string]interface{}{
		{
			"name":        optDBPath,
			"type":        "string",
			"default":     h.cfg.DBPath,
			"description": "Path to the archon sqlite database; relative paths resolve under the lightning directory",
		},
		{
			"name":        optGateway,
			"type":        "string",
			"default":     h.cfg.GatewayURL,
			"description": "Archon gateway base URL",
		},
		{
			"name":        optNetworkEnabled,
			"type":        "string",
			"default":     h.cfg.NetworkEnabled,
			"description": "Enable outbound gateway calls {1, true, yes, on}",
		},
		{
			"name":        optMinBond,
			"type":        "string",
			"default":     h.cfg.GovernanceMinBond,
			"description": "Minimum channel balance in satoshis required for the governance tier",
		},
		{
			"name":        optAuthToken,
			"type":        "string",
			"default":     h.cfg.GatewayAuthToken,
			"description": "Bearer token sent with gateway requests",
		},
	}

	rpcmethods := make([]map[string]interface{}, 0, len(commands))
	for i := range commands {
		rpcmethods = append(rpcmethods, map[string]interface{}{
			"name":        commands[i].name,
			"usage":       commands[i].usage,
			"description": commands[i].description,
		})
	}

	return map[string]interface{}{
		"options":    options,
		"rpcmethods": rpcmethods,
		"dynamic":    true,
	}
}

// handleInit applies lightningd's option values over the configured layer,
// opens the store, and wires the service. The reply is an empty object.
func (h *Host) handleInit(raw json.RawMessage) (interface{}, *rpcError) {
	if h.svc != nil {
		log.Warn("Duplicate init request ignored")
		return map[string]interface{}{}, nil
	}

	var params struct {
		Options       map[string]interface{} `json:"options"`
		Configuration struct {
			LightningDir string `json:"lightning-dir"`
			RPCFile      string `json:"rpc-file"`
			Network      string `json:"network"`
		} `json:"configuration"`
	}
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return nil, &rpcError{
				Code:    errCodeInvalidParams,
				Message: fmt.Sprintf("invalid init params: %v", err),
			}
		}
	}

	settings := h.cfg
	applyOption(params.Options, optDBPath, &settings.DBPath)
	applyOption(params.Options, optGateway, &settings.GatewayURL)
	applyOption(params.Options, optNetworkEnabled, &settings.NetworkEnabled)
	applyOption(params.Options, optMinBond, &settings.GovernanceMinBond)
	applyOption(params.Options, optAuthToken, &settings.GatewayAuthToken)

	dbPath := resolveDBPath(settings.DBPath, params.Configuration.LightningDir)
	store, closeStore, err := h.openStore(dbPath)
	if err != nil {
		log.Errorf("Could not open archon database %s: %v", dbPath, err)
		return nil, &rpcError{
			Code:    errCodeInternal,
			Message: fmt.Sprintf("could not open database: %v", err),
		}
	}

	socketPath := params.Configuration.RPCFile
	if socketPath == "" {
		socketPath = "lightning-rpc"
	}
	if !filepath.IsAbs(socketPath) {
		socketPath = filepath.Join(params.Configuration.LightningDir, socketPath)
	}
	node, closeNode := h.newNode(socketPath)

	gatewayURL := strings.TrimSpace(settings.GatewayURL)
	networkEnabled := truthy(settings.NetworkEnabled)
	gw := h.newGateway(gatewayURL, strings.TrimSpace(settings.GatewayAuthToken))

	h.svc = archon.NewService(archon.Config{
		Store:                 store,
		Node:                  node,
		Gateway:               gw,
		GatewayURL:            gatewayURL,
		NetworkEnabled:        networkEnabled,
		MinGovernanceBondSats: parseMinBond(settings.GovernanceMinBond),
		Now:                   h.now,
	})
	h.closeStore = closeStore
	h.closeNode = closeNode

	log.Infof("Archon plugin initialized: db=%s network_enabled=%v gateway=%s",
		dbPath, networkEnabled, gatewayURL)
	return map[string]interface{}{}, nil
}

// applyOption overwrites dst with the option's value when lightningd sent
// one. Non-scalar values are ignored with a warning rather than failing
// init.
func applyOption(options map[string]interface{}, name string, dst *string) {
	v, ok := options[name]
	if !ok {
		return
	}
	s, ok := optionString(v)
	if !ok {
		log.Warnf("Ignoring non-scalar value for option %s", name)
		return
	}
	*dst = s
}

// optionString coerces a manifest option value to its string form. The
// options are declared string-typed so lightningd sends strings, but
// numbers and booleans from hand-rolled init payloads are tolerated.
func optionString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	}
	return "", false
}

// resolveDBPath expands a leading ~ in the configured db path and resolves
// relative paths under the node's lightning directory.
func resolveDBPath(dbPath, lightningDir string) string {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		path = defaultDBFilename
	}
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	if !filepath.IsAbs(path) && lightningDir != "" {
		path = filepath.Join(lightningDir, path)
	}
	return filepath.Clean(path)
}

// parseMinBond interprets the governance-min-bond option string. Non-numeric
// values fall back to the default and anything below 1 is clamped to 1.
func parseMinBond(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		n = defaultGovernanceMinBond
	}
	if n < 1 {
		n = 1
	}
	return n
}

// writeResult emits a successful JSON-RPC response followed by the blank
// line request separator.
func (h *Host) writeResult(id json.RawMessage, result interface{}) {
	h.write(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  interface{}     `json:"result"`
	}{"2.0", id, result})
}

// writeError emits a JSON-RPC protocol error response.
func (h *Host) writeError(id json.RawMessage, rpcErr *rpcError) {
	h.write(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   *rpcError       `json:"error"`
	}{"2.0", id, rpcErr})
}

func (h *Host) write(v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Could not marshal response: %v", err)
		return
	}
	buf = append(buf, '\n', '\n')
	if _, err := h.out.Write(buf); err != nil {
		log.Errorf("Could not write response: %v", err)
	}
}

// close releases the node RPC connection and the store. Run defers it so
// shutdown order is the same for EOF and context cancellation.
func (h *Host) close() {
	if h.closeNode != nil {
		if err := h.closeNode(); err != nil {
			log.Errorf("Could not close node RPC client: %v", err)
		}
		h.closeNode = nil
	}
	if h.closeStore != nil {
		if err := h.closeStore(); err != nil {
			log.Errorf("Could not close archon store: %v", err)
		}
		h.closeStore = nil
	}
}
