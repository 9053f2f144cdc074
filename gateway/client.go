// Copyright (c) 2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package gateway implements the HTTP client for the remote Archon
// directory. The client is deliberately forgiving at construction time and
// strict at request time: a bad base URL never prevents the plugin from
// starting, it only causes every request to fail with a typed error that
// the service downgrades to local-only operation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lightninghive/hive-archon/canonjson"
)

const (
	requestTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20

	didPath   = "/api/v1/did"
	pollsPath = "/api/v1/polls"

	// didPrefix is the required prefix on identifiers minted by the
	// gateway.
	didPrefix = "did:cid:"
)

// RequestError describes a gateway request that could not be completed. It
// covers URL validation, DNS vetting, transport, HTTP status, and response
// decoding failures so callers can treat them uniformly.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// lookupIPFunc resolves a hostname to its addresses. Tests substitute this
// to exercise the address vetting without touching a resolver.
type lookupIPFunc func(ctx context.Context, host string) ([]net.IP, error)

// Client talks to an Archon gateway. All requests POST canonical JSON and
// every request independently re-validates the URL and re-resolves the
// host, so DNS changes between calls cannot steer a request at an internal
// address.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	lookupIP   lookupIPFunc
	now        func() time.Time
}

// New returns a client for the gateway at baseURL. Construction never
// fails; an unusable URL surfaces later as request errors. authToken, when
// non-empty, is sent as a bearer token on every request.
func New(baseURL, authToken string) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken: authToken,
		lookupIP:  defaultLookupIP,
		now:       time.Now,
	}
	c.httpClient = &http.Client{
		Timeout: requestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// Redirects could re-target a vetted request, so they
			// are surfaced to the caller instead of followed.
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			DialContext:         c.dialVetted,
			TLSHandshakeTimeout: requestTimeout,
			MaxIdleConns:        2,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	return c
}

// ProvisionIdentity asks the gateway to mint a DID for the node. It returns
// the identifier on success and a RequestError on any failure, including a
// well-formed response that carries no acceptable DID.
func (c *Client) ProvisionIdentity(nodePubkey, label string) (string, error) {
	payload := map[string]interface{}{
		"type":    "create",
		"created": isoTimestamp(c.now().Unix()),
		"registration": map[string]interface{}{
			"version": 1,
			"type":    "agent",
		},
		"data": map[string]interface{}{
			"node_pubkey": nodePubkey,
			"label":       label,
		},
	}
	data, err := c.post("provision", didPath, payload)
	if err != nil {
		return "", err
	}
	did, _ := data["did"].(string)
	if !strings.HasPrefix(did, didPrefix) {
		return "", &RequestError{Op: "provision",
			Err: errors.New("response carried no did")}
	}
	return did, nil
}

// CreatePoll registers a poll with the gateway and returns the remote poll
// identifier.
func (c *Client) CreatePoll(pollType, title string, options []string, deadline int64, metadata map[string]interface{}, creator string) (string, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	payload := map[string]interface{}{
		"poll_type": pollType,
		"poll": map[string]interface{}{
			"version":  2,
			"name":     title,
			"options":  options,
			"deadline": isoTimestamp(deadline),
			"creator":  creator,
			"metadata": metadata,
		},
	}
	data, err := c.post("create_poll", pollsPath, payload)
	if err != nil {
		return "", err
	}
	remoteID, _ := data["did"].(string)
	if remoteID == "" {
		return "", &RequestError{Op: "create_poll",
			Err: errors.New("response carried no poll identifier")}
	}
	return remoteID, nil
}

// SubmitVote sends a ballot for a remote poll. The wire format carries the
// zero-based option index, not the option text.
func (c *Client) SubmitVote(remotePollID string, voteIndex int, voterID string) (bool, error) {
	payload := map[string]interface{}{
		"voter_id": voterID,
		"vote":     voteIndex,
	}
	path := pollsPath + "/" + url.PathEscape(remotePollID) + "/vote"
	data, err := c.post("submit_vote", path, payload)
	if err != nil {
		return false, err
	}
	ack, _ := data["did"].(string)
	if ack == "" {
		return false, &RequestError{Op: "submit_vote",
			Err: errors.New("gateway did not acknowledge the vote")}
	}
	return true, nil
}

// post sends canonical JSON to path under the base URL and decodes the JSON
// object in the response body. An empty 2xx body decodes to an empty map.
func (c *Client) post(op, path string, payload interface{}) (map[string]interface{}, error) {
	reqURL := c.baseURL + path
	u, err := url.Parse(reqURL)
	if err != nil {
		return nil, &RequestError{Op: op,
			Err: fmt.Errorf("invalid gateway URL %q: %v", reqURL, err)}
	}
	if err := checkURL(u); err != nil {
		log.Warnf("%s request to %s blocked: %v", op, u.Redacted(), err)
		return nil, &RequestError{Op: op, Err: err}
	}

	body, err := canonjson.Marshal(payload)
	if err != nil {
		return nil, &RequestError{Op: op,
			Err: fmt.Errorf("unable to serialize request: %v", err)}
	}
	req, err := http.NewRequest(http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warnf("%s request failed: %v", op, err)
		return nil, &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RequestError{Op: op,
			Err: fmt.Errorf("unable to read response: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warnf("%s request returned status %d", op, resp.StatusCode)
		return nil, &RequestError{Op: op,
			Err: fmt.Errorf("gateway returned status %d", resp.StatusCode)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]interface{}{}, nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &RequestError{Op: op,
			Err: fmt.Errorf("unable to decode response: %v", err)}
	}
	return data, nil
}

// checkURL applies the static vetting rules: http or https only, a host
// must be present, and plain http is reserved for the literal hosts
// localhost and 127.0.0.1.
func checkURL(u *url.URL) error {
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("gateway URL has no host")
	}
	if u.Scheme == "http" && !isLiteralLocalHost(host) {
		return errors.New("plain http is only allowed for localhost")
	}
	return nil
}

func isLiteralLocalHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1"
}

// dialVetted resolves the target host, rejects any address in a forbidden
// range, and dials the vetted address directly so the connection cannot be
// re-steered between the check and the dial.
func (c *Client) dialVetted(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip, err := c.vetHost(ctx, host)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: requestTimeout}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

// vetHost returns an address for host that passed the forbidden-range
// checks. A resolution failure is a hard reject; a host is never dialed on
// the resolver's behalf after a failed vet.
func (c *Client) vetHost(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if err := checkAddr(ip, host); err != nil {
			return nil, err
		}
		return ip, nil
	}
	ips, err := c.lookupIP(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %s: %v", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	for _, ip := range ips {
		if err := checkAddr(ip, host); err != nil {
			return nil, err
		}
	}
	return ips[0], nil
}

// checkAddr rejects addresses that must never be reached through a gateway
// URL: loopback (except for the literal local hosts), link-local, RFC 1918
// and unique-local ranges, multicast, and the unspecified address.
func checkAddr(ip net.IP, host string) error {
	switch {
	case ip.IsLoopback():
		if isLiteralLocalHost(host) {
			return nil
		}
		return fmt.Errorf("%s resolves to loopback address %s", host, ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%s resolves to link-local address %s", host, ip)
	case ip.IsPrivate():
		return fmt.Errorf("%s resolves to private address %s", host, ip)
	case ip.IsMulticast():
		return fmt.Errorf("%s resolves to multicast address %s", host, ip)
	case ip.IsUnspecified():
		return fmt.Errorf("%s resolves to unspecified address %s", host, ip)
	}
	return nil
}

func defaultLookupIP(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips, nil
}

// isoTimestamp renders a unix time as UTC RFC 3339, the timestamp form the
// gateway API expects.
func isoTimestamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
