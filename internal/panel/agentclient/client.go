// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package agentclient is the panel-side client for the node agent API.
// Every request is HMAC-signed; the agent rejects unsigned, tampered, or
// stale requests.
package agentclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds every agent call.
const DefaultTimeout = 10 * time.Second

// Client signs and issues requests against a single node agent.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient creates a client for the agent at baseURL, e.g.
// "http://node1.example.com:8080".
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Error is the single error type callers see: transport failures, timeouts
// and non-2xx agent responses all collapse into it.
type Error struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error,omitempty"`
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("agent unreachable: %s", e.Message)
	}
	return fmt.Sprintf("agent error (status %d): %s", e.StatusCode, e.Message)
}

// Unreachable reports whether the error was a transport failure rather than
// an agent-side rejection.
func (e *Error) Unreachable() bool {
	return e.StatusCode == 0
}

// sign computes the request signature over METHOD|PATH|BODY|TIMESTAMP.
func (c *Client) sign(method, path, body, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(method + "|" + path + "|" + body + "|" + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// do issues a signed request and decodes the JSON response into out (when
// out is non-nil).
func (c *Client) do(ctx context.Context, method, path string, reqBody, out interface{}) error {
	var body string
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = string(raw)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Timestamp", timestamp)
	httpReq.Header.Set("X-Signature", c.sign(method, path, body, timestamp))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}

// parseError turns a non-2xx agent response into an *Error carrying the
// agent's detail.
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	agentErr := &Error{StatusCode: resp.StatusCode}
	if len(body) > 0 {
		if err := json.Unmarshal(body, agentErr); err != nil || agentErr.Message == "" {
			agentErr.Message = string(body)
		}
	} else {
		agentErr.Message = http.StatusText(resp.StatusCode)
	}
	return agentErr
}

// HealthReport is the response of GET /health.
type HealthReport struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Uptime    uint64 `json:"uptime"`
	Version   string `json:"version"`
}

// Health checks agent liveness. GET /health.
func (c *Client) Health(ctx context.Context) (*HealthReport, error) {
	var report HealthReport
	if err := c.do(ctx, http.MethodGet, "/health", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Status fetches the full status report. GET /v1/status. The report keeps
// the agent's shape as raw JSON: the panel persists it opaquely in
// health_json and only a few well-known fields are ever read back.
func (c *Client) Status(ctx context.Context) (map[string]json.RawMessage, error) {
	var report map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &report); err != nil {
		return nil, err
	}
	return report, nil
}

// DumpPeer is one peer from the agent's interface dump.
type DumpPeer struct {
	PublicKey           string   `json:"public_key"`
	PresharedKey        *string  `json:"preshared_key,omitempty"`
	Endpoint            *string  `json:"endpoint,omitempty"`
	AllowedIPs          []string `json:"allowed_ips"`
	LatestHandshake     *int64   `json:"latest_handshake,omitempty"`
	TransferRx          int64    `json:"transfer_rx"`
	TransferTx          int64    `json:"transfer_tx"`
	PersistentKeepalive int      `json:"persistent_keepalive"`
}

// InterfaceDump is the response of GET /v1/wg/{iface}/dump — the source of
// truth for drift detection.
type InterfaceDump struct {
	Interface string     `json:"interface"`
	Peers     []DumpPeer `json:"peers"`
}

// Dump fetches the live peer set. GET /v1/wg/{iface}/dump.
func (c *Client) Dump(ctx context.Context, iface string) (*InterfaceDump, error) {
	var dump InterfaceDump
	if err := c.do(ctx, http.MethodGet, "/v1/wg/"+iface+"/dump", nil, &dump); err != nil {
		return nil, err
	}
	return &dump, nil
}

// AddPeerRequest is the body for POST /v1/wg/{iface}/peers.
type AddPeerRequest struct {
	PublicKey           string   `json:"public_key"`
	AllowedIPs          []string `json:"allowed_ips"`
	PresharedKey        string   `json:"preshared_key,omitempty"`
	PersistentKeepalive int      `json:"persistent_keepalive"`
}

// AddPeer adds a peer to an interface. POST /v1/wg/{iface}/peers.
func (c *Client) AddPeer(ctx context.Context, iface string, req AddPeerRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/wg/"+iface+"/peers", req, nil)
}

// UpdatePeerRequest is the body for PUT /v1/wg/{iface}/peers/{pk}. Nil
// fields are left untouched on the agent.
type UpdatePeerRequest struct {
	AllowedIPs          []string `json:"allowed_ips,omitempty"`
	PersistentKeepalive *int     `json:"persistent_keepalive,omitempty"`
}

// UpdatePeer patches a peer. PUT /v1/wg/{iface}/peers/{pk}.
func (c *Client) UpdatePeer(ctx context.Context, iface, publicKey string, req UpdatePeerRequest) error {
	return c.do(ctx, http.MethodPut, "/v1/wg/"+iface+"/peers/"+publicKey, req, nil)
}

// DeletePeer removes a peer. DELETE /v1/wg/{iface}/peers/{pk}.
func (c *Client) DeletePeer(ctx context.Context, iface, publicKey string) error {
	return c.do(ctx, http.MethodDelete, "/v1/wg/"+iface+"/peers/"+publicKey, nil, nil)
}

// SyncConf atomically replaces the live peer set from a base64-encoded
// config. POST /v1/wg/{iface}/syncconf.
func (c *Client) SyncConf(ctx context.Context, iface, configBase64 string) error {
	body := map[string]string{"config": configBase64}
	return c.do(ctx, http.MethodPost, "/v1/wg/"+iface+"/syncconf", body, nil)
}

// InterfaceConfig mirrors the parsed [Interface] section returned and
// accepted by the agent's config endpoints.
type InterfaceConfig struct {
	PrivateKey string `json:"private_key"`
	ListenPort int    `json:"listen_port,omitempty"`
	Address    string `json:"address,omitempty"`
	PostUp     string `json:"post_up,omitempty"`
	PreDown    string `json:"pre_down,omitempty"`
	MTU        int    `json:"mtu,omitempty"`
	DNS        string `json:"dns,omitempty"`
	Table      string `json:"table,omitempty"`
	RawConfig  string `json:"raw_config,omitempty"`
}

// GetInterfaceConfig reads the interface config. GET /v1/wg/{iface}/config.
func (c *Client) GetInterfaceConfig(ctx context.Context, iface string) (*InterfaceConfig, error) {
	var resp struct {
		Interface string          `json:"interface"`
		Config    InterfaceConfig `json:"config"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/wg/"+iface+"/config", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Config, nil
}

// PutInterfaceConfig replaces the [Interface] section. PUT
// /v1/wg/{iface}/config. Returns whether the agent reloaded the interface.
func (c *Client) PutInterfaceConfig(ctx context.Context, iface string, cfg InterfaceConfig) (bool, error) {
	cfg.RawConfig = ""
	var resp struct {
		Reloaded bool `json:"reloaded"`
	}
	if err := c.do(ctx, http.MethodPut, "/v1/wg/"+iface+"/config", cfg, &resp); err != nil {
		return false, err
	}
	return resp.Reloaded, nil
}

// EnableInterface brings an interface up. POST /v1/wg/{iface}/enable.
func (c *Client) EnableInterface(ctx context.Context, iface string) (wasDown bool, err error) {
	var resp struct {
		WasDown bool `json:"was_down"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/wg/"+iface+"/enable", nil, &resp); err != nil {
		return false, err
	}
	return resp.WasDown, nil
}

// DisableInterface brings an interface down. POST /v1/wg/{iface}/disable.
func (c *Client) DisableInterface(ctx context.Context, iface string) (wasUp bool, err error) {
	var resp struct {
		WasUp bool `json:"was_up"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/wg/"+iface+"/disable", nil, &resp); err != nil {
		return false, err
	}
	return resp.WasUp, nil
}

// DeleteInterface brings an interface down and removes its config. DELETE
// /v1/wg/{iface}.
func (c *Client) DeleteInterface(ctx context.Context, iface string) error {
	return c.do(ctx, http.MethodDelete, "/v1/wg/"+iface, nil, nil)
}
