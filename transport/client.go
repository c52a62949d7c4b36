package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/possync/possync/cfg"
)

// Client issues authenticated control and transfer calls against a peer node
type Client struct {
	baseURL  string
	nodeID   string
	secretFn SecretFunc
	http     *http.Client
}

// NewClient builds a client for the given peer base URL
func NewClient(config *cfg.Configuration, peerURL string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(peerURL, "/"),
		nodeID:   config.NodeID,
		secretFn: config.SyncSecret,
		http: &http.Client{
			Timeout: time.Duration(config.Sync.HTTPTimeoutSeconds) * time.Second,
		},
	}
}

// PushBackup sends snapshot bytes to the peer's ingest endpoint
func (c *Client) PushBackup(ctx context.Context, req ReceiveBackupRequest) error {
	return c.do(ctx, http.MethodPost, "/sync/receive-backup", req, nil)
}

// RestoreBackup instructs the peer to restore a received snapshot
func (c *Client) RestoreBackup(ctx context.Context, sessionID string) (*RestoreBackupResponse, error) {
	req := RestoreBackupRequest{SessionID: sessionID, SourceNodeID: c.nodeID}
	var resp RestoreBackupResponse
	if err := c.do(ctx, http.MethodPost, "/sync/restore-backup", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InitiateBackup asks the peer to produce a snapshot for a PULL
func (c *Client) InitiateBackup(ctx context.Context, sessionID string) (*InitiateBackupResponse, error) {
	req := InitiateBackupRequest{SessionID: sessionID}
	var resp InitiateBackupResponse
	if err := c.do(ctx, http.MethodPost, "/sync/initiate-backup", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DownloadBackup fetches the produced snapshot bytes from the peer
func (c *Client) DownloadBackup(ctx context.Context, sessionID string) (*DownloadBackupResponse, error) {
	path := "/sync/download-backup?sessionId=" + url.QueryEscape(sessionID)
	var resp DownloadBackupResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build peer request: %w", err)
	}

	secret, err := c.secretFn()
	if err != nil {
		return fmt.Errorf("cannot authenticate to peer: %w", err)
	}
	req.Header.Set(NodeIDHeader, c.nodeID)
	req.Header.Set(RegistrationHashHeader, RegistrationHash(secret))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("peer request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer returned %d for %s %s: %s",
			resp.StatusCode, method, path, strings.TrimSpace(string(detail)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode peer response: %w", err)
		}
	}
	return nil
}
