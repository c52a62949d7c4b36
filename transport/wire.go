// Package transport is the thin HTTP layer exchanging snapshot bytes and
// control messages between peer nodes, gated by a shared-secret hash check.
package transport

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// ContentEncodingGzip marks a payload that was gzip-compressed before base64
const ContentEncodingGzip = "gzip"

// ReceiveBackupRequest is the PUSH ingest payload
type ReceiveBackupRequest struct {
	SessionID       string `json:"sessionId"`
	SourceNodeID    string `json:"sourceNodeId"`
	BackupContent   string `json:"backupContent"`
	Filename        string `json:"filename"`
	ContentEncoding string `json:"contentEncoding,omitempty"`
}

// RestoreBackupRequest instructs a peer to restore a previously received
// snapshot. Filename is a legacy variant some callers still send.
type RestoreBackupRequest struct {
	SessionID    string `json:"sessionId"`
	SourceNodeID string `json:"sourceNodeId"`
	Filename     string `json:"filename,omitempty"`
}

// RestoreBackupResponse reports the restore outcome
type RestoreBackupResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// InitiateBackupRequest asks a peer to produce a snapshot for a session
type InitiateBackupRequest struct {
	SessionID string `json:"sessionId"`
}

// InitiateBackupResponse carries snapshot metadata, not the bytes themselves
type InitiateBackupResponse struct {
	Size     int64  `json:"size"`
	Filename string `json:"filename"`
	Checksum string `json:"checksum,omitempty"`
}

// DownloadBackupResponse carries the snapshot bytes for a PULL
type DownloadBackupResponse struct {
	Success         bool   `json:"success"`
	BackupContent   string `json:"backupContent"`
	Filename        string `json:"filename"`
	Size            int64  `json:"size"`
	Checksum        string `json:"checksum,omitempty"`
	ContentEncoding string `json:"contentEncoding,omitempty"`
}

// StatusResponse exposes a session's persisted state to peers and operators
type StatusResponse struct {
	SessionID        string  `json:"sessionId"`
	Direction        string  `json:"direction"`
	Status           string  `json:"status"`
	Phase            string  `json:"phase"`
	CurrentStep      string  `json:"currentStep"`
	Progress         int     `json:"progress"`
	TransferredBytes int64   `json:"transferredBytes"`
	TransferSpeed    float64 `json:"transferSpeed"`
	ErrorMessage     string  `json:"errorMessage,omitempty"`
}

// TransferRequest starts a PUSH or PULL against a peer (local control API)
type TransferRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	PeerURL   string `json:"peerUrl,omitempty"`
}

// TransferResponse acknowledges a started transfer
type TransferResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// EncodePayload base64-encodes snapshot content, gzip-compressing first when
// requested. Returns the encoded payload and the content encoding marker.
func EncodePayload(content []byte, gzipWire bool) (string, string, error) {
	if !gzipWire {
		return base64.StdEncoding.EncodeToString(content), "", nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(content); err != nil {
		return "", "", fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", "", fmt.Errorf("failed to finish compressing payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), ContentEncodingGzip, nil
}

// DecodePayload reverses EncodePayload for the given content encoding
func DecodePayload(payload, encoding string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	switch encoding {
	case "":
		return raw, nil
	case ContentEncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip payload: %w", err)
		}
		defer zr.Close()
		content, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		return content, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
