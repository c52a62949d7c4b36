// Package snapshot produces, rewrites and restores data-only SQL dumps of the
// node's database. Dumps are transient per-session artifacts owned by the
// transfer session that created them.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

const filePrefix = "full-sync-"

// Legacy prefixes still recognized when a peer requests a download
var legacyPrefixes = []string{"initial-load-", "backup-"}

// ErrNotFound indicates no snapshot exists on disk for the requested session
var ErrNotFound = errors.New("snapshot not found")

// Dir manages the snapshot directory shared by all sessions. Filenames embed
// the session ID, so concurrent sessions never collide.
type Dir struct {
	root string
}

// NewDir creates the snapshot directory on demand
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the snapshot directory path
func (d *Dir) Root() string {
	return d.root
}

// Path returns the canonical snapshot path for a session
func (d *Dir) Path(sessionID string) string {
	return filepath.Join(d.root, filePrefix+sessionID+".sql")
}

// UpsertPath returns the sibling upsert script path for a snapshot file
func UpsertPath(snapshotPath string) string {
	return strings.TrimSuffix(snapshotPath, ".sql") + "-upsert.sql"
}

// Find locates the snapshot file for a session, checking the canonical name
// first and the legacy prefixes after.
func (d *Dir) Find(sessionID string) (string, error) {
	prefixes := append([]string{filePrefix}, legacyPrefixes...)
	for _, prefix := range prefixes {
		path := filepath.Join(d.root, prefix+sessionID+".sql")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w for session %s", ErrNotFound, sessionID)
}

// FindScript locates the restorable script for a session, preferring an
// upsert-rewritten sibling over the raw dump.
func (d *Dir) FindScript(sessionID string) (string, error) {
	path, err := d.Find(sessionID)
	if err != nil {
		// The upsert script may exist without its source dump
		upsert := UpsertPath(d.Path(sessionID))
		if _, statErr := os.Stat(upsert); statErr == nil {
			return upsert, nil
		}
		return "", err
	}
	if upsert := UpsertPath(path); upsert != path {
		if _, err := os.Stat(upsert); err == nil {
			return upsert, nil
		}
	}
	return path, nil
}

// Remove best-effort deletes a session's snapshot and its upsert sibling,
// legacy names included. Deletion failures are logged, never fatal.
func (d *Dir) Remove(sessionID string) {
	prefixes := append([]string{filePrefix}, legacyPrefixes...)
	for _, prefix := range prefixes {
		path := filepath.Join(d.root, prefix+sessionID+".sql")
		for _, target := range []string{path, UpsertPath(path)} {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", target).Msg("Failed to delete snapshot file")
			}
		}
	}
}

// Digest returns the xxhash64 hex digest of a file's contents. Cheap enough
// to run on every transfer, strong enough to catch truncation in flight.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for digest: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to digest %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// DigestBytes returns the xxhash64 hex digest of in-memory content
func DigestBytes(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}
