package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/possync/possync/session"
	"github.com/possync/possync/snapshot"
	"github.com/possync/possync/transport"
)

// The methods below are the receiving side of the protocol, driven by the
// HTTP layer on behalf of a remote peer.

// ReceiveBackup persists a pushed snapshot payload into the snapshot
// directory. An already-rewritten script keeps its upsert suffix so the
// restore step knows to skip the rewrite.
func (e *Engine) ReceiveBackup(ctx context.Context, req transport.ReceiveBackupRequest) error {
	content, err := transport.DecodePayload(req.BackupContent, req.ContentEncoding)
	if err != nil {
		return err
	}

	dest := e.receivedPath(req.SessionID, req.Filename)
	if err := os.WriteFile(dest, content, 0644); err != nil {
		return fmt.Errorf("failed to store received snapshot: %w", err)
	}

	log.Info().
		Str("session_id", req.SessionID).
		Str("source_node", req.SourceNodeID).
		Int("bytes", len(content)).
		Str("path", dest).
		Msg("Received snapshot from peer")
	return nil
}

// RestoreReceived restores a previously received snapshot by session ID,
// tracking the work in a local PULL-direction session record.
func (e *Engine) RestoreReceived(ctx context.Context, sessionID string) error {
	scriptPath, err := e.files.FindScript(sessionID)
	if err != nil {
		return err
	}

	// Local bookkeeping for the restore half of a peer-initiated PUSH. The
	// initiator owns the authoritative session; this record is for status
	// queries against this node.
	sess := session.New(sessionID, session.DirectionPull)
	sess.Status = session.StatusRestoring
	sess.Phase = session.PhaseRestore
	sess.CurrentStep = "Restoring received snapshot"
	sess.Progress = 75
	if err := e.store.Create(ctx, sess); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Could not record restore session")
	}

	if err := e.restoreScript(ctx, sessionID, scriptPath); err != nil {
		e.failSession(ctx, sess, err)
		return err
	}

	if err := sess.Transition(session.StatusCompleted); err == nil {
		sess.CurrentStep = "Restore completed"
		sess.Progress = 100
		if err := e.store.Update(ctx, sess); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Could not finalize restore session")
		}
	}
	e.files.Remove(sessionID)

	log.Info().Str("session_id", sessionID).Msg("Restored snapshot from peer")
	return nil
}

// ProduceSnapshot exports and upsert-rewrites a local snapshot on behalf of a
// pulling peer, returning its metadata. The bytes stay on disk until the peer
// downloads them.
func (e *Engine) ProduceSnapshot(ctx context.Context, sessionID string) (transport.InitiateBackupResponse, error) {
	dumpPath := e.files.Path(sessionID)
	if err := e.exportSnapshot(ctx, dumpPath); err != nil {
		return transport.InitiateBackupResponse{}, err
	}

	cat, err := e.loadCatalog(ctx)
	if err != nil {
		return transport.InitiateBackupResponse{}, err
	}
	scriptPath, err := snapshot.RewriteAsUpsert(dumpPath, cat)
	if err != nil {
		return transport.InitiateBackupResponse{}, err
	}

	info, err := os.Stat(scriptPath)
	if err != nil {
		return transport.InitiateBackupResponse{}, fmt.Errorf("failed to stat produced snapshot: %w", err)
	}
	checksum, err := snapshot.Digest(scriptPath)
	if err != nil {
		return transport.InitiateBackupResponse{}, err
	}

	log.Info().
		Str("session_id", sessionID).
		Int64("bytes", info.Size()).
		Msg("Produced snapshot for pulling peer")

	return transport.InitiateBackupResponse{
		Size:     info.Size(),
		Filename: filepath.Base(scriptPath),
		Checksum: checksum,
	}, nil
}

// ReadSnapshot loads a produced snapshot from disk and encodes it for the
// wire.
func (e *Engine) ReadSnapshot(sessionID string) (transport.DownloadBackupResponse, error) {
	scriptPath, err := e.files.FindScript(sessionID)
	if err != nil {
		return transport.DownloadBackupResponse{}, err
	}

	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return transport.DownloadBackupResponse{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	payload, encoding, err := transport.EncodePayload(content, e.config.Sync.GzipWire)
	if err != nil {
		return transport.DownloadBackupResponse{}, err
	}

	return transport.DownloadBackupResponse{
		Success:         true,
		BackupContent:   payload,
		Filename:        filepath.Base(scriptPath),
		Size:            int64(len(content)),
		Checksum:        snapshot.DigestBytes(content),
		ContentEncoding: encoding,
	}, nil
}

// SessionStatus returns a session's persisted state
func (e *Engine) SessionStatus(ctx context.Context, sessionID string) (*session.SyncSession, error) {
	return e.store.Get(ctx, sessionID)
}
