// Package engine drives PUSH and PULL transfer sessions end to end: snapshot
// production, upsert rewriting, peer transfer, restore, and session state.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/possync/possync/catalog"
	"github.com/possync/possync/cfg"
	"github.com/possync/possync/notify"
	"github.com/possync/possync/session"
	"github.com/possync/possync/snapshot"
	"github.com/possync/possync/telemetry"
	"github.com/possync/possync/transport"
)

// NativeTool is the bulk export/load utility surface with availability probing
type NativeTool interface {
	snapshot.Tool
	Available() bool
}

// PeerClient is the subset of the transport client the engine drives
type PeerClient interface {
	PushBackup(ctx context.Context, req transport.ReceiveBackupRequest) error
	RestoreBackup(ctx context.Context, sessionID string) (*transport.RestoreBackupResponse, error)
	InitiateBackup(ctx context.Context, sessionID string) (*transport.InitiateBackupResponse, error)
	DownloadBackup(ctx context.Context, sessionID string) (*transport.DownloadBackupResponse, error)
}

// Options wires the engine's collaborators
type Options struct {
	Config    *cfg.Configuration
	Store     session.Store
	DB        *sql.DB // may be nil when the node database is unreachable
	Files     *snapshot.Dir
	Native    NativeTool
	Fallback  snapshot.Tool
	NewClient func(peerURL string) PeerClient
}

// Engine is the transfer session orchestrator. It is the single writer of
// session state; every component error bubbles up here and is resolved into
// a FAILED session plus best-effort snapshot cleanup.
type Engine struct {
	config    *cfg.Configuration
	store     session.Store
	db        *sql.DB
	files     *snapshot.Dir
	native    NativeTool
	fallback  snapshot.Tool
	newClient func(peerURL string) PeerClient
	events    *notify.Hub

	// active guards against the same session ID running twice on this node.
	// Distinct sessions still run concurrently without coordination.
	active *xsync.MapOf[string, *session.SyncSession]
}

// New creates an engine from its wired collaborators
func New(opts Options) *Engine {
	e := &Engine{
		config:    opts.Config,
		store:     opts.Store,
		db:        opts.DB,
		files:     opts.Files,
		native:    opts.Native,
		fallback:  opts.Fallback,
		newClient: opts.NewClient,
		events:    notify.NewHub(),
		active:    xsync.NewMapOf[string, *session.SyncSession](),
	}
	if e.newClient == nil {
		e.newClient = func(peerURL string) PeerClient {
			return transport.NewClient(opts.Config, peerURL)
		}
	}
	return e
}

// Events is the hub broadcasting session state changes
func (e *Engine) Events() *notify.Hub {
	return e.events
}

// Push snapshots the local database and ships it to the peer for restore
func (e *Engine) Push(ctx context.Context, sessionID, peerURL string) (*session.SyncSession, error) {
	return e.run(ctx, sessionID, session.DirectionPush, peerURL, e.runPush)
}

// Pull asks the peer for its snapshot and restores it locally
func (e *Engine) Pull(ctx context.Context, sessionID, peerURL string) (*session.SyncSession, error) {
	return e.run(ctx, sessionID, session.DirectionPull, peerURL, e.runPull)
}

func (e *Engine) run(ctx context.Context, sessionID string, direction session.Direction, peerURL string,
	sequence func(ctx context.Context, sess *session.SyncSession, peerURL string) error) (*session.SyncSession, error) {

	sess := session.New(sessionID, direction)
	if _, loaded := e.active.LoadOrStore(sess.SessionID, sess); loaded {
		return nil, fmt.Errorf("session %s is already in flight", sess.SessionID)
	}
	defer e.active.Delete(sess.SessionID)

	telemetry.ActiveSessions.Inc()
	defer telemetry.ActiveSessions.Dec()

	if err := e.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session record: %w", err)
	}

	log.Info().
		Str("session_id", sess.SessionID).
		Str("direction", string(direction)).
		Str("peer", peerURL).
		Msg("Transfer session started")

	if err := sequence(ctx, sess, peerURL); err != nil {
		e.failSession(ctx, sess, err)
		return sess, err
	}

	telemetry.SyncSessionsTotal.With(strings.ToLower(string(direction)), "completed").Inc()
	return sess, nil
}

// runPush implements the PUSH sequence: produce, rewrite, ship, remote
// restore, complete.
func (e *Engine) runPush(ctx context.Context, sess *session.SyncSession, peerURL string) error {
	// Phase 1: local snapshot
	if err := e.checkpoint(ctx, sess, session.StatusPreparing, session.PhaseBackup, "Producing local snapshot", 0); err != nil {
		return err
	}

	backupStart := time.Now()
	dumpPath := e.files.Path(sess.SessionID)
	if err := e.exportSnapshot(ctx, dumpPath); err != nil {
		return err
	}

	cat, err := e.loadCatalog(ctx)
	if err != nil {
		return err
	}
	scriptPath, err := snapshot.RewriteAsUpsert(dumpPath, cat)
	if err != nil {
		return err
	}
	telemetry.SyncPhaseDurationSeconds.With(session.PhaseBackup).Observe(time.Since(backupStart).Seconds())

	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read upsert script: %w", err)
	}
	size := int64(len(content))
	sess.TotalRecords = size

	// Phase 2: transfer
	if err := e.checkpoint(ctx, sess, session.StatusTransferring, session.PhaseTransfer, "Sending snapshot to peer", 25); err != nil {
		return err
	}

	payload, encoding, err := transport.EncodePayload(content, e.config.Sync.GzipWire)
	if err != nil {
		return err
	}

	client := e.newClient(peerURL)
	transferStart := time.Now()
	err = client.PushBackup(ctx, transport.ReceiveBackupRequest{
		SessionID:       sess.SessionID,
		SourceNodeID:    e.config.NodeID,
		BackupContent:   payload,
		Filename:        filepath.Base(scriptPath),
		ContentEncoding: encoding,
	})
	if err != nil {
		return fmt.Errorf("failed to push snapshot to peer: %w", err)
	}
	elapsed := time.Since(transferStart)

	sess.TransferredRecords = size
	sess.TransferredBytes = size
	sess.TransferSpeed = speed(size, elapsed)
	telemetry.SyncPhaseDurationSeconds.With(session.PhaseTransfer).Observe(elapsed.Seconds())
	telemetry.SyncTransferredBytesTotal.Add(float64(size))
	telemetry.SyncTransferSpeed.Set(sess.TransferSpeed)

	// Phase 3: remote restore
	if err := e.checkpoint(ctx, sess, session.StatusRestoring, session.PhaseRestore, "Peer restoring snapshot", 75); err != nil {
		return err
	}

	restoreStart := time.Now()
	resp, err := client.RestoreBackup(ctx, sess.SessionID)
	if err != nil {
		return fmt.Errorf("peer restore failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("peer restore failed: %s", resp.Message)
	}
	telemetry.SyncPhaseDurationSeconds.With(session.PhaseRestore).Observe(time.Since(restoreStart).Seconds())

	// Phase 4: complete
	return e.complete(ctx, sess)
}

// runPull implements the PULL sequence: remote produce, download, persist,
// local restore, complete. The downloaded payload is written to the session's
// snapshot path before the restore runs.
func (e *Engine) runPull(ctx context.Context, sess *session.SyncSession, peerURL string) error {
	// Phase 1: ask the peer to produce a snapshot
	if err := e.checkpoint(ctx, sess, session.StatusPreparing, session.PhaseBackup, "Requesting snapshot from peer", 0); err != nil {
		return err
	}

	client := e.newClient(peerURL)
	backupStart := time.Now()
	info, err := client.InitiateBackup(ctx, sess.SessionID)
	if err != nil {
		return fmt.Errorf("failed to initiate backup on peer: %w", err)
	}
	sess.TotalRecords = info.Size
	telemetry.SyncPhaseDurationSeconds.With(session.PhaseBackup).Observe(time.Since(backupStart).Seconds())

	// Phase 2: download the snapshot bytes
	if err := e.checkpoint(ctx, sess, session.StatusTransferring, session.PhaseTransfer, "Downloading snapshot from peer", 25); err != nil {
		return err
	}

	transferStart := time.Now()
	download, err := client.DownloadBackup(ctx, sess.SessionID)
	if err != nil {
		return fmt.Errorf("failed to download snapshot: %w", err)
	}
	elapsed := time.Since(transferStart)

	content, err := transport.DecodePayload(download.BackupContent, download.ContentEncoding)
	if err != nil {
		return err
	}
	if download.Checksum != "" {
		if actual := snapshot.DigestBytes(content); actual != download.Checksum {
			return fmt.Errorf("snapshot checksum mismatch: expected %s, got %s", download.Checksum, actual)
		}
	}

	scriptPath := e.receivedPath(sess.SessionID, download.Filename)
	if err := os.WriteFile(scriptPath, content, 0644); err != nil {
		return fmt.Errorf("failed to persist downloaded snapshot: %w", err)
	}

	size := int64(len(content))
	sess.TransferredRecords = size
	sess.TransferredBytes = size
	sess.TransferSpeed = speed(size, elapsed)
	telemetry.SyncPhaseDurationSeconds.With(session.PhaseTransfer).Observe(elapsed.Seconds())
	telemetry.SyncTransferredBytesTotal.Add(float64(size))
	telemetry.SyncTransferSpeed.Set(sess.TransferSpeed)

	// Phase 3: local restore
	if err := e.checkpoint(ctx, sess, session.StatusRestoring, session.PhaseRestore, "Restoring snapshot locally", 75); err != nil {
		return err
	}

	restoreStart := time.Now()
	if err := e.restoreScript(ctx, sess.SessionID, scriptPath); err != nil {
		return err
	}
	telemetry.SyncPhaseDurationSeconds.With(session.PhaseRestore).Observe(time.Since(restoreStart).Seconds())

	// Phase 4: complete
	return e.complete(ctx, sess)
}

// complete finalizes a successful session and deletes its snapshot files
func (e *Engine) complete(ctx context.Context, sess *session.SyncSession) error {
	if err := e.checkpoint(ctx, sess, session.StatusCompleted, sess.Phase, "Transfer completed", 100); err != nil {
		return err
	}
	e.files.Remove(sess.SessionID)

	log.Info().
		Str("session_id", sess.SessionID).
		Int64("bytes", sess.TransferredBytes).
		Float64("speed_bps", sess.TransferSpeed).
		Msg("Transfer session completed")
	return nil
}

// checkpoint advances the state machine and persists the progress snapshot
func (e *Engine) checkpoint(ctx context.Context, sess *session.SyncSession, status session.Status, phase, step string, progress int) error {
	if sess.Status != status {
		if err := sess.Transition(status); err != nil {
			return err
		}
	}
	sess.Phase = phase
	sess.CurrentStep = step
	sess.Progress = progress

	if err := e.store.Update(ctx, sess); err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}
	e.events.Signal(notify.Event{
		SessionID: sess.SessionID,
		Status:    string(sess.Status),
		Phase:     sess.Phase,
		Progress:  sess.Progress,
	})

	log.Debug().
		Str("session_id", sess.SessionID).
		Str("status", string(status)).
		Str("phase", phase).
		Int("progress", progress).
		Msg(step)
	return nil
}

// failSession is the single place a session transitions to FAILED. Cleanup is
// best-effort; the original error is what callers see.
func (e *Engine) failSession(ctx context.Context, sess *session.SyncSession, cause error) {
	sess.Fail(cause)
	if err := e.store.Update(ctx, sess); err != nil {
		log.Error().Err(err).Str("session_id", sess.SessionID).Msg("Failed to persist FAILED session state")
	}
	e.files.Remove(sess.SessionID)
	e.events.Signal(notify.Event{
		SessionID: sess.SessionID,
		Status:    string(sess.Status),
		Phase:     sess.Phase,
		Progress:  sess.Progress,
	})

	telemetry.SyncSessionsTotal.With(strings.ToLower(string(sess.Direction)), "failed").Inc()
	log.Error().
		Err(cause).
		Str("session_id", sess.SessionID).
		Str("direction", string(sess.Direction)).
		Msg("Transfer session failed")
}

// exportSnapshot produces a dump via the native utility; export has no
// in-process fallback.
func (e *Engine) exportSnapshot(ctx context.Context, destPath string) error {
	if e.native == nil || !e.native.Available() {
		return fmt.Errorf("pg_dump is not available on this node")
	}
	return e.native.Export(ctx, destPath)
}

// restoreTool picks the native utility when available, else the in-process
// fallback executor. Probed at call time, not at startup.
func (e *Engine) restoreTool() (snapshot.Tool, error) {
	if e.native != nil && e.native.Available() {
		return e.native, nil
	}
	if e.fallback != nil {
		log.Warn().Msg("Native restore utility unavailable, using statement-by-statement fallback")
		return e.fallback, nil
	}
	return nil, fmt.Errorf("no restore path available: psql missing and no database connection")
}

// restoreScript restores a script, upsert-rewriting it first when it is a raw
// dump rather than an already-rewritten one.
func (e *Engine) restoreScript(ctx context.Context, sessionID, scriptPath string) error {
	if !strings.HasSuffix(scriptPath, "-upsert.sql") {
		cat, err := e.loadCatalog(ctx)
		if err != nil {
			return err
		}
		rewritten, err := snapshot.RewriteAsUpsert(scriptPath, cat)
		if err != nil {
			return err
		}
		scriptPath = rewritten
	}

	tool, err := e.restoreTool()
	if err != nil {
		return err
	}
	if err := tool.Restore(ctx, scriptPath); err != nil {
		return fmt.Errorf("restore of session %s failed: %w", sessionID, err)
	}
	return nil
}

// loadCatalog prefers live introspection, falling back to the schema file
// when no database connection exists.
func (e *Engine) loadCatalog(ctx context.Context) (catalog.Catalog, error) {
	if e.db != nil {
		cat, err := catalog.Introspect(ctx, e.db)
		if err == nil {
			return cat, nil
		}
		log.Warn().Err(err).Msg("Catalog introspection failed, trying schema file")
	}
	if path := e.config.Database.SchemaPath; path != "" {
		return catalog.ReadSchemaFile(path)
	}
	return nil, fmt.Errorf("no constraint catalog source: database unreachable and no schema file configured")
}

// receivedPath maps an incoming filename onto this node's snapshot layout,
// preserving whether it is a raw dump or an upsert script.
func (e *Engine) receivedPath(sessionID, filename string) string {
	base := e.files.Path(sessionID)
	if strings.HasSuffix(filename, "-upsert.sql") {
		return snapshot.UpsertPath(base)
	}
	return base
}

func speed(bytes int64, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 0.001
	}
	return float64(bytes) / seconds
}
