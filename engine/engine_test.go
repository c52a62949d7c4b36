package engine

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/possync/possync/cfg"
	"github.com/possync/possync/notify"
	"github.com/possync/possync/session"
	"github.com/possync/possync/snapshot"
	"github.com/possync/possync/transport"
)

const testDump = `SET client_encoding = 'UTF8';
INSERT INTO orders (id, reference, total) VALUES (1, 'A-100', 10);
INSERT INTO orders (id, reference, total) VALUES (2, 'A-101', 20);
`

const testSchema = `model orders {
  id        Int    @id
  reference String @unique
  total     Float
}
`

// fakeTool scripts export and restore behavior
type fakeTool struct {
	available   bool
	exportErr   error
	restoreErr  error
	exported    []string
	restored    []string
	restoredSQL []string
	exportBlock chan struct{}
}

func (f *fakeTool) Available() bool { return f.available }

func (f *fakeTool) Export(_ context.Context, destPath string) error {
	if f.exportBlock != nil {
		<-f.exportBlock
	}
	if f.exportErr != nil {
		return f.exportErr
	}
	f.exported = append(f.exported, destPath)
	return os.WriteFile(destPath, []byte(testDump), 0644)
}

func (f *fakeTool) Restore(_ context.Context, sqlPath string) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = append(f.restored, sqlPath)
	content, err := os.ReadFile(sqlPath)
	if err != nil {
		return err
	}
	f.restoredSQL = append(f.restoredSQL, string(content))
	return nil
}

// fakePeer scripts the remote side of a transfer
type fakePeer struct {
	pushed     []transport.ReceiveBackupRequest
	restoreErr error
	download   *transport.DownloadBackupResponse
	initErr    error
}

func (f *fakePeer) PushBackup(_ context.Context, req transport.ReceiveBackupRequest) error {
	f.pushed = append(f.pushed, req)
	return nil
}

func (f *fakePeer) RestoreBackup(_ context.Context, sessionID string) (*transport.RestoreBackupResponse, error) {
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return &transport.RestoreBackupResponse{Success: true, SessionID: sessionID}, nil
}

func (f *fakePeer) InitiateBackup(_ context.Context, _ string) (*transport.InitiateBackupResponse, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	if f.download == nil {
		return nil, errors.New("no download scripted")
	}
	return &transport.InitiateBackupResponse{
		Size:     f.download.Size,
		Filename: f.download.Filename,
		Checksum: f.download.Checksum,
	}, nil
}

func (f *fakePeer) DownloadBackup(_ context.Context, _ string) (*transport.DownloadBackupResponse, error) {
	if f.download == nil {
		return nil, errors.New("no download scripted")
	}
	return f.download, nil
}

type testRig struct {
	engine *Engine
	store  session.Store
	files  *snapshot.Dir
	tool   *fakeTool
	peer   *fakePeer
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()

	schemaPath := filepath.Join(dir, "schema.prisma")
	require.NoError(t, os.WriteFile(schemaPath, []byte(testSchema), 0644))

	config := cfg.Default()
	config.NodeID = "node-test"
	config.DataDir = filepath.Join(dir, "data")
	config.Database.SchemaPath = schemaPath
	config.Sync.Secret = "s3cret"

	files, err := snapshot.NewDir(config.DataDir)
	require.NoError(t, err)

	tool := &fakeTool{available: true}
	peer := &fakePeer{}
	store := session.NewMemoryStore()

	eng := New(Options{
		Config:   config,
		Store:    store,
		Files:    files,
		Native:   tool,
		Fallback: nil,
		NewClient: func(string) PeerClient {
			return peer
		},
	})

	return &testRig{engine: eng, store: store, files: files, tool: tool, peer: peer}
}

func downloadFor(content []byte, filename string) *transport.DownloadBackupResponse {
	payload, encoding, _ := transport.EncodePayload(content, false)
	return &transport.DownloadBackupResponse{
		Success:         true,
		BackupContent:   payload,
		Filename:        filename,
		Size:            int64(len(content)),
		Checksum:        snapshot.DigestBytes(content),
		ContentEncoding: encoding,
	}
}

func TestPush_CompletesAndCleansUp(t *testing.T) {
	rig := newTestRig(t)

	sess, err := rig.engine.Push(context.Background(), "push-1", "http://peer:8090")
	require.NoError(t, err)

	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, 100, sess.Progress)
	assert.NotNil(t, sess.CompletedAt)
	assert.Greater(t, sess.TransferredBytes, int64(0))
	assert.Greater(t, sess.TransferSpeed, 0.0)

	// The peer got the rewritten script, not the raw dump
	require.Len(t, rig.peer.pushed, 1)
	pushed := rig.peer.pushed[0]
	assert.Equal(t, "push-1", pushed.SessionID)
	assert.Equal(t, "node-test", pushed.SourceNodeID)
	assert.True(t, strings.HasSuffix(pushed.Filename, "-upsert.sql"))

	content, err := transport.DecodePayload(pushed.BackupContent, pushed.ContentEncoding)
	require.NoError(t, err)
	assert.Contains(t, string(content), "ON CONFLICT (reference) DO UPDATE SET")
	assert.Equal(t, int64(len(content)), sess.TransferredBytes)

	// Snapshot files are gone after completion
	_, err = rig.files.Find("push-1")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	stored, err := rig.store.Get(context.Background(), "push-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, stored.Status)
}

func TestPush_ExportFailureFailsSession(t *testing.T) {
	rig := newTestRig(t)
	rig.tool.exportErr = errors.New("pg_dump exploded")

	sess, err := rig.engine.Push(context.Background(), "push-2", "http://peer:8090")
	require.Error(t, err)

	assert.Equal(t, session.StatusFailed, sess.Status)
	assert.Contains(t, sess.ErrorMessage, "pg_dump exploded")
	assert.NotNil(t, sess.CompletedAt)

	stored, storeErr := rig.store.Get(context.Background(), "push-2")
	require.NoError(t, storeErr)
	assert.Equal(t, session.StatusFailed, stored.Status)
}

func TestPush_PeerRestoreFailureFailsSession(t *testing.T) {
	rig := newTestRig(t)
	rig.peer.restoreErr = errors.New("restore rejected")

	sess, err := rig.engine.Push(context.Background(), "push-3", "http://peer:8090")
	require.Error(t, err)

	assert.Equal(t, session.StatusFailed, sess.Status)
	assert.Contains(t, sess.ErrorMessage, "restore rejected")

	// Cleanup happens on failure too
	_, findErr := rig.files.Find("push-3")
	assert.ErrorIs(t, findErr, snapshot.ErrNotFound)
}

func TestPush_NativeToolUnavailable(t *testing.T) {
	rig := newTestRig(t)
	rig.tool.available = false

	sess, err := rig.engine.Push(context.Background(), "push-4", "http://peer:8090")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pg_dump is not available")
	assert.Equal(t, session.StatusFailed, sess.Status)
}

func TestPush_GeneratesSessionID(t *testing.T) {
	rig := newTestRig(t)

	sess, err := rig.engine.Push(context.Background(), "", "http://peer:8090")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SessionID)
}

func TestPush_DuplicateSessionRejected(t *testing.T) {
	rig := newTestRig(t)
	rig.tool.exportBlock = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := rig.engine.Push(context.Background(), "dup-1", "http://peer:8090")
		done <- err
	}()

	// Wait until the first run holds the session slot
	require.Eventually(t, func() bool {
		_, held := rig.engine.active.Load("dup-1")
		return held
	}, 2*time.Second, 5*time.Millisecond)

	_, err := rig.engine.Push(context.Background(), "dup-1", "http://peer:8090")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in flight")

	close(rig.tool.exportBlock)
	require.NoError(t, <-done)
}

func TestPull_DownloadsPersistsAndRestores(t *testing.T) {
	rig := newTestRig(t)
	script := []byte("INSERT INTO orders (id, reference) VALUES (1, 'A-100') ON CONFLICT (reference) DO UPDATE SET id = EXCLUDED.id;\n")
	rig.peer.download = downloadFor(script, "full-sync-pull-1-upsert.sql")

	sess, err := rig.engine.Pull(context.Background(), "pull-1", "http://peer:8090")
	require.NoError(t, err)

	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, int64(len(script)), sess.TransferredBytes)

	// The exact downloaded bytes were what got restored
	require.Len(t, rig.tool.restoredSQL, 1)
	assert.Equal(t, string(script), rig.tool.restoredSQL[0])
	assert.True(t, strings.HasSuffix(rig.tool.restored[0], "-upsert.sql"))
}

func TestPull_RawDumpIsRewrittenBeforeRestore(t *testing.T) {
	rig := newTestRig(t)
	rig.peer.download = downloadFor([]byte(testDump), "full-sync-pull-2.sql")

	_, err := rig.engine.Pull(context.Background(), "pull-2", "http://peer:8090")
	require.NoError(t, err)

	require.Len(t, rig.tool.restoredSQL, 1)
	assert.Contains(t, rig.tool.restoredSQL[0], "ON CONFLICT (reference) DO UPDATE SET")
	assert.NotContains(t, rig.tool.restoredSQL[0], "SET client_encoding")
}

func TestPull_ChecksumMismatchFailsSession(t *testing.T) {
	rig := newTestRig(t)
	download := downloadFor([]byte(testDump), "full-sync-pull-3-upsert.sql")
	download.Checksum = "0000000000000000"
	rig.peer.download = download

	sess, err := rig.engine.Pull(context.Background(), "pull-3", "http://peer:8090")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.Equal(t, session.StatusFailed, sess.Status)
	assert.Empty(t, rig.tool.restored)
}

func TestPull_InitiateFailureFailsSession(t *testing.T) {
	rig := newTestRig(t)
	rig.peer.initErr = errors.New("peer cannot export")

	sess, err := rig.engine.Pull(context.Background(), "pull-4", "http://peer:8090")
	require.Error(t, err)
	assert.Equal(t, session.StatusFailed, sess.Status)
	assert.Contains(t, sess.ErrorMessage, "peer cannot export")
}

func TestReceiveBackup_StoresRawDump(t *testing.T) {
	rig := newTestRig(t)
	payload, encoding, err := transport.EncodePayload([]byte(testDump), false)
	require.NoError(t, err)

	err = rig.engine.ReceiveBackup(context.Background(), transport.ReceiveBackupRequest{
		SessionID:       "recv-1",
		SourceNodeID:    "node-peer",
		BackupContent:   payload,
		Filename:        "full-sync-recv-1.sql",
		ContentEncoding: encoding,
	})
	require.NoError(t, err)

	content, err := os.ReadFile(rig.files.Path("recv-1"))
	require.NoError(t, err)
	assert.Equal(t, testDump, string(content))
}

func TestReceiveBackup_KeepsUpsertSuffix(t *testing.T) {
	rig := newTestRig(t)
	payload, _, err := transport.EncodePayload([]byte("INSERT INTO orders (id) VALUES (1) ON CONFLICT (id) DO NOTHING;\n"), false)
	require.NoError(t, err)

	err = rig.engine.ReceiveBackup(context.Background(), transport.ReceiveBackupRequest{
		SessionID:     "recv-2",
		BackupContent: payload,
		Filename:      "full-sync-recv-2-upsert.sql",
	})
	require.NoError(t, err)

	_, err = os.Stat(snapshot.UpsertPath(rig.files.Path("recv-2")))
	assert.NoError(t, err)
}

func TestReceiveBackup_GzipPayload(t *testing.T) {
	rig := newTestRig(t)
	payload, encoding, err := transport.EncodePayload([]byte(testDump), true)
	require.NoError(t, err)

	err = rig.engine.ReceiveBackup(context.Background(), transport.ReceiveBackupRequest{
		SessionID:       "recv-3",
		BackupContent:   payload,
		Filename:        "full-sync-recv-3.sql",
		ContentEncoding: encoding,
	})
	require.NoError(t, err)

	content, err := os.ReadFile(rig.files.Path("recv-3"))
	require.NoError(t, err)
	assert.Equal(t, testDump, string(content))
}

func TestRestoreReceived_RewritesRawDumpFirst(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, os.WriteFile(rig.files.Path("rest-1"), []byte(testDump), 0644))

	err := rig.engine.RestoreReceived(context.Background(), "rest-1")
	require.NoError(t, err)

	require.Len(t, rig.tool.restoredSQL, 1)
	assert.Contains(t, rig.tool.restoredSQL[0], "ON CONFLICT (reference) DO UPDATE SET")

	sess, err := rig.store.Get(context.Background(), "rest-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, 100, sess.Progress)

	// Files cleaned up after restore
	_, err = rig.files.Find("rest-1")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestRestoreReceived_UsesExistingUpsertScript(t *testing.T) {
	rig := newTestRig(t)
	script := "INSERT INTO orders (id) VALUES (1) ON CONFLICT (id) DO NOTHING;\n"
	path := snapshot.UpsertPath(rig.files.Path("rest-2"))
	require.NoError(t, os.WriteFile(path, []byte(script), 0644))

	err := rig.engine.RestoreReceived(context.Background(), "rest-2")
	require.NoError(t, err)

	require.Len(t, rig.tool.restoredSQL, 1)
	assert.Equal(t, script, rig.tool.restoredSQL[0])
}

func TestRestoreReceived_MissingSnapshot(t *testing.T) {
	rig := newTestRig(t)

	err := rig.engine.RestoreReceived(context.Background(), "missing")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestRestoreReceived_FailureMarksSessionFailed(t *testing.T) {
	rig := newTestRig(t)
	rig.tool.restoreErr = errors.New("psql broke")
	require.NoError(t, os.WriteFile(rig.files.Path("rest-3"), []byte(testDump), 0644))

	err := rig.engine.RestoreReceived(context.Background(), "rest-3")
	require.Error(t, err)

	sess, getErr := rig.store.Get(context.Background(), "rest-3")
	require.NoError(t, getErr)
	assert.Equal(t, session.StatusFailed, sess.Status)
	assert.Contains(t, sess.ErrorMessage, "psql broke")
}

func TestProduceSnapshot_ReturnsMetadata(t *testing.T) {
	rig := newTestRig(t)

	info, err := rig.engine.ProduceSnapshot(context.Background(), "prod-1")
	require.NoError(t, err)

	assert.Equal(t, "full-sync-prod-1-upsert.sql", info.Filename)
	assert.Greater(t, info.Size, int64(0))
	assert.Len(t, info.Checksum, 16)
}

func TestProduceThenReadSnapshotRoundTrip(t *testing.T) {
	rig := newTestRig(t)

	info, err := rig.engine.ProduceSnapshot(context.Background(), "prod-2")
	require.NoError(t, err)

	download, err := rig.engine.ReadSnapshot("prod-2")
	require.NoError(t, err)
	assert.True(t, download.Success)
	assert.Equal(t, info.Filename, download.Filename)
	assert.Equal(t, info.Size, download.Size)
	assert.Equal(t, info.Checksum, download.Checksum)

	content, err := transport.DecodePayload(download.BackupContent, download.ContentEncoding)
	require.NoError(t, err)
	assert.Contains(t, string(content), "ON CONFLICT (reference) DO UPDATE SET")
}

func TestReadSnapshot_MissingSession(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.engine.ReadSnapshot("missing")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestSessionStatus_UnknownSession(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.engine.SessionStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestPush_EmitsProgressEvents(t *testing.T) {
	rig := newTestRig(t)

	events, cancel := rig.engine.Events().Subscribe(notify.Filter{SessionIDs: []string{"ev-1"}})
	defer cancel()

	_, err := rig.engine.Push(context.Background(), "ev-1", "http://peer:8090")
	require.NoError(t, err)

	var progress []int
	for len(progress) < 4 {
		select {
		case ev := <-events:
			progress = append(progress, ev.Progress)
		case <-time.After(time.Second):
			t.Fatalf("timeout after %d events", len(progress))
		}
	}
	assert.Equal(t, []int{0, 25, 75, 100}, progress)
}

func TestTwoNodeTransferOverHTTP(t *testing.T) {
	// Two engines wired through the real transport layer: the initiator
	// pushes to the receiver's HTTP endpoints end to end.
	receiver := newTestRig(t)
	receiverServer := transport.NewServer(receiver.engine.config, receiver.engine)
	httpServer := httptest.NewServer(receiverServer.Handler())
	defer httpServer.Close()

	initiator := newTestRig(t)
	initiator.engine.newClient = func(peerURL string) PeerClient {
		return transport.NewClient(initiator.engine.config, peerURL)
	}

	sess, err := initiator.engine.Push(context.Background(), "e2e-1", httpServer.URL)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)

	// The receiver restored the rewritten script
	require.Len(t, receiver.tool.restoredSQL, 1)
	assert.Contains(t, receiver.tool.restoredSQL[0], "ON CONFLICT (reference) DO UPDATE SET")

	received, err := receiver.store.Get(context.Background(), "e2e-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, received.Status)
}
