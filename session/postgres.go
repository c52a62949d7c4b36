package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
)

const sessionsTable = "sync_sessions"

// PostgresStore persists sessions in the node's own database, so transfer
// state survives restarts and stays queryable by operators and peers.
type PostgresStore struct {
	db *goqu.Database
}

// NewPostgresStore wraps an open connection pool
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: goqu.New("postgres", db)}
}

// EnsureSchema creates the sessions table when missing
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sync_sessions (
    session_id          TEXT PRIMARY KEY,
    direction           TEXT NOT NULL,
    status              TEXT NOT NULL,
    phase               TEXT NOT NULL DEFAULT '',
    current_step        TEXT NOT NULL DEFAULT '',
    progress            INTEGER NOT NULL DEFAULT 0,
    total_records       BIGINT NOT NULL DEFAULT 0,
    transferred_records BIGINT NOT NULL DEFAULT 0,
    transferred_bytes   BIGINT NOT NULL DEFAULT 0,
    transfer_speed      DOUBLE PRECISION NOT NULL DEFAULT 0,
    error_message       TEXT,
    started_at          TIMESTAMPTZ NOT NULL,
    completed_at        TIMESTAMPTZ
)`
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create %s table: %w", sessionsTable, err)
	}
	return nil
}

type sessionRecord struct {
	SessionID          string         `db:"session_id"`
	Direction          string         `db:"direction"`
	Status             string         `db:"status"`
	Phase              string         `db:"phase"`
	CurrentStep        string         `db:"current_step"`
	Progress           int            `db:"progress"`
	TotalRecords       int64          `db:"total_records"`
	TransferredRecords int64          `db:"transferred_records"`
	TransferredBytes   int64          `db:"transferred_bytes"`
	TransferSpeed      float64        `db:"transfer_speed"`
	ErrorMessage       sql.NullString `db:"error_message"`
	StartedAt          time.Time      `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

func toRecord(s *SyncSession) sessionRecord {
	rec := sessionRecord{
		SessionID:          s.SessionID,
		Direction:          string(s.Direction),
		Status:             string(s.Status),
		Phase:              s.Phase,
		CurrentStep:        s.CurrentStep,
		Progress:           s.Progress,
		TotalRecords:       s.TotalRecords,
		TransferredRecords: s.TransferredRecords,
		TransferredBytes:   s.TransferredBytes,
		TransferSpeed:      s.TransferSpeed,
		StartedAt:          s.StartedAt,
	}
	if s.ErrorMessage != "" {
		rec.ErrorMessage = sql.NullString{String: s.ErrorMessage, Valid: true}
	}
	if s.CompletedAt != nil {
		rec.CompletedAt = sql.NullTime{Time: *s.CompletedAt, Valid: true}
	}
	return rec
}

func fromRecord(rec sessionRecord) *SyncSession {
	s := &SyncSession{
		SessionID:          rec.SessionID,
		Direction:          Direction(rec.Direction),
		Status:             Status(rec.Status),
		Phase:              rec.Phase,
		CurrentStep:        rec.CurrentStep,
		Progress:           rec.Progress,
		TotalRecords:       rec.TotalRecords,
		TransferredRecords: rec.TransferredRecords,
		TransferredBytes:   rec.TransferredBytes,
		TransferSpeed:      rec.TransferSpeed,
		StartedAt:          rec.StartedAt,
	}
	if rec.ErrorMessage.Valid {
		s.ErrorMessage = rec.ErrorMessage.String
	}
	if rec.CompletedAt.Valid {
		completed := rec.CompletedAt.Time
		s.CompletedAt = &completed
	}
	return s
}

func (p *PostgresStore) Create(ctx context.Context, s *SyncSession) error {
	_, err := p.db.Insert(sessionsTable).
		Rows(toRecord(s)).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", s.SessionID, err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, s *SyncSession) error {
	result, err := p.db.Update(sessionsTable).
		Set(toRecord(s)).
		Where(goqu.C("session_id").Eq(s.SessionID)).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", s.SessionID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, s.SessionID)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, sessionID string) (*SyncSession, error) {
	var rec sessionRecord
	found, err := p.db.From(sessionsTable).
		Where(goqu.C("session_id").Eq(sessionID)).
		ScanStructContext(ctx, &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return fromRecord(rec), nil
}
