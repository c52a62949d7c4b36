package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/possync/possync/catalog"
	"github.com/possync/possync/telemetry"
	"github.com/rs/zerolog/log"
)

// CatalogFunc supplies the constraint catalog for ad hoc upsert retries
type CatalogFunc func(ctx context.Context) (catalog.Catalog, error)

// FallbackTool replays a script statement by statement through the live
// database connection. It is selected when the native binaries are absent.
// Individual statement failures are counted, never fatal; an INSERT that
// fails on a uniqueness violation gets one upsert-converted retry.
type FallbackTool struct {
	db        *sql.DB
	catalogFn CatalogFunc
}

// RestoreStats aggregates per-statement outcomes of a fallback restore
type RestoreStats struct {
	Succeeded int
	Failed    int
	Retried   int
}

// NewFallbackTool creates the in-process statement executor
func NewFallbackTool(db *sql.DB, catalogFn CatalogFunc) *FallbackTool {
	return &FallbackTool{db: db, catalogFn: catalogFn}
}

// Export is not supported; only the native utility can produce a dump
func (t *FallbackTool) Export(ctx context.Context, destPath string) error {
	return errors.New("fallback executor cannot export, pg_dump is required")
}

// Restore replays sqlPath through the live connection
func (t *FallbackTool) Restore(ctx context.Context, sqlPath string) error {
	_, err := t.RestoreWithStats(ctx, sqlPath)
	return err
}

// RestoreWithStats replays sqlPath and reports per-statement outcomes. The
// batch never aborts on a statement failure; only an unreadable script or an
// unavailable catalog is fatal.
func (t *FallbackTool) RestoreWithStats(ctx context.Context, sqlPath string) (RestoreStats, error) {
	var stats RestoreStats

	if t.db == nil {
		return stats, errors.New("fallback executor has no database connection")
	}

	raw, err := os.ReadFile(sqlPath)
	if err != nil {
		return stats, fmt.Errorf("failed to read restore script %s: %w", sqlPath, err)
	}

	var cat catalog.Catalog
	if t.catalogFn != nil {
		if cat, err = t.catalogFn(ctx); err != nil {
			return stats, fmt.Errorf("failed to load constraint catalog: %w", err)
		}
	}

	for _, stmt := range SplitStatements(string(raw)) {
		if _, execErr := t.db.ExecContext(ctx, stmt); execErr != nil {
			if isUniqueViolation(execErr) && isInsert(stmt) {
				if upsert, ok := RewriteStatement(stmt, cat); ok {
					if _, retryErr := t.db.ExecContext(ctx, upsert); retryErr == nil {
						stats.Retried++
						stats.Succeeded++
						telemetry.RestoreStatementsTotal.With("retried").Inc()
						continue
					}
				}
			}
			stats.Failed++
			telemetry.RestoreStatementsTotal.With("failed").Inc()
			log.Warn().
				Err(execErr).
				Str("statement", truncate(stmt, 120)).
				Msg("Statement failed during fallback restore")
			continue
		}
		stats.Succeeded++
		telemetry.RestoreStatementsTotal.With("succeeded").Inc()
	}

	log.Info().
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Int("retried", stats.Retried).
		Str("script", sqlPath).
		Msg("Fallback restore finished")

	return stats, nil
}

// isUniqueViolation matches SQLSTATE 23505 from the driver, with a textual
// check as a safety net for wrapped errors.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}

func isInsert(stmt string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "INSERT")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
