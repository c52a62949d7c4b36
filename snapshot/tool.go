package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/possync/possync/cfg"
	"github.com/rs/zerolog/log"
)

// Tool abstracts the database bulk export and load utilities, so the native
// binaries and the in-process fallback executor are two variants of one
// interface selected at call time.
type Tool interface {
	Export(ctx context.Context, destPath string) error
	Restore(ctx context.Context, sqlPath string) error
}

// PGTool drives the native pg_dump and psql binaries as child processes
type PGTool struct {
	params cfg.ConnectionParams
}

// NewPGTool creates a tool bound to the given connection parameters
func NewPGTool(params cfg.ConnectionParams) *PGTool {
	return &PGTool{params: params}
}

// Available reports whether both native binaries can be found on PATH
func (t *PGTool) Available() bool {
	_, dumpErr := exec.LookPath("pg_dump")
	_, psqlErr := exec.LookPath("psql")
	return dumpErr == nil && psqlErr == nil
}

// Export writes a data-only dump of the database to destPath. The dump
// carries literal row inserts and no DDL, ownership or privilege statements.
func (t *PGTool) Export(ctx context.Context, destPath string) error {
	args := append(t.connectionArgs(),
		"--data-only",
		"--inserts",
		"--no-owner",
		"--no-privileges",
		"-f", destPath,
	)

	cmd := exec.CommandContext(ctx, "pg_dump", args...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+t.params.Password)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pg_dump failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	log.Debug().Str("dest", destPath).Msg("Snapshot exported")
	return nil
}

// Restore replays a SQL script through psql, continuing past individual
// statement errors. psql writes non-fatal notices to stderr, so the run is
// treated as successful when the exit code is zero or no ERROR marker
// appears in the captured output.
func (t *PGTool) Restore(ctx context.Context, sqlPath string) error {
	args := append(t.connectionArgs(),
		"-v", "ON_ERROR_STOP=0",
		"-f", sqlPath,
	)

	cmd := exec.CommandContext(ctx, "psql", args...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+t.params.Password)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	captured := strings.TrimSpace(stderr.String())

	if err != nil && strings.Contains(captured, "ERROR") {
		return fmt.Errorf("psql restore failed: %w: %s", err, firstLine(captured))
	}
	if err != nil {
		log.Warn().Err(err).Msg("psql exited non-zero without ERROR output, treating restore as successful")
	}

	log.Debug().Str("script", sqlPath).Msg("Snapshot restored via psql")
	return nil
}

func (t *PGTool) connectionArgs() []string {
	return []string{
		"-h", t.params.Host,
		"-p", t.params.Port,
		"-U", t.params.User,
		"-d", t.params.Database,
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
