package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/possync/possync/catalog"
	"github.com/possync/possync/cfg"
	"github.com/possync/possync/engine"
	"github.com/possync/possync/session"
	"github.com/possync/possync/snapshot"
	"github.com/possync/possync/telemetry"
	"github.com/possync/possync/transport"
)

func main() {
	flag.Parse()

	// Load configuration
	config, err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("node_id", config.NodeID).
		Logger()

	if config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Possync - POS Node Database Synchronization")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry(config.Prometheus.Enabled, config.NodeID)
	telemetry.InitMetrics()

	// Node database connection. The daemon stays up without one; transfers
	// that need it fail per session instead.
	var nodeDB *sql.DB
	if config.Database.URL != "" {
		nodeDB, err = sql.Open("pgx", config.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open database connection")
			return
		}
		defer nodeDB.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := nodeDB.PingContext(pingCtx); err != nil {
			log.Warn().Err(err).Msg("Database not reachable at startup")
		}
		cancel()
	} else {
		log.Warn().Msg("No database URL configured, restores will rely on external tooling")
	}

	// Session store: durable in the node database when available
	store := buildSessionStore(nodeDB)

	// Snapshot directory
	files, err := snapshot.NewDir(config.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare snapshot directory")
		return
	}

	// Export and restore tooling
	var native engine.NativeTool
	if params, err := config.ConnectionParams(); err == nil {
		native = snapshot.NewPGTool(params)
	} else {
		log.Warn().Err(err).Msg("Native dump and restore utilities are not configured")
	}

	var fallback snapshot.Tool
	if nodeDB != nil {
		fallback = snapshot.NewFallbackTool(nodeDB, func(ctx context.Context) (catalog.Catalog, error) {
			return catalog.Introspect(ctx, nodeDB)
		})
	}

	eng := engine.New(engine.Options{
		Config:   config,
		Store:    store,
		DB:       nodeDB,
		Files:    files,
		Native:   native,
		Fallback: fallback,
	})

	// One-shot transfer modes
	if *cfg.PushFlag || *cfg.PullFlag {
		runOneShot(eng, config)
		return
	}

	// Peer-facing HTTP server
	server := transport.NewServer(config, eng)
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
		return
	}
	defer server.Stop()

	log.Info().
		Str("node_id", config.NodeID).
		Int("http_port", config.HTTP.Port).
		Str("data_dir", config.DataDir).
		Msg("Node is operational")

	// Keep running
	select {}
}

// buildSessionStore prefers the durable store in the node database, falling
// back to process memory when no connection exists.
func buildSessionStore(nodeDB *sql.DB) session.Store {
	if nodeDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pg := session.NewPostgresStore(nodeDB)
		err := pg.EnsureSchema(ctx)
		if err == nil {
			return pg
		}
		log.Warn().Err(err).Msg("Could not prepare session table, sessions held in memory only")
	}
	return session.NewMemoryStore()
}

// runOneShot performs a single PUSH or PULL against the configured peer and
// exits with a conventional status code.
func runOneShot(eng *engine.Engine, config *cfg.Configuration) {
	peerURL := config.Sync.PeerURL
	if peerURL == "" {
		log.Fatal().Msg("One-shot transfer requires a peer URL (-peer or sync.peer_url)")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(config.Sync.HTTPTimeoutSeconds)*time.Second)
	defer cancel()

	var sess *session.SyncSession
	var err error
	if *cfg.PushFlag {
		sess, err = eng.Push(ctx, "", peerURL)
	} else {
		sess, err = eng.Pull(ctx, "", peerURL)
	}

	if err != nil {
		log.Error().Err(err).Msg("Transfer failed")
		os.Exit(1)
	}

	log.Info().
		Str("session_id", sess.SessionID).
		Int64("bytes", sess.TransferredBytes).
		Msg("Transfer completed")
}
