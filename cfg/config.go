package cfg

import (
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// Environment overrides. The original deployment fed these through the
// process environment, so they take precedence over the config file.
const (
	EnvDatabaseURL = "POSSYNC_DATABASE_URL"
	EnvSyncSecret  = "POSSYNC_SYNC_SECRET"
)

var (
	// ErrMissingDatabaseURL indicates no database connection string is configured
	ErrMissingDatabaseURL = errors.New("database url is not configured")

	// ErrMissingSecret indicates no shared synchronization secret is configured
	ErrMissingSecret = errors.New("sync secret is not configured")
)

// DatabaseConfiguration points at the node's own database
type DatabaseConfiguration struct {
	URL        string `toml:"url"`         // postgres:// connection string
	SchemaPath string `toml:"schema_path"` // schema definition file for offline constraint discovery
}

// SyncConfiguration controls peer transfer behavior
type SyncConfiguration struct {
	Secret             string `toml:"secret"`
	PeerURL            string `toml:"peer_url"` // default peer for push/pull when none is given
	GzipWire           bool   `toml:"gzip_wire"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
}

// HTTPConfiguration for the peer-facing HTTP server
type HTTPConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure. It is constructed once
// in main and passed explicitly into the components that need it.
type Configuration struct {
	NodeID  string `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Database   DatabaseConfiguration   `toml:"database"`
	Sync       SyncConfiguration       `toml:"sync"`
	HTTP       HTTPConfiguration       `toml:"http"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "possync.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Snapshot directory (overrides config)")
	NodeIDFlag     = flag.String("node-id", "", "Node ID (overrides config, empty=auto)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP port (overrides config)")
	PeerURLFlag    = flag.String("peer", "", "Default peer base URL (overrides config)")
	PushFlag       = flag.Bool("push", false, "Run a one-shot PUSH to the configured peer and exit")
	PullFlag       = flag.Bool("pull", false, "Run a one-shot PULL from the configured peer and exit")
)

// Default returns the baseline configuration before file and flag overrides
func Default() *Configuration {
	return &Configuration{
		NodeID:  "", // Auto-generate
		DataDir: "./possync-data",

		Database: DatabaseConfiguration{},

		Sync: SyncConfiguration{
			GzipWire:           false,
			HTTPTimeoutSeconds: 300,
		},

		HTTP: HTTPConfiguration{
			BindAddress: "0.0.0.0",
			Port:        8090,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI and environment overrides
func Load(configPath string) (*Configuration, error) {
	config := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, config); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != "" {
		config.NodeID = *NodeIDFlag
	}
	if *HTTPPortFlag != 0 {
		config.HTTP.Port = *HTTPPortFlag
	}
	if *PeerURLFlag != "" {
		config.Sync.PeerURL = *PeerURLFlag
	}

	// Environment overrides
	if url := os.Getenv(EnvDatabaseURL); url != "" {
		config.Database.URL = url
	}

	// Auto-generate node ID if not set
	if config.NodeID == "" {
		id, err := generateNodeID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate node ID: %w", err)
		}
		config.NodeID = id
		log.Info().Str("node_id", config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure snapshot directory exists
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return config, nil
}

// generateNodeID creates a stable node ID based on machine ID
func generateNodeID() (string, error) {
	id, err := machineid.ProtectedID("possync")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return "node-" + strconv.FormatUint(h.Sum64(), 16), nil
}

// Validate checks configuration for errors
func (c *Configuration) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data directory must be set")
	}

	if c.Sync.HTTPTimeoutSeconds < 1 {
		return fmt.Errorf("sync HTTP timeout must be >= 1 second")
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

// SyncSecret returns the shared synchronization secret. The environment is
// consulted on every call so a rotated secret takes effect without restart.
func (c *Configuration) SyncSecret() (string, error) {
	if secret := os.Getenv(EnvSyncSecret); secret != "" {
		return secret, nil
	}
	if c.Sync.Secret != "" {
		return c.Sync.Secret, nil
	}
	return "", ErrMissingSecret
}

// ConnectionParams holds the parsed pieces of the database connection string,
// in the form the external dump and restore utilities consume them.
type ConnectionParams struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// ConnectionParams parses the configured database URL
func (c *Configuration) ConnectionParams() (ConnectionParams, error) {
	if c.Database.URL == "" {
		return ConnectionParams{}, ErrMissingDatabaseURL
	}

	parsed, err := pgx.ParseConfig(c.Database.URL)
	if err != nil {
		return ConnectionParams{}, fmt.Errorf("failed to parse database url: %w", err)
	}

	return ConnectionParams{
		Host:     parsed.Host,
		Port:     strconv.Itoa(int(parsed.Port)),
		User:     parsed.User,
		Password: parsed.Password,
		Database: parsed.Database,
	}, nil
}
