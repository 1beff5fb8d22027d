// Package config holds replication-core runtime defaults (spec.md §6,
// "Configuration (env-style, all optional with defaults)").
//
// Grounded on daemon/config/config.go's Config struct / DefaultConfig /
// LoadConfig shape, generalized from daemon transport addresses to the
// replication engine's tunables.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/artifactkeeper/replicore/internal/validation"
)

// Config holds every tunable named in spec.md §6 plus the ambient
// addresses and storage paths the daemon needs to start.
type Config struct {
	ChunkSizeBytes              int64
	MaxConcurrentChunkDownloads int
	PeerProbeIntervalSecs       int
	StaleHeartbeatMinutes       int
	MaxBackoffSecs              int
	RarestFirstThreshold        float64

	RESTAddress      string
	ObservAddress    string
	PeerAddress      string
	KeysDirectory    string
	DataDirectory    string
	QueuePath        string
	DatabasePath     string
	ChunkStorePath   string
}

// DefaultConfig returns the defaults named in spec.md §6.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "replicore")

	return &Config{
		ChunkSizeBytes:              1048576,
		MaxConcurrentChunkDownloads: 8,
		PeerProbeIntervalSecs:       300,
		StaleHeartbeatMinutes:       5,
		MaxBackoffSecs:              3600,
		RarestFirstThreshold:        0.8,

		RESTAddress:    "127.0.0.1:8080",
		ObservAddress:  "127.0.0.1:8081",
		PeerAddress:    "127.0.0.1:8082",
		KeysDirectory:  filepath.Join(dataDir, "keys"),
		DataDirectory:  dataDir,
		QueuePath:      filepath.Join(dataDir, "sync-queue.db"),
		DatabasePath:   filepath.Join(dataDir, "replicore.db"),
		ChunkStorePath: filepath.Join(dataDir, "chunks.db"),
	}
}

// LoadFromEnv overlays environment variables named in spec.md §6 onto
// DefaultConfig's values. Malformed numeric values are ignored in favor
// of the existing default, matching the rest of the stack's
// no-panic-on-bad-config stance.
func LoadFromEnv() *Config {
	c := DefaultConfig()
	if v, ok := os.LookupEnv("CHUNK_SIZE_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.ChunkSizeBytes = n
		}
	}
	if v, ok := os.LookupEnv("MAX_CONCURRENT_CHUNK_DOWNLOADS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentChunkDownloads = n
		}
	}
	if v, ok := os.LookupEnv("PEER_PROBE_INTERVAL_SECS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.PeerProbeIntervalSecs = n
		}
	}
	if v, ok := os.LookupEnv("STALE_HEARTBEAT_MINUTES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.StaleHeartbeatMinutes = n
		}
	}
	if v, ok := os.LookupEnv("MAX_BACKOFF_SECS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxBackoffSecs = n
		}
	}
	if v, ok := os.LookupEnv("RAREST_FIRST_THRESHOLD"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RarestFirstThreshold = f
		}
	}
	if v, ok := os.LookupEnv("REST_ADDRESS"); ok {
		c.RESTAddress = v
	}
	if v, ok := os.LookupEnv("OBSERV_ADDRESS"); ok {
		c.ObservAddress = v
	}
	if v, ok := os.LookupEnv("PEER_ADDRESS"); ok {
		c.PeerAddress = v
	}
	if v, ok := os.LookupEnv("REPLICORE_DATA_DIR"); ok {
		c.DataDirectory = v
		c.KeysDirectory = filepath.Join(v, "keys")
		c.QueuePath = filepath.Join(v, "sync-queue.db")
		c.DatabasePath = filepath.Join(v, "replicore.db")
		c.ChunkStorePath = filepath.Join(v, "chunks.db")
	}
	return c
}

// Validate checks that the tunables a caller overlaid onto the defaults
// are usable before the daemon starts wiring components against them.
func (c *Config) Validate() error {
	if err := validation.ValidateAddr(c.RESTAddress); err != nil {
		return err
	}
	if err := validation.ValidateAddr(c.PeerAddress); err != nil {
		return err
	}
	if err := validation.ValidateStringNonEmpty(c.DataDirectory); err != nil {
		return err
	}
	if err := validation.ValidateRangeFloat(c.RarestFirstThreshold, 0, 1); err != nil {
		return err
	}
	if c.ChunkSizeBytes <= 0 {
		return validation.ErrOutOfRange
	}
	if c.MaxConcurrentChunkDownloads <= 0 {
		return validation.ErrOutOfRange
	}
	return nil
}
