package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS-specific configurations.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile is used by replicas to verify the primary.
	CAFile string `yaml:"ca_file"`
}

// EngineConfig holds the kernel settings.
type EngineConfig struct {
	DataDir     string `yaml:"data_dir"`
	Isolation   string `yaml:"isolation"`   // "read_committed" or "snapshot"
	Compression string `yaml:"compression"` // "none", "snappy", "lz4", "zstd", "deflate"
	Serializer  string `yaml:"serializer"`  // "gob", "json", "yaml"
	// SlowCommandThreshold logs commands slower than this. Empty disables it.
	SlowCommandThreshold string `yaml:"slow_command_threshold"`
}

// JournalConfig holds journal specific configurations.
type JournalConfig struct {
	SyncMode            string `yaml:"sync_mode"` // "always" or "disabled"
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
}

// SnapshotConfig controls when snapshots are taken and how many are kept.
type SnapshotConfig struct {
	EveryRecords    uint64 `yaml:"every_records"`
	Interval        string `yaml:"interval"`
	JournalBytes    int64  `yaml:"journal_bytes"`
	Keep            int    `yaml:"keep"`
	MaxAge          string `yaml:"max_age"`
	TruncateJournal bool   `yaml:"truncate_journal"`
}

// QueryCacheConfig holds ad-hoc query cache settings.
type QueryCacheConfig struct {
	Capacity         int  `yaml:"capacity"` // 0 is unbounded
	ForceCompilation bool `yaml:"force_compilation"`
}

// ReplicationConfig holds the configuration for the replication system.
type ReplicationConfig struct {
	Mode           string `yaml:"mode"`      // "primary", "replica", or "disabled"
	Transport      string `yaml:"transport"` // "grpc" or "tcp"
	NodeID         string `yaml:"node_id"`
	ListenAddress  string `yaml:"listen_address"`
	PrimaryAddress string `yaml:"primary_address"`
	// AdvertiseHost and AdvertisePort are sent in Redirect messages.
	AdvertiseHost     string    `yaml:"advertise_host"`
	AdvertisePort     int       `yaml:"advertise_port"`
	Sync              bool      `yaml:"sync"`
	AckPolicy         string    `yaml:"ack_policy"` // "all" or "quorum"
	AckTimeout        string    `yaml:"ack_timeout"`
	HeartbeatInterval string    `yaml:"heartbeat_interval"`
	HeartbeatTimeout  string    `yaml:"heartbeat_timeout"`
	TransitioningWait string    `yaml:"transitioning_wait"`
	RetryInterval     string    `yaml:"retry_interval"`
	TLS               TLSConfig `yaml:"tls"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Journal     JournalConfig     `yaml:"journal"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	QueryCache  QueryCacheConfig  `yaml:"query_cache"`
	Replication ReplicationConfig `yaml:"replication"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Debug       DebugConfig       `yaml:"debug"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir:     "./data",
			Isolation:   "read_committed",
			Compression: "snappy",
			Serializer:  "gob",
		},
		Journal: JournalConfig{
			SyncMode:            "always",
			MaxSegmentSizeBytes: 64 * 1024 * 1024, // 64 MiB
		},
		Snapshot: SnapshotConfig{
			EveryRecords:    10000,
			Interval:        "10m",
			JournalBytes:    256 * 1024 * 1024, // 256 MiB
			Keep:            3,
			TruncateJournal: true,
		},
		QueryCache: QueryCacheConfig{
			Capacity:         0,
			ForceCompilation: false,
		},
		Replication: ReplicationConfig{
			Mode:              "disabled",
			Transport:         "grpc",
			ListenAddress:     ":50052",
			AdvertisePort:     50052,
			Sync:              false,
			AckPolicy:         "all",
			AckTimeout:        "5s",
			HeartbeatInterval: "1s",
			HeartbeatTimeout:  "5s",
			TransitioningWait: "2s",
			RetryInterval:     "1s",
			TLS: TLSConfig{
				Enabled:  false,
				CertFile: "certs/server.crt",
				KeyFile:  "certs/server.key",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "livedb.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:          false,
			ListenAddress:    "127.0.0.1:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	check := func(key, value string, allowed ...string) error {
		v := strings.ToLower(strings.TrimSpace(value))
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("invalid %s %q, expected one of %s", key, value, strings.Join(allowed, ", "))
	}
	if err := check("engine.isolation", c.Engine.Isolation, "", "read_committed", "snapshot"); err != nil {
		return err
	}
	if err := check("journal.sync_mode", c.Journal.SyncMode, "", "always", "disabled"); err != nil {
		return err
	}
	if err := check("replication.mode", c.Replication.Mode, "", "disabled", "primary", "replica"); err != nil {
		return err
	}
	if err := check("replication.transport", c.Replication.Transport, "", "grpc", "tcp"); err != nil {
		return err
	}
	if err := check("replication.ack_policy", c.Replication.AckPolicy, "", "all", "quorum"); err != nil {
		return err
	}
	if c.Replication.Mode == "replica" && c.Replication.PrimaryAddress == "" {
		return fmt.Errorf("replication.primary_address is required in replica mode")
	}
	if c.Snapshot.Keep < 0 {
		return fmt.Errorf("snapshot.keep must not be negative")
	}
	return nil
}
