package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultListenAddress is the default TCP address the game protocol
	// listener (producers and consumers, per spec.md §6) binds to.
	DefaultListenAddress = ":15000"
	// DefaultAdminAddress is the default address the admin HTTP/WS surface
	// binds to.
	DefaultAdminAddress = ":8080"
	// DefaultVaultRoot is the default root directory persisted artifacts are
	// written under.
	DefaultVaultRoot = "vault"
	// DefaultHandshakeTimeoutSeconds bounds how long a connection has to
	// complete its handshake before it is dropped as BadData.
	DefaultHandshakeTimeoutSeconds = 5

	// DefaultMergeQuorumSize is spec.md §6's merge_quorum_size default.
	DefaultMergeQuorumSize = 2
	// DefaultStreamComparisonDistanceBytes is spec.md §6's
	// stream_comparison_distance_b default.
	DefaultStreamComparisonDistanceBytes int64 = 4096
	// DefaultDelaySeconds is spec.md §6's delay_s default.
	DefaultDelaySeconds = 300
	// DefaultUpdateIntervalMs is spec.md §6's update_interval_ms default.
	DefaultUpdateIntervalMs = 1000
	// DefaultForcedTimeoutSeconds is spec.md §6's forced_timeout_s default:
	// a hard ceiling on how long any one Replay may run.
	DefaultForcedTimeoutSeconds = 6 * 60 * 60
	// DefaultZeroWritersGraceSeconds is spec.md §6's
	// time_with_zero_writers_to_end_replay_s default.
	DefaultZeroWritersGraceSeconds = 30
	// DefaultVaultRetention bounds how long a finished game's in-memory
	// Replay (and its already-persisted vault artifact) stays reachable by
	// late-attaching consumers before gameregistry prunes it.
	DefaultVaultRetention = 10 * time.Minute
	// DefaultRegistrySweepInterval is how often gameregistry checks for
	// finished games to prune.
	DefaultRegistrySweepInterval = time.Minute

	// DefaultAdminPingInterval controls the keepalive cadence for the admin
	// dashboard WebSocket feed.
	DefaultAdminPingInterval = 30 * time.Second
	// DefaultAdminMaxPayloadBytes limits inbound admin WebSocket frame size.
	DefaultAdminMaxPayloadBytes int64 = 1 << 20
	// DefaultAdminMaxClients bounds concurrent admin WebSocket connections.
	// Zero disables the limit.
	DefaultAdminMaxClients = 16

	// DefaultAdminRateLimitWindow and DefaultAdminRateLimitBurst bound how
	// often the more expensive admin endpoints (the diagnostic dump) may be
	// requested per operator connection.
	DefaultAdminRateLimitWindow = time.Minute
	DefaultAdminRateLimitBurst  = 5

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "replay-server.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the replay server.
type Config struct {
	ListenAddress    string
	AdminAddress     string
	VaultRoot        string
	VaultRetention   time.Duration
	HandshakeTimeout time.Duration

	MergeQuorumSize               int
	StreamComparisonDistanceBytes int64
	DelaySeconds                  int
	UpdateIntervalMs              int
	ForcedTimeout                 time.Duration
	ZeroWritersGrace              time.Duration
	RegistrySweepInterval         time.Duration

	AdminToken          string
	AdminPingInterval   time.Duration
	AdminMaxPayloadBytes int64
	AdminMaxClients      int
	AdminRateLimitWindow time.Duration
	AdminRateLimitBurst  int

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the replay server's configuration from environment variables,
// applying sane defaults and returning descriptive errors for invalid
// overrides. Every value has a spec.md §6 default; nothing is required to
// be set for the server to start.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddress:                 getString("REPLAYSRV_LISTEN_ADDR", DefaultListenAddress),
		AdminAddress:                  getString("REPLAYSRV_ADMIN_ADDR", DefaultAdminAddress),
		VaultRoot:                     getString("REPLAYSRV_VAULT_ROOT", DefaultVaultRoot),
		VaultRetention:                DefaultVaultRetention,
		HandshakeTimeout:              DefaultHandshakeTimeoutSeconds * time.Second,
		MergeQuorumSize:               DefaultMergeQuorumSize,
		StreamComparisonDistanceBytes: DefaultStreamComparisonDistanceBytes,
		DelaySeconds:                  DefaultDelaySeconds,
		UpdateIntervalMs:              DefaultUpdateIntervalMs,
		ForcedTimeout:                 DefaultForcedTimeoutSeconds * time.Second,
		ZeroWritersGrace:              DefaultZeroWritersGraceSeconds * time.Second,
		RegistrySweepInterval:         DefaultRegistrySweepInterval,
		AdminToken:                    strings.TrimSpace(os.Getenv("REPLAYSRV_ADMIN_TOKEN")),
		AdminPingInterval:             DefaultAdminPingInterval,
		AdminMaxPayloadBytes:          DefaultAdminMaxPayloadBytes,
		AdminMaxClients:               DefaultAdminMaxClients,
		AdminRateLimitWindow:          DefaultAdminRateLimitWindow,
		AdminRateLimitBurst:           DefaultAdminRateLimitBurst,
		Logging: LoggingConfig{
			Level:      getString("REPLAYSRV_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("REPLAYSRV_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	parseIntField(&problems, "REPLAYSRV_HANDSHAKE_TIMEOUT_S", func(v int) { cfg.HandshakeTimeout = time.Duration(v) * time.Second }, positive)
	parseIntField(&problems, "REPLAYSRV_MERGE_QUORUM_SIZE", func(v int) { cfg.MergeQuorumSize = v }, positive)
	parseInt64Field(&problems, "REPLAYSRV_STREAM_COMPARISON_DISTANCE_B", func(v int64) { cfg.StreamComparisonDistanceBytes = v }, positive64)
	parseIntField(&problems, "REPLAYSRV_DELAY_S", func(v int) { cfg.DelaySeconds = v }, nonNegative)
	parseIntField(&problems, "REPLAYSRV_UPDATE_INTERVAL_MS", func(v int) { cfg.UpdateIntervalMs = v }, positive)
	parseIntField(&problems, "REPLAYSRV_FORCED_TIMEOUT_S", func(v int) { cfg.ForcedTimeout = time.Duration(v) * time.Second }, positive)
	parseIntField(&problems, "REPLAYSRV_ZERO_WRITERS_GRACE_S", func(v int) { cfg.ZeroWritersGrace = time.Duration(v) * time.Second }, positive)

	if raw := strings.TrimSpace(os.Getenv("REPLAYSRV_VAULT_RETENTION")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			problems = append(problems, fmt.Sprintf("REPLAYSRV_VAULT_RETENTION must be a non-negative duration, got %q", raw))
		} else {
			cfg.VaultRetention = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("REPLAYSRV_REGISTRY_SWEEP_INTERVAL")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("REPLAYSRV_REGISTRY_SWEEP_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.RegistrySweepInterval = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("REPLAYSRV_ADMIN_PING_INTERVAL")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("REPLAYSRV_ADMIN_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.AdminPingInterval = d
		}
	}
	parseInt64Field(&problems, "REPLAYSRV_ADMIN_MAX_PAYLOAD_BYTES", func(v int64) { cfg.AdminMaxPayloadBytes = v }, positive64)
	parseIntField(&problems, "REPLAYSRV_ADMIN_MAX_CLIENTS", func(v int) { cfg.AdminMaxClients = v }, nonNegative)
	if raw := strings.TrimSpace(os.Getenv("REPLAYSRV_ADMIN_RATE_LIMIT_WINDOW")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("REPLAYSRV_ADMIN_RATE_LIMIT_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.AdminRateLimitWindow = d
		}
	}
	parseIntField(&problems, "REPLAYSRV_ADMIN_RATE_LIMIT_BURST", func(v int) { cfg.AdminRateLimitBurst = v }, positive)

	parseIntField(&problems, "REPLAYSRV_LOG_MAX_SIZE_MB", func(v int) { cfg.Logging.MaxSizeMB = v }, positive)
	parseIntField(&problems, "REPLAYSRV_LOG_MAX_BACKUPS", func(v int) { cfg.Logging.MaxBackups = v }, nonNegative)
	parseIntField(&problems, "REPLAYSRV_LOG_MAX_AGE_DAYS", func(v int) { cfg.Logging.MaxAgeDays = v }, nonNegative)

	if raw := strings.TrimSpace(os.Getenv("REPLAYSRV_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("REPLAYSRV_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func positive(v int) bool    { return v > 0 }
func nonNegative(v int) bool { return v >= 0 }
func positive64(v int64) bool {
	return v > 0
}

func parseIntField(problems *[]string, key string, set func(int), valid func(int) bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || !valid(value) {
		*problems = append(*problems, fmt.Sprintf("%s is invalid: got %q", key, raw))
		return
	}
	set(value)
}

func parseInt64Field(problems *[]string, key string, set func(int64), valid func(int64) bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || !valid(value) {
		*problems = append(*problems, fmt.Sprintf("%s is invalid: got %q", key, raw))
		return
	}
	set(value)
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
