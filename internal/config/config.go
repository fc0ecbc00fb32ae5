// Package config holds every tunable of the server in one place.
//
// Values come from three layers, later ones winning: the Default*()
// functions, an optional YAML file (LoadFile), and environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP and websocket settings.
type ServerConfig struct {
	Port             int      `yaml:"port"`
	MaxConnections   int      `yaml:"max_connections"`
	MaxConnectionsIP int      `yaml:"max_connections_per_ip"`
	CORSOrigins      []string `yaml:"cors_origins,omitempty"`
	AdminKey         string   `yaml:"admin_key,omitempty"`
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:             3000,
		MaxConnections:   500,
		MaxConnectionsIP: 10,
	}
}

// ServerFromEnv applies PORT, MAX_CONNECTIONS, MAX_CONNECTIONS_PER_IP and ADMIN_KEY.
func ServerFromEnv(cfg ServerConfig) ServerConfig {
	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if n := getEnvInt("MAX_CONNECTIONS", 0); n > 0 {
		cfg.MaxConnections = n
	}
	if n := getEnvInt("MAX_CONNECTIONS_PER_IP", 0); n > 0 {
		cfg.MaxConnectionsIP = n
	}
	if k := os.Getenv("ADMIN_KEY"); k != "" {
		cfg.AdminKey = k
	}
	return cfg
}

// =============================================================================
// WORLD CONFIGURATION
// =============================================================================

// WorldConfig sizes the simulated world.
type WorldConfig struct {
	TickRate    int     `yaml:"tick_rate"`
	Width       float64 `yaml:"width"`
	Height      float64 `yaml:"height"`
	CellSize    float64 `yaml:"cell_size"` // spatial grid cell, ideally the view radius
	Wanderers   int     `yaml:"wanderers"`
	Beacons     int     `yaml:"beacons"`
	PlayerSpeed float64 `yaml:"player_speed"`
	PropSpeed   float64 `yaml:"prop_speed"`
	MaxPlayers  int     `yaml:"max_players"`
	Seed        int64   `yaml:"seed"`
}

func DefaultWorld() WorldConfig {
	return WorldConfig{
		TickRate:    30,
		Width:       4000,
		Height:      4000,
		CellSize:    500,
		Wanderers:   200,
		Beacons:     4,
		PlayerSpeed: 240,
		PropSpeed:   60,
		MaxPlayers:  256,
	}
}

// WorldFromEnv applies TICK_RATE, WORLD_WANDERERS, MAX_PLAYERS and WORLD_SEED.
func WorldFromEnv(cfg WorldConfig) WorldConfig {
	if v := getEnvInt("TICK_RATE", 0); v > 0 {
		cfg.TickRate = v
	}
	if v := getEnvInt("WORLD_WANDERERS", -1); v >= 0 {
		cfg.Wanderers = v
	}
	if v := getEnvInt("MAX_PLAYERS", 0); v > 0 {
		cfg.MaxPlayers = v
	}
	if v := getEnvInt("WORLD_SEED", 0); v != 0 {
		cfg.Seed = int64(v)
	}
	return cfg
}

// =============================================================================
// REPLICATION CONFIGURATION
// =============================================================================

// ReplicationConfig tunes every connection's window and manager.
type ReplicationConfig struct {
	MaxEntitySendCount  uint32        `yaml:"max_entity_send_count"`
	ViewRadius          float64       `yaml:"view_radius"`
	UpdateInterval      time.Duration `yaml:"update_interval"`
	DistanceWeight      float64       `yaml:"distance_weight"`
	AgeWeight           float64       `yaml:"age_weight"`
	AgeCap              int           `yaml:"age_cap"`
	AlwaysRelevantBoost float64       `yaml:"always_relevant_boost"`

	MaxPayloadSize      int    `yaml:"max_payload_size"`
	MaxPendingCreation  int    `yaml:"max_pending_creation"`
	PendingRemovalTicks uint64 `yaml:"pending_removal_ticks"`
	ResendTimeoutTicks  uint64 `yaml:"resend_timeout_ticks"`
	CompressThreshold   int    `yaml:"compress_threshold"`

	// Region, when set, limits every connection to entities inside it.
	Region *RegionConfig `yaml:"region,omitempty"`
}

// RegionConfig is a rectangle in world units, max exclusive.
type RegionConfig struct {
	MinX float64 `yaml:"min_x"`
	MinY float64 `yaml:"min_y"`
	MaxX float64 `yaml:"max_x"`
	MaxY float64 `yaml:"max_y"`
}

func DefaultReplication() ReplicationConfig {
	return ReplicationConfig{
		MaxEntitySendCount:  64,
		ViewRadius:          500,
		UpdateInterval:      100 * time.Millisecond,
		DistanceWeight:      10,
		AgeWeight:           0.5,
		AgeCap:              20,
		AlwaysRelevantBoost: 5,

		MaxPayloadSize:      1172,
		MaxPendingCreation:  32,
		PendingRemovalTicks: 30,
		ResendTimeoutTicks:  60,
		CompressThreshold:   512,
	}
}

// ReplicationFromEnv applies MAX_ENTITY_SEND_COUNT, VIEW_RADIUS and COMPRESS_THRESHOLD.
func ReplicationFromEnv(cfg ReplicationConfig) ReplicationConfig {
	if v := getEnvInt("MAX_ENTITY_SEND_COUNT", 0); v > 0 {
		cfg.MaxEntitySendCount = uint32(v)
	}
	if v := getEnvFloat("VIEW_RADIUS", 0); v > 0 {
		cfg.ViewRadius = v
	}
	if v := getEnvInt("COMPRESS_THRESHOLD", -1); v >= 0 {
		cfg.CompressThreshold = v
	}
	return cfg
}

// =============================================================================
// SESSION CONFIGURATION
// =============================================================================

// SessionConfig bounds per-connection queues and input rate.
type SessionConfig struct {
	SendQueue  int     `yaml:"send_queue"`
	InputQueue int     `yaml:"input_queue"`
	InputRate  float64 `yaml:"input_rate"`
	InputBurst int     `yaml:"input_burst"`
}

func DefaultSession() SessionConfig {
	return SessionConfig{
		SendQueue:  64,
		InputQueue: 64,
		InputRate:  120,
		InputBurst: 30,
	}
}

// =============================================================================
// OBSERVABILITY CONFIGURATION
// =============================================================================

// ObservabilityConfig controls the debug server and event log.
type ObservabilityConfig struct {
	DebugEnabled bool   `yaml:"debug_enabled"`
	DebugAddr    string `yaml:"debug_addr"`
	EventLogPath string `yaml:"event_log_path,omitempty"` // ".zst" suffix compresses
}

func DefaultObservability() ObservabilityConfig {
	return ObservabilityConfig{
		DebugEnabled: true,
		DebugAddr:    "127.0.0.1:6060",
	}
}

// ObservabilityFromEnv applies DEBUG_ENABLED and EVENT_LOG_PATH.
func ObservabilityFromEnv(cfg ObservabilityConfig) ObservabilityConfig {
	if os.Getenv("DEBUG_ENABLED") == "false" {
		cfg.DebugEnabled = false
	}
	if p := os.Getenv("EVENT_LOG_PATH"); p != "" {
		cfg.EventLogPath = p
	}
	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Server        ServerConfig        `yaml:"server"`
	World         WorldConfig         `yaml:"world"`
	Replication   ReplicationConfig   `yaml:"replication"`
	Session       SessionConfig       `yaml:"session"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Default returns the built-in configuration.
func Default() AppConfig {
	return AppConfig{
		Server:        DefaultServer(),
		World:         DefaultWorld(),
		Replication:   DefaultReplication(),
		Session:       DefaultSession(),
		Observability: DefaultObservability(),
	}
}

// FromEnv applies environment overrides to cfg.
func FromEnv(cfg AppConfig) AppConfig {
	cfg.Server = ServerFromEnv(cfg.Server)
	cfg.World = WorldFromEnv(cfg.World)
	cfg.Replication = ReplicationFromEnv(cfg.Replication)
	cfg.Observability = ObservabilityFromEnv(cfg.Observability)
	return cfg
}

// Load returns the defaults with environment overrides.
func Load() AppConfig {
	return FromEnv(Default())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
