package config

import (
	"encoding/json"
	"os"
)

// SyncConfig holds synchronization configuration
type SyncConfig struct {
	// ============ BASIC SETTINGS ============
	Enabled           bool `json:"enabled"`
	SyncInterval      int  `json:"sync_interval"` // seconds
	AutoSyncOnStartup bool `json:"auto_sync_on_startup"`

	// ============ LIMITS ============
	MaxBatchSize int `json:"max_batch_size"`
	MaxAttempts  int `json:"max_attempts"`
	SyncTimeout  int `json:"sync_timeout"` // seconds, per transport call

	// ============ BACKOFF ============
	// Delay for attempt n is RetryDelaySeconds * 2^(n-1) with jitter,
	// capped at RetryMaxDelaySeconds. Operational tuning knobs, not constants.
	RetryDelaySeconds    int     `json:"retry_delay_seconds"`
	RetryMaxDelaySeconds int     `json:"retry_max_delay_seconds"`
	RetryBackoffFactor   float64 `json:"retry_backoff_factor"`

	// ============ LEASE ============
	LeaseTTLSeconds int `json:"lease_ttl_seconds"`

	// ============ RETENTION ============
	AuditWindowDays int `json:"audit_window_days"` // completed queue items kept this long

	// ============ PUSH CHANNEL ============
	HeartbeatInterval int `json:"heartbeat_interval"` // seconds

	// ============ HEALTH THRESHOLDS ============
	PendingHighWater     int     `json:"pending_high_water"`
	FailureRateThreshold float64 `json:"failure_rate_threshold"`
	CriticalSLASeconds   int     `json:"critical_sla_seconds"`
	StaleSyncFactor      int     `json:"stale_sync_factor"` // warn after factor * interval without success

	// ============ ENTITIES ============
	Entities []EntityRuleConfig `json:"entities"`
}

// EntityRuleConfig seeds one per-store entity rule.
type EntityRuleConfig struct {
	EntityType        string `json:"entity_type"`
	Direction         string `json:"direction"` // push, pull, bidirectional
	DefaultResolution string `json:"default_resolution"`
	FlagForReview     bool   `json:"flag_for_review"`
	Priority          int    `json:"priority"` // higher = processed earlier
	Enabled           bool   `json:"enabled"`
}

// LoadSyncConfig loads sync configuration from environment or file
func LoadSyncConfig() *SyncConfig {
	if configPath := os.Getenv("SYNC_CONFIG_PATH"); configPath != "" {
		if cfg, err := loadSyncConfigFromFile(configPath); err == nil {
			return cfg
		}
	}
	return getDefaultSyncConfig()
}

// loadSyncConfigFromFile loads sync config from JSON file
func loadSyncConfigFromFile(path string) (*SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg SyncConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// getDefaultSyncConfig returns default sync configuration
func getDefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		Enabled:           getBoolEnv("SYNC_ENABLED", true),
		SyncInterval:      getIntEnv("SYNC_INTERVAL", 300),
		AutoSyncOnStartup: getBoolEnv("SYNC_ON_STARTUP", true),

		MaxBatchSize: getIntEnv("SYNC_BATCH_SIZE", 100),
		MaxAttempts:  getIntEnv("SYNC_MAX_ATTEMPTS", 3),
		SyncTimeout:  getIntEnv("SYNC_TIMEOUT", 30),

		RetryDelaySeconds:    getIntEnv("SYNC_RETRY_DELAY", 10),
		RetryMaxDelaySeconds: getIntEnv("SYNC_RETRY_MAX_DELAY", 600),
		RetryBackoffFactor:   getFloatEnv("SYNC_RETRY_FACTOR", 2.0),

		LeaseTTLSeconds: getIntEnv("SYNC_LEASE_TTL", 120),

		AuditWindowDays: getIntEnv("SYNC_AUDIT_WINDOW_DAYS", 7),

		HeartbeatInterval: getIntEnv("SYNC_HEARTBEAT_INTERVAL", 30),

		PendingHighWater:     getIntEnv("SYNC_PENDING_HIGH_WATER", 100),
		FailureRateThreshold: getFloatEnv("SYNC_FAILURE_RATE_THRESHOLD", 0.25),
		CriticalSLASeconds:   getIntEnv("SYNC_CRITICAL_SLA", 900),
		StaleSyncFactor:      getIntEnv("SYNC_STALE_FACTOR", 2),

		Entities: getDefaultEntityRules(),
	}
}

// getDefaultEntityRules returns the seed entity rule set. Master data flows
// down from HQ, financial records flow up, and low-priority analytics may be
// deferred under load.
func getDefaultEntityRules() []EntityRuleConfig {
	return []EntityRuleConfig{
		{
			EntityType:        "receipts",
			Direction:         "push",
			DefaultResolution: "local_wins",
			Priority:          10,
			Enabled:           true,
		},
		{
			EntityType:        "orders",
			Direction:         "bidirectional",
			DefaultResolution: "local_wins",
			Priority:          9,
			Enabled:           true,
		},
		{
			EntityType:        "products",
			Direction:         "pull",
			DefaultResolution: "remote_wins",
			Priority:          8,
			Enabled:           true,
		},
		{
			EntityType:        "pricing",
			Direction:         "pull",
			DefaultResolution: "remote_wins",
			Priority:          8,
			Enabled:           true,
		},
		{
			EntityType:        "inventory",
			Direction:         "bidirectional",
			DefaultResolution: "last_write_wins",
			Priority:          7,
			Enabled:           true,
		},
		{
			EntityType:        "loyalty_members",
			Direction:         "bidirectional",
			DefaultResolution: "manual",
			FlagForReview:     true,
			Priority:          6,
			Enabled:           true,
		},
		{
			EntityType:        "analytics",
			Direction:         "push",
			DefaultResolution: "local_wins",
			Priority:          1,
			Enabled:           true,
		},
	}
}
