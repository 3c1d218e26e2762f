package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Node roles in the star topology.
const (
	RoleHQ    = "hq"
	RoleStore = "store"
)

// Config holds all application configuration
type Config struct {
	NodeEnv      string
	Port         string
	Role         string // hq or store
	StoreID      string // identifies this node when Role is store
	InstanceID   string
	JWTSecret    string
	AdminKeyHash string // bcrypt hash of the admin key
	HQURL        string // store nodes sync against this
	Database     DatabaseConfig
	Sync         *SyncConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Alter    bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	role := getEnv("NODE_ROLE", RoleStore)
	if role != RoleHQ && role != RoleStore {
		return nil, fmt.Errorf("NODE_ROLE must be %q or %q, got %q", RoleHQ, RoleStore, role)
	}

	storeID := os.Getenv("STORE_ID")
	if role == RoleStore && storeID == "" {
		return nil, fmt.Errorf("STORE_ID is required when NODE_ROLE is store")
	}

	hqURL := os.Getenv("HQ_URL")
	if role == RoleStore && hqURL == "" {
		return nil, fmt.Errorf("HQ_URL is required when NODE_ROLE is store")
	}

	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = fmt.Sprintf("%s-%d", role, os.Getpid())
	}

	return &Config{
		NodeEnv:      getEnv("NODE_ENV", "development"),
		Port:         getEnv("PORT", "3001"),
		Role:         role,
		StoreID:      storeID,
		InstanceID:   instanceID,
		JWTSecret:    jwtSecret,
		AdminKeyHash: os.Getenv("ADMIN_KEY_HASH"),
		HQURL:        hqURL,
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "storesync"),
			Alter:    getEnv("DB_ALTER", "false") == "true",
		},
		Sync: LoadSyncConfig(),
	}, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}
