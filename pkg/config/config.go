package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds engine configuration.
type Config struct {
	Backend          string
	DatabaseURL      string
	SQLitePath       string
	RedisURL         string
	JourneyCacheTTL  time.Duration
	LogLevel         string
	BatchLimit       int
	ResolveInterval  time.Duration
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	BatchesPerSecond float64
	KeyWindow        time.Duration
	OffloadBytes     int
	DataDir          string

	// Profile names a tuning profile to layer over the environment values;
	// ProfilesDir is where profile_<code>.yaml files live.
	Profile     string
	ProfilesDir string
}

// Load loads configuration from environment variables.
func Load() *Config {
	backend := os.Getenv("STITCH_BACKEND")
	if backend == "" {
		backend = "postgres"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://stitch@localhost:5432/stitch?sslmode=disable"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "stitch.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	return &Config{
		Backend:          backend,
		DatabaseURL:      dbURL,
		SQLitePath:       sqlitePath,
		RedisURL:         os.Getenv("REDIS_URL"),
		JourneyCacheTTL:  envDuration("JOURNEY_CACHE_TTL", 5*time.Minute),
		LogLevel:         logLevel,
		BatchLimit:       envInt("BATCH_LIMIT", 5000),
		ResolveInterval:  envDuration("RESOLVE_INTERVAL", time.Second),
		MaxAttempts:      envInt("MAX_ATTEMPTS", 5),
		RetryBaseDelay:   envDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
		BatchesPerSecond: envFloat("BATCHES_PER_SECOND", 0),
		KeyWindow:        envDuration("KEY_WINDOW", 0),
		OffloadBytes:     envInt("PAYLOAD_OFFLOAD_BYTES", 0),
		DataDir:          dataDir,
		Profile:          os.Getenv("STITCH_PROFILE"),
		ProfilesDir:      profilesDir,
	}
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envFloat(name string, fallback float64) float64 {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(name); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			return v
		}
	}
	return fallback
}
