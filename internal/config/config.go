// Package config defines the immutable configuration value threaded through
// every component of an ingestion run.
//
// Configuration arrives through the process environment (optionally seeded
// from a .env file). It is loaded once in main and passed down explicitly;
// no component reads the environment itself.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config carries every named value the ingestion run requires.
type Config struct {
	// Remote source.
	SourceBaseURL  string // SOURCE_BASE_URL
	SourceUser     string // SOURCE_USER
	SourcePassword string // SOURCE_PASSWORD

	// Source connection reference known to the downstream orchestrator.
	SourceConnectionID string // SOURCE_CONNECTION_ID

	// Warehouse layers. Project identifiers namespace the datasets of the
	// raw and refined layers.
	WarehouseDSN     string // WAREHOUSE_DSN
	RawProjectID     string // RAW_PROJECT_ID
	RefinedProjectID string // RF_PROJECT_ID

	// Object storage.
	ObjectStoreEndpoint  string // OBJECT_STORE_ENDPOINT
	ObjectStoreAccessKey string // OBJECT_STORE_ACCESS_KEY
	ObjectStoreSecretKey string // OBJECT_STORE_SECRET_KEY
	ObjectStoreUseSSL    bool   // OBJECT_STORE_USE_SSL
	ObjectStoreRegion    string // OBJECT_STORE_REGION
	StagingBucket        string // STAGING_BUCKET
	PipelineBucket       string // PIPELINES_BUCKET

	// Identity the warehouse scheduler runs the delta merge as.
	ScheduleServiceAccount string // SCHEDULE_SERVICE_ACCOUNT

	// Local working directories.
	StagingDir string // STAGING_DIR, default ./data
	OutDir     string // OUT_DIR, default ./out
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	// Best effort: a missing .env just means plain env vars.
	_ = godotenv.Load()

	return Config{
		SourceBaseURL:  os.Getenv("SOURCE_BASE_URL"),
		SourceUser:     os.Getenv("SOURCE_USER"),
		SourcePassword: os.Getenv("SOURCE_PASSWORD"),

		SourceConnectionID: os.Getenv("SOURCE_CONNECTION_ID"),

		WarehouseDSN:     os.Getenv("WAREHOUSE_DSN"),
		RawProjectID:     os.Getenv("RAW_PROJECT_ID"),
		RefinedProjectID: os.Getenv("RF_PROJECT_ID"),

		ObjectStoreEndpoint:  os.Getenv("OBJECT_STORE_ENDPOINT"),
		ObjectStoreAccessKey: os.Getenv("OBJECT_STORE_ACCESS_KEY"),
		ObjectStoreSecretKey: os.Getenv("OBJECT_STORE_SECRET_KEY"),
		ObjectStoreUseSSL:    envBool("OBJECT_STORE_USE_SSL", false),
		ObjectStoreRegion:    os.Getenv("OBJECT_STORE_REGION"),
		StagingBucket:        os.Getenv("STAGING_BUCKET"),
		PipelineBucket:       os.Getenv("PIPELINES_BUCKET"),

		ScheduleServiceAccount: os.Getenv("SCHEDULE_SERVICE_ACCOUNT"),

		StagingDir: envDefault("STAGING_DIR", "data"),
		OutDir:     envDefault("OUT_DIR", "out"),
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
