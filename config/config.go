package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-level settings loaded from environment variables.
// Pipeline parameters live in the HCL pipeline file (see Pipeline).
type Config struct {
	TrackingBackend string
	TrackingRoot    string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	LogLevel           string
	MetricsPort        string
	MetricsTextfileDir string

	MaxRetries  int
	RetryBaseMs int
	HTTPTimeout time.Duration

	// Project and RunGroup are exported by the orchestrator to every step.
	Project  string
	RunGroup string
}

// Environment variable names shared between the orchestrator and its steps.
const (
	EnvProject      = "PIPELINE_PROJECT"
	EnvRunGroup     = "PIPELINE_RUN_GROUP"
	EnvTrackingRoot = "TRACKING_ROOT"
	EnvTextfileDir  = "METRICS_TEXTFILE_DIR"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// DefaultProject is used by steps run outside the orchestrator.
const DefaultProject = "nyc_airbnb"

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] Could not read .env: %v", err)
	}

	return &Config{
		TrackingBackend: getEnv("TRACKING_BACKEND", BackendFile),
		TrackingRoot:    absPath(getEnv(EnvTrackingRoot, "./.tracking")),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "pipeline"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "pipeline123"),
		PostgresDB:       getEnv("POSTGRES_DB", "tracking"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		LogLevel:           getEnv("LOG_LEVEL", "info"),
		MetricsPort:        getEnv("METRICS_PORT", ""),
		MetricsTextfileDir: absPath(getEnv(EnvTextfileDir, "")),

		MaxRetries:  getEnvInt("MAX_RETRIES", 3),
		RetryBaseMs: getEnvInt("RETRY_BASE_MS", 1000),
		HTTPTimeout: time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 60)) * time.Second,

		Project:  getEnv(EnvProject, DefaultProject),
		RunGroup: getEnv(EnvRunGroup, ""),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// RetryBase returns the first back-off delay.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMs) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

// absPath anchors p to the current directory. Steps run in a temporary
// working directory, so the tracking root must not stay relative.
func absPath(p string) string {
	if p == "" {
		return p
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
