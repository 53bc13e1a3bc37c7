package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Database  DatabaseConfig
	KurrentDB KurrentDBConfig
	Auth      AuthConfig
	AI        AIConfig
	Storage   StorageConfig
	HIS       HISConfig
	Pipeline  PipelineConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	AllowedOrigins []string
	// SessionTTL is how long finished processing sessions stay queryable.
	SessionTTL time.Duration
}

type LogConfig struct {
	Level  string
	Format string // text or json
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for the KurrentDB (EventStoreDB) event bus.
type KurrentDBConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
	// StreamPrefix is prepended to every stream name, e.g. memora-analysis-result-saved.
	StreamPrefix string
}

type AuthConfig struct {
	JWTSecret string
	Roles     []string
}

// AIConfig configures the multimodal inference backend.
type AIConfig struct {
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// StorageConfig configures the object store holding uploaded media.
type StorageConfig struct {
	Enabled       bool
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PresignExpiry time.Duration
}

// HISConfig points at the hospital information system used for patient context.
type HISConfig struct {
	Enabled        bool
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	Encrypt        bool
	PatientTable   string
	DiagnosisTable string
}

type PipelineConfig struct {
	VideoInterval     time.Duration
	AudioSegment      time.Duration
	PersistEvery      int
	MaxUploadBytes    int64
	MaxStreamDuration time.Duration
	MaxTranscription  int
	InferenceRetries  int
	RetryDelay        time.Duration
}

type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			Env:            getEnv("ENV", "development"),
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			SessionTTL:     getEnvDuration("SESSION_TTL", time.Hour),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", true),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "memora"),
			Password: getEnv("DB_PASSWORD", "memora"),
			Database: getEnv("DB_NAME", "memora"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:      getEnvBool("KURRENTDB_ENABLED", true),
			Host:         getEnv("KURRENTDB_HOST", "localhost"),
			Port:         getEnvInt("KURRENTDB_PORT", 2113),
			Insecure:     getEnvBool("KURRENTDB_INSECURE", true),
			Username:     getEnv("KURRENTDB_USERNAME", ""),
			Password:     getEnv("KURRENTDB_PASSWORD", ""),
			StreamPrefix: getEnv("KURRENTDB_STREAM_PREFIX", "memora"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", "dev-secret-change-in-prod"),
			Roles:     getEnvSlice("AUTH_ANALYSIS_ROLES", []string{"doctor", "caregiver"}),
		},
		AI: AIConfig{
			APIKey:            getEnv("GEMINI_API_KEY", ""),
			Model:             getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			Timeout:           getEnvDuration("AI_TIMEOUT", 60*time.Second),
			RequestsPerSecond: getEnvFloat("AI_REQUESTS_PER_SECOND", 2),
			Burst:             getEnvInt("AI_BURST", 4),
		},
		Storage: StorageConfig{
			Enabled:       getEnvBool("MINIO_ENABLED", true),
			Endpoint:      getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:     getEnv("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:     getEnv("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:        getEnv("MINIO_BUCKET", "patient-media"),
			UseSSL:        getEnvBool("MINIO_USE_SSL", false),
			PresignExpiry: getEnvDuration("MINIO_PRESIGN_EXPIRY", 7*24*time.Hour),
		},
		HIS: HISConfig{
			Enabled:        getEnvBool("HIS_ENABLED", false),
			Host:           getEnv("HIS_HOST", "localhost"),
			Port:           getEnvInt("HIS_PORT", 1433),
			Database:       getEnv("HIS_DATABASE", "his"),
			User:           getEnv("HIS_USER", "sa"),
			Password:       getEnv("HIS_PASSWORD", ""),
			Encrypt:        getEnvBool("HIS_ENCRYPT", false),
			PatientTable:   getEnv("HIS_PATIENT_TABLE", "dbo.Patients"),
			DiagnosisTable: getEnv("HIS_DIAGNOSIS_TABLE", "dbo.Diagnoses"),
		},
		Pipeline: PipelineConfig{
			VideoInterval:     getEnvDuration("PIPELINE_VIDEO_INTERVAL", 5*time.Second),
			AudioSegment:      getEnvDuration("PIPELINE_AUDIO_SEGMENT", 10*time.Second),
			PersistEvery:      getEnvInt("PIPELINE_PERSIST_EVERY", 5),
			MaxUploadBytes:    int64(getEnvInt("PIPELINE_MAX_UPLOAD_BYTES", 20<<20)),
			MaxStreamDuration: getEnvDuration("PIPELINE_MAX_STREAM_DURATION", 2*time.Hour),
			MaxTranscription:  getEnvInt("PIPELINE_MAX_TRANSCRIPTION", 32<<10),
			InferenceRetries:  getEnvInt("PIPELINE_INFERENCE_RETRIES", 0),
			RetryDelay:        getEnvDuration("PIPELINE_RETRY_DELAY", 2*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvInt("RATE_LIMIT_RPS", 20),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 40),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.VideoInterval <= 0 {
		return fmt.Errorf("PIPELINE_VIDEO_INTERVAL must be positive")
	}
	if c.Pipeline.AudioSegment <= 0 {
		return fmt.Errorf("PIPELINE_AUDIO_SEGMENT must be positive")
	}
	if c.Pipeline.PersistEvery < 1 {
		return fmt.Errorf("PIPELINE_PERSIST_EVERY must be at least 1")
	}
	if c.Pipeline.MaxUploadBytes <= 0 {
		return fmt.Errorf("PIPELINE_MAX_UPLOAD_BYTES must be positive")
	}
	if c.Server.Env == "production" && c.Auth.JWTSecret == "dev-secret-change-in-prod" {
		return fmt.Errorf("AUTH_JWT_SECRET must be set in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvSlice reads a comma-separated list.
func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		if v := strings.TrimSpace(part); v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
