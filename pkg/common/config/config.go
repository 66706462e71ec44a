package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// FHIR server
	FHIRBaseURL      string
	FHIRTokenURL     string
	FHIRClientID     string
	FHIRClientSecret string
	FHIRScopes       []string
	FHIRPageSize     int
	FHIRMaxPages     int
	FHIRTimeout      time.Duration
	FHIRRetries      int
	FHIRCacheTTL     time.Duration

	// Extraction
	ExtractionSpecPath string
	CodeSetPath        string
	CohortCodeSet      string
	OutputDir          string

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	PersistRuns      bool

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers        []string
	KafkaGroupID        string
	PipelineTopic       string
	PipelineDLQ         string
	ResolveRequestTopic string
	PublishEvents       bool
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		FHIRBaseURL:      getEnv("FHIR_BASE_URL", "http://localhost:8100/fhir"),
		FHIRTokenURL:     getEnv("FHIR_TOKEN_URL", ""),
		FHIRClientID:     getEnv("FHIR_CLIENT_ID", ""),
		FHIRClientSecret: getEnv("FHIR_CLIENT_SECRET", ""),
		FHIRScopes:       getStringSliceEnv("FHIR_SCOPES", []string{"system/*.read"}),
		FHIRPageSize:     getIntEnv("FHIR_PAGE_SIZE", 500),
		FHIRMaxPages:     getIntEnv("FHIR_MAX_PAGES", 0),
		FHIRTimeout:      getDuration("FHIR_REQUEST_TIMEOUT", 30*time.Second),
		FHIRRetries:      getIntEnv("FHIR_RETRIES", 3),
		FHIRCacheTTL:     getDuration("FHIR_CACHE_TTL", 0),

		ExtractionSpecPath: getEnv("EXTRACTION_SPEC_PATH", ""),
		CodeSetPath:        getEnv("CODE_SET_PATH", ""),
		CohortCodeSet:      getEnv("COHORT_CODE_SET", "melanoma"),
		OutputDir:          getEnv("OUTPUT_DIR", "./output"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "carepath"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "carepath123"),
		PostgresDB:       getEnv("POSTGRES_DB", "carepath"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PersistRuns:      getBoolEnv("PERSIST_RUNS", false),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:        getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:        getEnv("KAFKA_GROUP_ID", "carepath-pipeline"),
		PipelineTopic:       getEnv("PIPELINE_TOPIC", "pipeline-events"),
		PipelineDLQ:         getEnv("PIPELINE_DLQ_TOPIC", ""),
		ResolveRequestTopic: getEnv("RESOLVE_REQUEST_TOPIC", ""),
		PublishEvents:       getBoolEnv("PUBLISH_EVENTS", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
