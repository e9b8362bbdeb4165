package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Roles select per-binary defaults such as the DB pool size.
const (
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// Config holds application configuration.
type Config struct {
	// Role is set by the binary, not the environment.
	Role            string
	Port            string
	Env             string
	CORSAllowOrigin []string
	DatabaseURL     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	QueueBackend   string
	SQSQueueURL    string
	AWSRegion      string
	AMQPURL        string
	AsynqRedisAddr string
	AsynqQueue     string

	ObjectStoreType string
	LocalStoreDir   string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string

	LLMProvider    string
	LLMModel       string
	LLMVisionModel string
	OpenAIAPIKey   string

	LockTTL          time.Duration
	IdempotencyTTL   time.Duration
	EventHistorySize int
	EventTTL         time.Duration

	Prices         Prices
	QuotaLimit     int
	ReconcileAfter time.Duration

	WorkerConcurrency int

	OTelExporter string
}

// Prices are quota costs charged per billable attempt.
type Prices struct {
	Match     int
	PreMatch  int
	Customize int
	Interview int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Local env files are optional; existing process env wins.
	if files := existingFiles(".env", "cmd/.env"); len(files) > 0 {
		_ = godotenv.Load(files...)
	}

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")
	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		Env:             env,
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		DatabaseURL:     dbURL,

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		QueueBackend:   normalizeQueueBackend(getEnv("QUEUE_BACKEND", "")),
		SQSQueueURL:    getEnv("SQS_QUEUE_URL", ""),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AMQPURL:        getEnv("AMQP_URL", ""),
		AsynqRedisAddr: getEnv("ASYNQ_REDIS_ADDR", getEnv("REDIS_ADDR", "")),
		AsynqQueue:     getEnv("ASYNQ_QUEUE", "pipeline"),

		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),

		LLMProvider:    getEnv("LLM_PROVIDER", "openai"),
		LLMModel:       getEnv("LLM_MODEL", ""),
		LLMVisionModel: getEnv("LLM_VISION_MODEL", getEnv("LLM_MODEL", "")),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),

		LockTTL:          getEnvDuration("LOCK_TTL", 10*time.Second),
		IdempotencyTTL:   getEnvDuration("IDEMPOTENCY_TTL", 10*time.Minute),
		EventHistorySize: getEnvInt("EVENT_HISTORY_SIZE", 50),
		EventTTL:         getEnvDuration("EVENT_TTL", 24*time.Hour),

		Prices: Prices{
			Match:     getEnvInt("PRICE_MATCH", 1),
			PreMatch:  getEnvInt("PRICE_PREMATCH", 1),
			Customize: getEnvInt("PRICE_CUSTOMIZE", 2),
			Interview: getEnvInt("PRICE_INTERVIEW", 1),
		},
		QuotaLimit:     getEnvInt("QUOTA_LIMIT", 10),
		ReconcileAfter: getEnvDuration("RECONCILE_AFTER", 30*time.Minute),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),

		OTelExporter: strings.ToLower(getEnv("OTEL_EXPORTER", "")),
	}
}

func existingFiles(paths ...string) []string {
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config %s invalid int: %v", key, err)
		return def
	}
	return val
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config %s invalid duration: %v", key, err)
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeQueueBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqs":
		return "sqs"
	case "asynq", "redis":
		return "asynq"
	case "rabbitmq", "amqp":
		return "rabbitmq"
	case "memory":
		return "memory"
	default:
		return ""
	}
}
