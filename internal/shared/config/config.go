package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Env         string
	OpsPort     string
	DatabaseURL string
	RedisURL    string

	LLMProvider  string
	LLMModel     string
	OpenAIAPIKey string
	ProfileText  string

	ExcludeKeywords   []string
	RelevanceKeywords []string
	TagVocabulary     []string

	AnalysisConcurrency   int
	ArtifactConcurrency   int
	EnrichmentConcurrency int
	ArtifactMaxAttempts   int
	ArtifactsEnabled      bool
	VerifyExistence       bool

	SkippedRetryWindow      time.Duration
	SkippedRecoveryInterval time.Duration
	EnrichmentScanInterval  time.Duration
	EnrichmentBatchSize     int
	ShutdownGrace           time.Duration

	SourceRatePerSec        float64
	SourceRateBurst         int
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration
	SourceBaseURL           string
	SourceAccessToken       string

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string

	DeliverySink         string
	DeliverySQSQueueURL  string
	DeliveryRedisChannel string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric or duration values and missing production settings are errors.
func Load() (Config, error) {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	p := &parser{}
	cfg := Config{
		Env:         normalizeEnv(getEnv("ENV", "dev")),
		OpsPort:     getEnv("OPS_PORT", "9090"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		LLMProvider:  strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		LLMModel:     getEnv("LLM_MODEL", ""),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		ProfileText:  getEnv("PROFILE_TEXT", ""),

		ExcludeKeywords:   splitAndTrim(getEnv("EXCLUDE_KEYWORDS", "")),
		RelevanceKeywords: splitAndTrim(getEnv("RELEVANCE_KEYWORDS", "")),
		TagVocabulary:     splitAndTrim(getEnv("TAG_VOCABULARY", "")),

		AnalysisConcurrency:   p.int("ANALYSIS_CONCURRENCY", 3),
		ArtifactConcurrency:   p.int("ARTIFACT_CONCURRENCY", 2),
		EnrichmentConcurrency: p.int("ENRICHMENT_CONCURRENCY", 1),
		ArtifactMaxAttempts:   p.int("ARTIFACT_MAX_ATTEMPTS", 3),
		ArtifactsEnabled:      p.bool("ARTIFACTS_ENABLED", true),
		VerifyExistence:       p.bool("VERIFY_EXISTENCE", false),

		SkippedRetryWindow:      p.duration("SKIPPED_RETRY_WINDOW", 48*time.Hour),
		SkippedRecoveryInterval: p.duration("SKIPPED_RECOVERY_INTERVAL", 15*time.Minute),
		EnrichmentScanInterval:  p.duration("ENRICHMENT_SCAN_INTERVAL", 5*time.Minute),
		EnrichmentBatchSize:     p.int("ENRICHMENT_BATCH_SIZE", 50),
		ShutdownGrace:           p.duration("SHUTDOWN_GRACE", 30*time.Second),

		SourceRatePerSec:        p.float("SOURCE_RATE_PER_SEC", 1),
		SourceRateBurst:         p.int("SOURCE_RATE_BURST", 5),
		BreakerFailureThreshold: p.int("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenTimeout:      p.duration("BREAKER_OPEN_TIMEOUT", 60*time.Second),
		SourceBaseURL:           strings.TrimRight(getEnv("SOURCE_BASE_URL", "https://api.hh.ru"), "/"),
		SourceAccessToken:       os.Getenv("SOURCE_ACCESS_TOKEN"),

		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),

		DeliverySink:         normalizeSink(getEnv("DELIVERY_SINK", "log")),
		DeliverySQSQueueURL:  getEnv("DELIVERY_SQS_QUEUE_URL", ""),
		DeliveryRedisChannel: getEnv("DELIVERY_REDIS_CHANNEL", "postings.delivered"),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Env == "production" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	for key, v := range map[string]int{
		"ANALYSIS_CONCURRENCY":   c.AnalysisConcurrency,
		"ARTIFACT_CONCURRENCY":   c.ArtifactConcurrency,
		"ENRICHMENT_CONCURRENCY": c.EnrichmentConcurrency,
		"ARTIFACT_MAX_ATTEMPTS":  c.ArtifactMaxAttempts,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", key, v)
		}
	}
	if c.ObjectStoreType == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when OBJECT_STORE=s3")
	}
	if c.DeliverySink == "sqs" && c.DeliverySQSQueueURL == "" {
		return fmt.Errorf("DELIVERY_SQS_QUEUE_URL is required when DELIVERY_SINK=sqs")
	}
	if c.DeliverySink == "redis" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when DELIVERY_SINK=redis")
	}
	return nil
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
}

func (p *parser) int(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
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

func normalizeSink(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqs":
		return "sqs"
	case "redis":
		return "redis"
	default:
		return "log"
	}
}
