package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"posting-pipeline/internal/artifacts"
	"posting-pipeline/internal/delivery"
	"posting-pipeline/internal/filter"
	"posting-pipeline/internal/gates"
	"posting-pipeline/internal/llm"
	openai "posting-pipeline/internal/llm/openai"
	"posting-pipeline/internal/pipeline"
	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/scoring"
	"posting-pipeline/internal/services/health"
	"posting-pipeline/internal/shared/config"
	"posting-pipeline/internal/shared/server"
	"posting-pipeline/internal/shared/storage/db"
	"posting-pipeline/internal/shared/storage/object"
	localstore "posting-pipeline/internal/shared/storage/object/local"
	s3store "posting-pipeline/internal/shared/storage/object/s3"
	"posting-pipeline/internal/source"
)

const sourceQuotaWindow = time.Minute

// App holds every constructed dependency of the worker process.
type App struct {
	Config   config.Config
	DB       *sql.DB
	Redis    *redis.Client
	Store    object.ObjectStore
	Repo     postings.Repo
	LLM      llm.Client
	Breaker  *gates.CircuitBreaker
	Limiter  gates.RateLimiter
	Scorer   *scoring.Scorer
	Source   *source.Client
	Sink     delivery.Sink
	Pipeline *pipeline.Orchestrator
	Health   *health.Service
	Router   *gin.Engine
}

// closer is implemented by the sinks that send in the background.
type closer interface {
	Close(ctx context.Context) error
}

// Build constructs the pipeline and its ops router. Nothing is started.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, DB: sqlDB}
	if sqlDB != nil {
		app.Repo = &postings.PGRepo{DB: sqlDB}
	} else {
		app.Repo = postings.NewMemoryRepo()
	}

	app.Redis, err = buildRedis(cfg)
	if err != nil {
		return nil, err
	}

	app.Store, err = buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app.LLM, err = buildLLM(cfg)
	if err != nil {
		return nil, err
	}

	app.Breaker = gates.NewCircuitBreaker("scorer", cfg.BreakerFailureThreshold, cfg.BreakerOpenTimeout)
	app.Scorer = scoring.NewScorer(app.LLM, app.Breaker, scoring.Options{Profile: cfg.ProfileText})
	app.Limiter = buildLimiter(cfg, app.Redis)
	app.Source = source.NewClient(cfg.SourceBaseURL, cfg.SourceAccessToken)

	app.Sink, err = buildSink(ctx, cfg, app.Redis)
	if err != nil {
		return nil, err
	}

	orchestrator, err := pipeline.New(pipeline.Deps{
		Store:     app.Repo,
		Scorer:    app.Scorer,
		Breaker:   app.Breaker,
		Limiter:   app.Limiter,
		Fetcher:   app.Source,
		Validator: filter.NewValidator(cfg.ExcludeKeywords, cfg.RelevanceKeywords, cfg.TagVocabulary),
		Generator: artifacts.NewGenerator(app.LLM, app.Store, cfg.ProfileText, 0),
		Sink:      app.Sink,
	}, pipelineConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	app.Pipeline = orchestrator

	app.Health = buildHealth(app)
	app.Router = server.NewRouter(app.Health, app.Pipeline)
	return app, nil
}

// Close releases the sink, Redis and the database after the pipeline stopped.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if c, ok := a.Sink.(closer); ok {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	return pipeline.Config{
		AnalysisConcurrency:     cfg.AnalysisConcurrency,
		EnrichmentConcurrency:   cfg.EnrichmentConcurrency,
		ArtifactConcurrency:     cfg.ArtifactConcurrency,
		ArtifactMaxAttempts:     cfg.ArtifactMaxAttempts,
		ArtifactsEnabled:        cfg.ArtifactsEnabled,
		VerifyExistence:         cfg.VerifyExistence,
		SkippedRetryWindow:      cfg.SkippedRetryWindow,
		SkippedRecoveryInterval: cfg.SkippedRecoveryInterval,
		EnrichmentScanInterval:  cfg.EnrichmentScanInterval,
		EnrichmentBatchSize:     cfg.EnrichmentBatchSize,
		ShutdownGrace:           cfg.ShutdownGrace,
	}
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory posting store")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultWorkerOptions()))
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory posting store: %v", err)
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func buildRedis(cfg config.Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildLLM(cfg config.Config) (llm.Client, error) {
	if cfg.LLMProvider != "openai" {
		log.Printf("bootstrap: LLM_PROVIDER=%q; using placeholder client", cfg.LLMProvider)
		return llm.PlaceholderClient{}, nil
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" && isDevLike(cfg.Env) {
		log.Printf("bootstrap: OPENAI_API_KEY empty; using placeholder client")
		return llm.PlaceholderClient{}, nil
	}
	return openai.NewClient(cfg.OpenAIAPIKey, cfg.LLMModel)
}

// buildLimiter charges the local bucket first, then the quota shared through
// Redis. The Redis limiter is only chained when a client exists.
func buildLimiter(cfg config.Config, client *redis.Client) gates.RateLimiter {
	local := gates.NewTokenBucket(cfg.SourceRatePerSec, cfg.SourceRateBurst, nil)
	if client == nil || cfg.SourceRatePerSec <= 0 {
		return local
	}
	perWindow := int(cfg.SourceRatePerSec * sourceQuotaWindow.Seconds())
	if perWindow < 1 {
		perWindow = 1
	}
	return gates.Chain{local, gates.NewRedisLimiter(client, "ratelimit:source", perWindow, sourceQuotaWindow)}
}

func buildSink(ctx context.Context, cfg config.Config, client *redis.Client) (delivery.Sink, error) {
	switch cfg.DeliverySink {
	case "sqs":
		return delivery.NewSQSSink(ctx, cfg.AWSRegion, cfg.DeliverySQSQueueURL)
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("DELIVERY_SINK=redis requires REDIS_URL")
		}
		return delivery.NewRedisSink(client, cfg.DeliveryRedisChannel, 0), nil
	default:
		return delivery.LogSink{}, nil
	}
}

func buildHealth(app *App) *health.Service {
	svc := health.NewService(0)
	if app.DB != nil {
		svc.Register("database", func(ctx context.Context) error {
			return db.Ping(ctx, app.DB, 0)
		})
	}
	if app.Redis != nil {
		svc.Register("redis", func(ctx context.Context) error {
			return app.Redis.Ping(ctx).Err()
		})
	}
	return svc
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
