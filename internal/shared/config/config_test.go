package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "dev")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AnalysisConcurrency != 3 || cfg.ArtifactConcurrency != 2 || cfg.EnrichmentConcurrency != 1 {
		t.Fatalf("unexpected pool sizes: %+v", cfg)
	}
	if cfg.ArtifactMaxAttempts != 3 {
		t.Fatalf("expected 3 artifact attempts, got %d", cfg.ArtifactMaxAttempts)
	}
	if cfg.SkippedRetryWindow != 48*time.Hour {
		t.Fatalf("expected 48h retry window, got %s", cfg.SkippedRetryWindow)
	}
	if !cfg.ArtifactsEnabled || cfg.VerifyExistence {
		t.Fatalf("unexpected feature flags: %+v", cfg)
	}
	if cfg.DeliverySink != "log" {
		t.Fatalf("expected log sink, got %s", cfg.DeliverySink)
	}
}

func TestLoadParsesLists(t *testing.T) {
	t.Setenv("EXCLUDE_KEYWORDS", " php , 1C,, ")
	t.Setenv("TAG_VOCABULARY", "go,kafka")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.ExcludeKeywords) != 2 || cfg.ExcludeKeywords[1] != "1C" {
		t.Fatalf("unexpected exclude keywords: %v", cfg.ExcludeKeywords)
	}
	if len(cfg.TagVocabulary) != 2 {
		t.Fatalf("unexpected vocabulary: %v", cfg.TagVocabulary)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"ANALYSIS_CONCURRENCY": "many",
		"SHUTDOWN_GRACE":       "soon",
		"ARTIFACTS_ENABLED":    "perhaps",
		"SOURCE_RATE_PER_SEC":  "fast",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestLoadRequiresDatabaseInProduction(t *testing.T) {
	t.Setenv("ENV", "prod")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without DATABASE_URL in production")
	}
}

func TestLoadRequiresQueueURLForSQSSink(t *testing.T) {
	t.Setenv("DELIVERY_SINK", "sqs")
	t.Setenv("DELIVERY_SQS_QUEUE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without DELIVERY_SQS_QUEUE_URL")
	}
}

func TestLoadRejectsZeroPool(t *testing.T) {
	t.Setenv("ARTIFACT_CONCURRENCY", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for zero artifact pool")
	}
}
