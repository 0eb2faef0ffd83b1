package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"posting-pipeline/internal/delivery"
	"posting-pipeline/internal/gates"
	"posting-pipeline/internal/postings"
	"posting-pipeline/internal/shared/metrics"
	"posting-pipeline/internal/shared/telemetry"
)

// Deps are the collaborators the pipeline calls. Fetcher, Limiter, Breaker
// and Generator are optional.
type Deps struct {
	Store     postings.Repo
	Scorer    Scorer
	Breaker   Breaker
	Limiter   gates.RateLimiter
	Fetcher   DetailFetcher
	Validator ContentValidator
	Generator ArtifactGenerator
	Sink      delivery.Sink
	Now       func() time.Time
}

// Config tunes pool sizes, retry limits and recovery schedules.
type Config struct {
	AnalysisConcurrency   int
	EnrichmentConcurrency int
	ArtifactConcurrency   int
	ArtifactMaxAttempts   int
	ArtifactsEnabled      bool
	VerifyExistence       bool

	SkippedRetryWindow      time.Duration
	SkippedRecoveryInterval time.Duration
	EnrichmentScanInterval  time.Duration
	EnrichmentBatchSize     int
	ShutdownGrace           time.Duration
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		AnalysisConcurrency:     3,
		EnrichmentConcurrency:   1,
		ArtifactConcurrency:     2,
		ArtifactMaxAttempts:     3,
		ArtifactsEnabled:        true,
		SkippedRetryWindow:      48 * time.Hour,
		SkippedRecoveryInterval: 15 * time.Minute,
		EnrichmentScanInterval:  5 * time.Minute,
		EnrichmentBatchSize:     50,
		ShutdownGrace:           30 * time.Second,
	}
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"inFlight"`
	Running  int `json:"running"`
}

// Stats is a point-in-time view of the whole pipeline.
type Stats struct {
	Analysis       QueueStats `json:"analysis"`
	Enrichment     QueueStats `json:"enrichment"`
	Artifact       QueueStats `json:"artifact"`
	Breaker        string     `json:"breaker"`
	LimiterTokens  int        `json:"limiterTokens"`
	ScorerInFlight int        `json:"scorerInFlight"`
}

// RecoveryReport counts what a recovery pass did.
type RecoveryReport struct {
	Recovered int
	Deleted   int
	Archived  int
	Skipped   int
}

// Orchestrator owns the three queues, runs recovery at startup and on a
// schedule, and coordinates shutdown.
type Orchestrator struct {
	deps Deps
	cfg  Config

	analysis   *AnalysisQueue
	enrichment *EnrichmentQueue
	artifacts  *ArtifactRetryQueue

	cron *cron.Cron

	mu       sync.Mutex
	started  bool
	stopping bool
	cancel   context.CancelFunc
}

// New wires the queues. Store, Scorer, Validator and Sink are required, and
// Generator when artifacts are enabled.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil || deps.Scorer == nil || deps.Validator == nil || deps.Sink == nil {
		return nil, errors.New("pipeline: store, scorer, validator and sink are required")
	}
	if cfg.ArtifactsEnabled && deps.Generator == nil {
		return nil, errors.New("pipeline: artifact generator is required when artifacts are enabled")
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	def := DefaultConfig()
	if cfg.SkippedRetryWindow <= 0 {
		cfg.SkippedRetryWindow = def.SkippedRetryWindow
	}
	if cfg.EnrichmentBatchSize <= 0 {
		cfg.EnrichmentBatchSize = def.EnrichmentBatchSize
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}

	d := &deliverer{store: deps.Store, sink: deps.Sink, now: deps.Now}
	o := &Orchestrator{deps: deps, cfg: cfg}
	o.enrichment = newEnrichmentQueue(deps, cfg)
	if cfg.ArtifactsEnabled {
		o.artifacts = newArtifactRetryQueue(deps, cfg, d)
	}
	o.analysis = newAnalysisQueue(deps, cfg, o.enrichment, o.artifacts, d)
	return o, nil
}

// Analysis returns the analysis queue.
func (o *Orchestrator) Analysis() *AnalysisQueue { return o.analysis }

// Enrichment returns the enrichment queue.
func (o *Orchestrator) Enrichment() *EnrichmentQueue { return o.enrichment }

// Artifacts returns the artifact queue, or nil when artifacts are disabled.
func (o *Orchestrator) Artifacts() *ArtifactRetryQueue { return o.artifacts }

// Start launches the workers, runs the startup recovery pass and schedules
// the periodic passes.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("pipeline: already started")
	}
	o.started = true
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.mu.Unlock()

	o.analysis.pool.start(workCtx)
	o.enrichment.pool.start(workCtx)
	if o.artifacts != nil {
		o.artifacts.pool.start(workCtx)
	}

	if _, err := o.RecoverStartup(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	c := cron.New()
	if o.cfg.SkippedRecoveryInterval > 0 {
		if _, err := c.AddFunc(every(o.cfg.SkippedRecoveryInterval), func() {
			if _, err := o.RecoverSkipped(workCtx); err != nil {
				logFailure("pipeline.recovery.skipped_failed", "", err, nil)
			}
		}); err != nil {
			return fmt.Errorf("schedule skipped recovery: %w", err)
		}
	}
	if o.cfg.EnrichmentScanInterval > 0 {
		if _, err := c.AddFunc(every(o.cfg.EnrichmentScanInterval), func() {
			if _, err := o.ScanEnrichment(workCtx); err != nil {
				logFailure("pipeline.recovery.enrichment_failed", "", err, nil)
			}
		}); err != nil {
			return fmt.Errorf("schedule enrichment scan: %w", err)
		}
	}
	c.Start()
	o.mu.Lock()
	o.cron = c
	o.mu.Unlock()

	telemetry.Info("pipeline.started", map[string]any{
		"analysis_concurrency":   o.cfg.AnalysisConcurrency,
		"enrichment_concurrency": o.cfg.EnrichmentConcurrency,
		"artifact_concurrency":   o.cfg.ArtifactConcurrency,
		"artifacts_enabled":      o.artifacts != nil,
	})
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// RecoverStartup re-derives pending work from the Store: NEW and QUEUED
// postings go to analysis, unfinished artifacts are resumed, and accepted
// postings that never reached delivery are repaired. Running it twice in a
// row enqueues nothing new.
func (o *Orchestrator) RecoverStartup(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	for _, status := range []postings.Status{postings.StatusQueued, postings.StatusNew} {
		items, err := o.deps.Store.ListByStatus(ctx, status)
		if err != nil {
			return report, err
		}
		for _, p := range items {
			if o.analysis.Enqueue(p.ID) {
				report.Recovered++
			} else {
				report.Skipped++
			}
		}
	}

	if o.artifacts != nil {
		n, err := o.artifacts.Recover(ctx)
		if err != nil {
			return report, err
		}
		report.Recovered += n
	}

	repaired, err := o.repairAnalyzed(ctx)
	if err != nil {
		return report, err
	}
	report.Recovered += repaired

	telemetry.Info("pipeline.recovery.startup", map[string]any{
		"recovered": report.Recovered,
		"skipped":   report.Skipped,
	})
	return report, nil
}

// repairAnalyzed finds ANALYZED postings whose artifact never started, or
// whose artifact is finished but which were never delivered.
func (o *Orchestrator) repairAnalyzed(ctx context.Context) (int, error) {
	analyzed, err := o.deps.Store.ListByStatus(ctx, postings.StatusAnalyzed)
	if err != nil {
		return 0, err
	}
	d := o.analysis.deliverer
	repaired := 0
	for _, p := range analyzed {
		a, err := o.deps.Store.GetAnalysis(ctx, p.ID)
		if err != nil {
			logFailure("pipeline.recovery.repair_failed", p.ID, err, nil)
			continue
		}
		if !a.IsAccepted {
			continue
		}
		switch {
		case o.analysis.InFlight(p.ID):
		case o.artifacts != nil && o.artifacts.inflight.contains(p.ID):
		case o.artifacts != nil && a.ArtifactStatus == postings.ArtifactNotAttempted:
			if o.artifacts.Enqueue(p.ID, 1) {
				repaired++
			}
		case o.artifacts != nil && (a.ArtifactStatus == postings.ArtifactInProgress || a.ArtifactStatus == postings.ArtifactRetryQueued):
			// Owned by the artifact queue.
		default:
			d.deliver(ctx, p, a, "", uuid.NewString())
			repaired++
		}
	}
	return repaired, nil
}

// RecoverSkipped resubmits SKIPPED postings younger than the retry window and
// archives the rest. It does nothing while the breaker is open.
func (o *Orchestrator) RecoverSkipped(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if o.deps.Breaker != nil && o.deps.Breaker.State() == gates.BreakerOpen {
		telemetry.Info("pipeline.recovery.skipped_deferred", map[string]any{"breaker": string(gates.BreakerOpen)})
		return report, nil
	}
	items, err := o.deps.Store.ListByStatus(ctx, postings.StatusSkipped)
	if err != nil {
		return report, err
	}
	now := o.deps.Now()
	for _, p := range items {
		if o.analysis.InFlight(p.ID) {
			report.Skipped++
			continue
		}
		if now.Sub(p.CreatedAt) > o.cfg.SkippedRetryWindow {
			archived, ok, err := transition(ctx, o.deps.Store, p, postings.StatusArchived)
			if err != nil {
				logFailure("pipeline.recovery.archive_failed", p.ID, err, nil)
				continue
			}
			if ok {
				metrics.IncArchived()
				logOutcome("pipeline.recovery.archived", archived, p.Status, "", map[string]any{"age": now.Sub(p.CreatedAt).String()})
				report.Archived++
			}
			continue
		}
		if _, ok, err := transition(ctx, o.deps.Store, p, postings.StatusNew); err != nil || !ok {
			if err != nil {
				logFailure("pipeline.recovery.requeue_failed", p.ID, err, nil)
			}
			report.Skipped++
			continue
		}
		if o.analysis.Enqueue(p.ID) {
			report.Recovered++
		} else {
			report.Skipped++
		}
	}
	telemetry.Info("pipeline.recovery.skipped", map[string]any{
		"recovered": report.Recovered,
		"archived":  report.Archived,
		"deleted":   report.Deleted,
		"skipped":   report.Skipped,
	})
	return report, nil
}

// ScanEnrichment enqueues untagged accepted postings, but only while the
// pipeline is otherwise idle: breaker closed, analysis queue empty and no
// scoring call running.
func (o *Orchestrator) ScanEnrichment(ctx context.Context) (int, error) {
	if !o.idle() {
		telemetry.Info("pipeline.recovery.enrichment_deferred", map[string]any{
			"analysis_pending": o.analysis.Pending(),
			"scorer_in_flight": o.deps.Scorer.ActiveCalls(),
		})
		return 0, nil
	}
	items, err := o.deps.Store.ListAcceptedWithoutTags(ctx, o.cfg.EnrichmentBatchSize)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, p := range items {
		if o.enrichment.Enqueue(ctx, p.ID, true) {
			enqueued++
		}
	}
	telemetry.Info("pipeline.recovery.enrichment", map[string]any{
		"candidates": len(items),
		"recovered":  enqueued,
	})
	return enqueued, nil
}

func (o *Orchestrator) idle() bool {
	if o.deps.Breaker != nil && o.deps.Breaker.State() != gates.BreakerClosed {
		return false
	}
	return o.analysis.Pending() == 0 && o.deps.Scorer.ActiveCalls() == 0
}

// Stats returns queue depths and gate positions.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		Analysis:       o.analysis.stats(),
		Enrichment:     o.enrichment.stats(),
		Breaker:        string(gates.BreakerClosed),
		LimiterTokens:  math.MaxInt32,
		ScorerInFlight: o.deps.Scorer.ActiveCalls(),
	}
	if o.artifacts != nil {
		s.Artifact = o.artifacts.stats()
	}
	if o.deps.Breaker != nil {
		s.Breaker = string(o.deps.Breaker.State())
	}
	if o.deps.Limiter != nil {
		s.LimiterTokens = o.deps.Limiter.AvailableTokens()
	}
	return s
}

// Shutdown stops the schedule and closes every queue, then waits up to the
// grace period before cancelling the workers. Queued items still run during
// the grace period; whatever has not started by then is dropped and recovery
// finds it in the Store next time.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return nil
	}
	o.stopping = true
	c, cancel := o.cron, o.cancel
	o.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	pools := []*workerPool{o.analysis.pool, o.enrichment.pool}
	if o.artifacts != nil {
		pools = append(pools, o.artifacts.pool)
	}
	for _, p := range pools {
		p.close()
	}

	done := make(chan struct{})
	go func() {
		for _, p := range pools {
			p.wait()
		}
		close(done)
	}()

	grace := time.NewTimer(o.cfg.ShutdownGrace)
	defer grace.Stop()
	var err error
	select {
	case <-done:
	case <-grace.C:
		err = errors.New("pipeline: shutdown grace period elapsed")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cancel != nil {
		cancel()
	}
	if err != nil {
		telemetry.Warn("pipeline.shutdown.cancelled", map[string]any{"error": err.Error()})
		<-done
	}
	telemetry.Info("pipeline.stopped", map[string]any{})
	return err
}
