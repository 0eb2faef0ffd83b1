// Package metrics keeps process-wide pipeline counters and renders them in
// Prometheus text format.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	analysisStartedTotal   atomic.Uint64
	analysisCompletedTotal atomic.Uint64
	analysisFailedTotal    atomic.Uint64

	postingsSkippedTotal  atomic.Uint64
	postingsRejectedTotal atomic.Uint64
	postingsDeletedTotal  atomic.Uint64
	postingsArchivedTotal atomic.Uint64
	postingsSentTotal     atomic.Uint64

	artifactSucceededTotal atomic.Uint64
	artifactRetriedTotal   atomic.Uint64
	artifactFailedTotal    atomic.Uint64

	enrichmentCompletedTotal atomic.Uint64
	illegalTransitionsTotal  atomic.Uint64

	errorsByCategory sync.Map // string -> *atomic.Uint64

	analysisDuration = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000})
)

// IncAnalysisStarted increments the started counter.
func IncAnalysisStarted() { analysisStartedTotal.Add(1) }

// IncAnalysisCompleted increments the completed counter.
func IncAnalysisCompleted() { analysisCompletedTotal.Add(1) }

// IncAnalysisFailed increments the failed counter.
func IncAnalysisFailed() { analysisFailedTotal.Add(1) }

func IncSkipped()  { postingsSkippedTotal.Add(1) }
func IncRejected() { postingsRejectedTotal.Add(1) }
func IncDeleted()  { postingsDeletedTotal.Add(1) }
func IncArchived() { postingsArchivedTotal.Add(1) }
func IncSent()     { postingsSentTotal.Add(1) }

func IncArtifactSucceeded() { artifactSucceededTotal.Add(1) }
func IncArtifactRetried()   { artifactRetriedTotal.Add(1) }
func IncArtifactFailed()    { artifactFailedTotal.Add(1) }

func IncEnrichmentCompleted() { enrichmentCompletedTotal.Add(1) }

// IncIllegalTransition counts status writes rejected by the state machine.
func IncIllegalTransition() { illegalTransitionsTotal.Add(1) }

// IncError counts a classified pipeline error.
func IncError(category string) {
	v, _ := errorsByCategory.LoadOrStore(category, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// ObserveAnalysisDurationMs records an analysis duration in milliseconds.
func ObserveAnalysisDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	analysisDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "analysis_started_total", "Total analyses started", analysisStartedTotal.Load())
	writeCounter(&buf, "analysis_completed_total", "Total analyses completed", analysisCompletedTotal.Load())
	writeCounter(&buf, "analysis_failed_total", "Total analyses failed", analysisFailedTotal.Load())
	writeCounter(&buf, "postings_skipped_total", "Postings moved to SKIPPED", postingsSkippedTotal.Load())
	writeCounter(&buf, "postings_rejected_total", "Postings rejected by the local filter", postingsRejectedTotal.Load())
	writeCounter(&buf, "postings_deleted_total", "Postings deleted after the source reported them gone", postingsDeletedTotal.Load())
	writeCounter(&buf, "postings_archived_total", "Skipped postings archived after the retry window", postingsArchivedTotal.Load())
	writeCounter(&buf, "postings_sent_total", "Postings delivered", postingsSentTotal.Load())
	writeCounter(&buf, "artifact_succeeded_total", "Artifacts generated", artifactSucceededTotal.Load())
	writeCounter(&buf, "artifact_retried_total", "Artifact attempts scheduled for retry", artifactRetriedTotal.Load())
	writeCounter(&buf, "artifact_failed_total", "Artifacts abandoned after the last attempt", artifactFailedTotal.Load())
	writeCounter(&buf, "enrichment_completed_total", "Postings enriched with tags", enrichmentCompletedTotal.Load())
	writeCounter(&buf, "illegal_transitions_total", "Status writes rejected by the state machine", illegalTransitionsTotal.Load())
	writeLabeledCounter(&buf, "pipeline_errors_total", "Pipeline errors by category", "category", snapshotErrors())
	writeHistogram(&buf, "analysis_duration_ms", "Analysis duration in milliseconds", analysisDuration.Snapshot())
	return buf.String()
}

func snapshotErrors() map[string]uint64 {
	out := make(map[string]uint64)
	errorsByCategory.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe records value in the first bucket that holds it; Render accumulates.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeLabeledCounter(buf *bytes.Buffer, name, help, label string, values map[string]uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
