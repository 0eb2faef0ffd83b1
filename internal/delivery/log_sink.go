package delivery

import (
	"context"

	"posting-pipeline/internal/shared/telemetry"
)

// LogSink writes each delivery as a log event. Used in dev and when no broker is configured.
type LogSink struct{}

// Publish logs d.
func (LogSink) Publish(ctx context.Context, d Delivery) {
	_ = ctx
	telemetry.Info("delivery.published", map[string]any{
		"posting_id":   d.PostingID,
		"title":        d.Title,
		"url":          d.URL,
		"score":        d.Score,
		"tags":         d.Tags,
		"artifact_key": d.ArtifactKey,
		"has_artifact": d.ArtifactText != "",
		"request_id":   d.RequestID,
	})
}

var _ Sink = LogSink{}
