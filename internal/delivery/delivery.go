// Package delivery forwards accepted postings to the notification sink.
// Publishing is fire-and-forget: sinks never report failures back to the pipeline.
package delivery

import (
	"context"
	"encoding/json"
	"time"
)

// Delivery is the payload sent downstream for an accepted posting.
type Delivery struct {
	PostingID    string    `json:"postingId"`
	Title        string    `json:"title"`
	Company      string    `json:"company,omitempty"`
	URL          string    `json:"url,omitempty"`
	Score        float64   `json:"score"`
	Reasoning    string    `json:"reasoning,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	ArtifactKey  string    `json:"artifactKey,omitempty"`
	ArtifactText string    `json:"artifactText,omitempty"`
	RequestID    string    `json:"requestId"`
	PublishedAt  time.Time `json:"publishedAt"`
	Version      int       `json:"version"`
}

// Sink publishes deliveries.
type Sink interface {
	Publish(ctx context.Context, d Delivery)
}

// Encode returns the JSON representation of a delivery.
func Encode(d Delivery) ([]byte, error) {
	if d.Version == 0 {
		d.Version = 1
	}
	return json.Marshal(d)
}

// Decode parses a JSON payload into a Delivery.
func Decode(payload []byte) (Delivery, error) {
	var d Delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		return Delivery{}, err
	}
	return d, nil
}
