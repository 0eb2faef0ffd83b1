package filter_test

import (
	"reflect"
	"testing"

	"posting-pipeline/internal/filter"
)

func TestValidate(t *testing.T) {
	v := filter.NewValidator(
		[]string{"PHP", "1С", "senior lead"},
		[]string{"Go", "Golang", "backend"},
		nil,
	)

	tests := []struct {
		name     string
		text     string
		accepted bool
		reason   string
		matched  []string
	}{
		{name: "relevant", text: "Backend developer (Go)", accepted: true, matched: []string{"backend", "Go"}},
		{name: "excluded wins", text: "Go and php developer", accepted: false, reason: filter.ReasonExcluded, matched: []string{"PHP"}},
		{name: "cyrillic exclusion", text: "Программист 1С, удалённо", accepted: false, reason: filter.ReasonExcluded, matched: []string{"1С"}},
		{name: "phrase exclusion", text: "Senior Lead Go engineer", accepted: false, reason: filter.ReasonExcluded, matched: []string{"senior lead"}},
		{name: "word boundary", text: "Google Cloud engineer", accepted: false, reason: filter.ReasonNotRelevant},
		{name: "no relevance", text: "Frontend React developer", accepted: false, reason: filter.ReasonNotRelevant},
		{name: "adjacent matches", text: "go,golang", accepted: true, matched: []string{"Go", "Golang"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(tt.text)
			if got.Accepted != tt.accepted {
				t.Fatalf("Accepted = %v, want %v (%+v)", got.Accepted, tt.accepted, got)
			}
			if got.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q", got.Reason, tt.reason)
			}
			if tt.matched != nil && !reflect.DeepEqual(got.Matched, tt.matched) {
				t.Fatalf("Matched = %v, want %v", got.Matched, tt.matched)
			}
		})
	}
}

func TestValidateWithoutRelevanceAcceptsAnything(t *testing.T) {
	v := filter.NewValidator([]string{"php"}, nil, nil)
	if got := v.Validate("Rust developer"); !got.Accepted {
		t.Fatalf("expected accepted, got %+v", got)
	}
	if got := filter.NewValidator(nil, nil, nil).Validate(""); !got.Accepted {
		t.Fatalf("empty validator should accept, got %+v", got)
	}
}

func TestTagsFollowVocabularyOrder(t *testing.T) {
	v := filter.NewValidator(nil, nil, []string{"Go", "PostgreSQL", "Kafka", "gRPC", "go"})

	got := v.Tags("We use kafka and Go, Go everywhere; storage is postgresql.")
	want := []string{"Go", "PostgreSQL", "Kafka"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tags = %v, want %v", got, want)
	}
	if tags := v.Tags("Python only"); len(tags) != 0 {
		t.Fatalf("expected no tags, got %v", tags)
	}
}
