// Package postings owns the Posting record, its status state machine and the
// persistence contract the pipeline relies on.
//
// Status graph:
//
//	NEW -> QUEUED -> ANALYZED -> SENT -> APPLIED | NOT_INTERESTED
//	 |        |           |
//	 |        |           `-> NOT_SUITABLE
//	 |        `-> NOT_SUITABLE | SENT | SKIPPED | ARCHIVED | REJECTED
//	 `-> SKIPPED -> NEW | NOT_SUITABLE | ARCHIVED
//
// NOT_SUITABLE, ARCHIVED, APPLIED, NOT_INTERESTED and REJECTED are terminal.
package postings

import "fmt"

// Status values mirror the posting_status column.
type Status string

const (
	StatusNew           Status = "NEW"
	StatusQueued        Status = "QUEUED"
	StatusAnalyzed      Status = "ANALYZED"
	StatusNotSuitable   Status = "NOT_SUITABLE"
	StatusSent          Status = "SENT"
	StatusSkipped       Status = "SKIPPED"
	StatusArchived      Status = "ARCHIVED"
	StatusRejected      Status = "REJECTED"
	StatusApplied       Status = "APPLIED"
	StatusNotInterested Status = "NOT_INTERESTED"
)

// validTransitions lists every allowed (from → to) pair other than the
// reflexive no-op. Statuses without an entry are terminal.
var validTransitions = map[Status][]Status{
	StatusNew:      {StatusQueued, StatusSkipped},
	StatusQueued:   {StatusAnalyzed, StatusNotSuitable, StatusSent, StatusSkipped, StatusArchived, StatusRejected},
	StatusAnalyzed: {StatusSent, StatusNotSuitable},
	StatusSent:     {StatusApplied, StatusNotInterested},
	// SKIPPED exits are used by recovery only.
	StatusSkipped: {StatusNew, StatusNotSuitable, StatusArchived},
}

// ParseStatus converts a raw string to a Status, returning an error for
// unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusNew, StatusQueued, StatusAnalyzed, StatusNotSuitable, StatusSent,
		StatusSkipped, StatusArchived, StatusRejected, StatusApplied, StatusNotInterested:
		return st, nil
	}
	return "", fmt.Errorf("unknown posting status %q", s)
}

// CanTransition reports whether moving from → to is permitted. Staying in the
// same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	return len(validTransitions[s]) == 0
}

// IllegalTransitionError is returned when a caller attempts a status write the
// state machine forbids. It signals a bug, not a business outcome.
type IllegalTransitionError struct {
	PostingID string
	From      Status
	To        Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s for posting %s", e.From, e.To, e.PostingID)
}

// CheckTransition returns an *IllegalTransitionError when from → to is not allowed.
func CheckTransition(postingID string, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &IllegalTransitionError{PostingID: postingID, From: from, To: to}
}
