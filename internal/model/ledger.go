package model

import "time"

// Phase is the reconciliation phase of a ledger entry. Phases only move
// forward: pending -> issue_created -> board_attached, or pending -> failed.
type Phase string

const (
	PhasePending       Phase = "pending"
	PhaseIssueCreated  Phase = "issue_created"
	PhaseBoardAttached Phase = "board_attached"
	PhaseFailed        Phase = "failed"
)

// Rank orders phases for monotonicity checks. The two terminal phases share
// the highest rank.
func (p Phase) Rank() int {
	switch p {
	case PhasePending:
		return 0
	case PhaseIssueCreated:
		return 1
	case PhaseBoardAttached, PhaseFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool { return p.Rank() >= 0 }

// Terminal reports whether no further reconciliation applies to an entry in
// this phase.
func (p Phase) Terminal() bool {
	return p == PhaseBoardAttached || p == PhaseFailed
}

// LedgerEntry maps a chat event to its tracker issue and records how far the
// create-then-attach sequence has progressed. An entry is created on first
// acceptance of an event, mutated only by the reconciler, and never deleted.
//
// Title and Body hold the composed issue request so that a resumed pending
// entry can retry the create without the original event in hand.
type LedgerEntry struct {
	SourceEventID string
	Phase         Phase
	Title         string
	Body          string
	IssueNodeID   string
	IssueNumber   *int
	IssueURL      string
	BoardItemID   string
	LastError     string
	AttemptCount  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Issue returns the tracker issue recorded on the entry, or nil if the
// create phase has not completed.
func (e *LedgerEntry) Issue() *TrackerIssue {
	if e.IssueNodeID == "" && e.IssueNumber == nil {
		return nil
	}
	iss := &TrackerIssue{NodeID: e.IssueNodeID, URL: e.IssueURL}
	if e.IssueNumber != nil {
		iss.Number = *e.IssueNumber
	}
	return iss
}
