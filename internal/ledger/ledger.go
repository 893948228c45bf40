// Package ledger maps chat-event identities to tracker-issue identities and
// records reconciliation progress, preventing duplicate issue creation on
// retry or redelivery.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmaddaus/issuebridge/internal/model"
)

// ErrNotFound is returned by Lookup when no entry exists for the key.
var ErrNotFound = errors.New("ledger entry not found")

// InvalidTransitionError reports an attempted phase change that would move
// backward, skip required intermediate data, or touch a terminal entry. It
// indicates a bug or ledger corruption and must abort the event's
// processing.
type InvalidTransitionError struct {
	SourceEventID string
	From          model.Phase
	To            model.Phase
	Reason        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s for event %s: %s",
		e.From, e.To, e.SourceEventID, e.Reason)
}

// Update carries the fields recorded alongside a phase transition.
type Update struct {
	Issue       *model.TrackerIssue // required for issue_created
	BoardItemID string              // recorded with board_attached
	LastError   string              // recorded with failed
}

// Ledger is the persistence interface for the idempotency ledger.
// Implementations must make CreateIfAbsent atomic under concurrent delivery
// of the same event, including across processes sharing the store.
type Ledger interface {
	// Lookup returns the entry for the given key, or ErrNotFound.
	Lookup(ctx context.Context, sourceEventID string) (*model.LedgerEntry, error)

	// CreateIfAbsent atomically inserts a pending entry for the request's
	// source event if none exists, else returns the existing entry
	// unchanged. The second return value reports whether an insert
	// happened. This is the single serialization point preventing
	// duplicate issue creation.
	CreateIfAbsent(ctx context.Context, req *model.IssueRequest) (*model.LedgerEntry, bool, error)

	// Advance performs a monotonic phase transition. It returns an
	// InvalidTransitionError if the requested phase would move backward,
	// skip required intermediate data, or leave a terminal phase.
	Advance(ctx context.Context, sourceEventID string, phase model.Phase, up Update) error

	// RecordAttempt increments the attempt counter and stores the most
	// recent error without changing the phase.
	RecordAttempt(ctx context.Context, sourceEventID, lastError string) error

	// RecordBoardItem stores a board item ID on an entry whose field-set
	// step is still outstanding, so a crash mid-attachment resumes without
	// re-adding the item.
	RecordBoardItem(ctx context.Context, sourceEventID, itemID string) error

	// Unresolved returns all entries not in a terminal phase, oldest
	// first. Used to resume interrupted sequences at startup.
	Unresolved(ctx context.Context) ([]*model.LedgerEntry, error)

	// PhaseCounts returns the number of entries per phase.
	PhaseCounts(ctx context.Context) (map[model.Phase]int, error)

	Close() error
}

// checkTransition validates a requested phase change against the current
// entry state. The allowed transitions are exactly:
//
//	pending       -> issue_created  (with a tracker issue)
//	pending       -> failed
//	issue_created -> board_attached (with an issue already recorded)
func checkTransition(cur *model.LedgerEntry, to model.Phase, up Update) error {
	fail := func(reason string) error {
		return &InvalidTransitionError{
			SourceEventID: cur.SourceEventID,
			From:          cur.Phase,
			To:            to,
			Reason:        reason,
		}
	}

	if !to.Valid() {
		return fail("unknown phase")
	}
	if cur.Phase.Terminal() {
		return fail("entry is terminal")
	}
	if to.Rank() <= cur.Phase.Rank() {
		return fail("phase cannot regress")
	}

	switch {
	case cur.Phase == model.PhasePending && to == model.PhaseIssueCreated:
		if up.Issue == nil || up.Issue.NodeID == "" {
			return fail("issue_created requires a tracker issue")
		}
	case cur.Phase == model.PhasePending && to == model.PhaseFailed:
		// No extra data required.
	case cur.Phase == model.PhaseIssueCreated && to == model.PhaseBoardAttached:
		if cur.IssueNodeID == "" {
			return fail("board_attached requires a recorded issue")
		}
	default:
		return fail("no such transition")
	}
	return nil
}
