package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jmaddaus/issuebridge/internal/compose"
	"github.com/jmaddaus/issuebridge/internal/github"
	"github.com/jmaddaus/issuebridge/internal/ledger"
	"github.com/jmaddaus/issuebridge/internal/model"
)

// Failure notices posted back to the channel. Internal error detail stays
// in the ledger and the logs.
const (
	noticeEmpty        = "Your report was empty; no issue was created."
	noticeCreateFailed = "Your report could not be turned into an issue. The team has been notified."
)

// process runs a single accepted event through compose, the ledger's
// conditional insert, and the reconciliation state machine.
func (b *Bridge) process(ctx context.Context, ev *model.ChatEvent) {
	req, err := compose.Compose(ev)
	if err != nil {
		if errors.Is(err, compose.ErrEmptyContent) {
			// Rejected input is a terminal, reported outcome, not an error.
			slog.Info("event rejected by composer", "event_id", ev.ID)
			b.notifyFailure(ctx, noticeEmpty)
			return
		}
		slog.Error("compose event", "event_id", ev.ID, "error", err)
		return
	}

	entry, created, err := b.ledger.CreateIfAbsent(ctx, req)
	if err != nil {
		slog.Error("ledger insert", "source_event_id", req.SourceEventID, "error", err)
		return
	}
	if !created {
		if entry.Phase == model.PhasePending {
			// The delivery that inserted the entry is still mid-create and
			// owns it; driving here would race a second CreateIssue. If that
			// owner crashed instead, the startup re-drive picks the entry up.
			slog.Info("duplicate delivery in flight", "source_event_id", req.SourceEventID)
			return
		}
		slog.Info("duplicate delivery", "source_event_id", req.SourceEventID, "phase", entry.Phase)
	}

	b.drive(ctx, entry, req)
}

// drive advances a ledger entry to a terminal state, starting from whatever
// phase it is in. Safe to call again for the same entry: completed phases
// are skipped, so duplicate delivery and crash resumption reuse the same
// path.
func (b *Bridge) drive(ctx context.Context, entry *model.LedgerEntry, req *model.IssueRequest) {
	issue := entry.Issue()

	if entry.Phase == model.PhasePending {
		created, err := b.createPhase(ctx, entry, req)
		if err != nil {
			var inv *ledger.InvalidTransitionError
			if errors.As(err, &inv) {
				// Ledger corruption risk: surface loudly, touch nothing else.
				slog.Error("ledger invariant violation", "error", inv)
				return
			}
			if ctx.Err() != nil {
				// Shutdown mid-sequence; the entry resumes at next startup.
				return
			}
			slog.Warn("issue creation failed permanently",
				"source_event_id", entry.SourceEventID, "error", err)
			b.notifyFailure(ctx, noticeCreateFailed)
			return
		}
		issue = created
		entry.Phase = model.PhaseIssueCreated
	}

	if entry.Phase == model.PhaseIssueCreated {
		if b.projectCtx != nil {
			if err := b.attachPhase(ctx, entry, issue); err != nil {
				var inv *ledger.InvalidTransitionError
				if errors.As(err, &inv) {
					slog.Error("ledger invariant violation", "error", inv)
					return
				}
				if ctx.Err() != nil {
					return
				}
				// Soft failure: the issue exists and is usable; the entry
				// stays at issue_created with last_error set, eligible for
				// a later repair pass.
				slog.Warn("board attachment degraded",
					"source_event_id", entry.SourceEventID, "issue", issue.Number, "error", err)
			}
		}
		b.notifySuccess(ctx, issue)
		return
	}

	if entry.Phase == model.PhaseBoardAttached {
		// Redelivery of a fully processed event: the platform did not see
		// our ack, so re-send the confirmation only.
		b.notifySuccess(ctx, issue)
	}
	// Failed entries were already notified; nothing to do.
}

// createPhase calls the tracker until the issue exists or retries are
// exhausted, then records the outcome. Only *github.UnavailableError is
// retried.
func (b *Bridge) createPhase(ctx context.Context, entry *model.LedgerEntry, req *model.IssueRequest) (*model.TrackerIssue, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		issue, err := b.tracker.CreateIssue(ctx, req)
		if err == nil {
			if aerr := b.ledger.Advance(ctx, entry.SourceEventID, model.PhaseIssueCreated,
				ledger.Update{Issue: issue}); aerr != nil {
				return nil, aerr
			}
			return issue, nil
		}
		lastErr = err
		if rerr := b.ledger.RecordAttempt(ctx, entry.SourceEventID, err.Error()); rerr != nil {
			slog.Warn("record attempt", "source_event_id", entry.SourceEventID, "error", rerr)
		}

		var unavail *github.UnavailableError
		if !errors.As(err, &unavail) {
			break // permanent rejection
		}
		if attempt == maxAttempts {
			break
		}
		if serr := b.sleep(ctx, backoffDelay(attempt, unavail.RetryAfter)); serr != nil {
			return nil, serr
		}
	}

	if aerr := b.ledger.Advance(ctx, entry.SourceEventID, model.PhaseFailed,
		ledger.Update{LastError: lastErr.Error()}); aerr != nil {
		return nil, aerr
	}
	return nil, lastErr
}

// attachPhase drives board placement for an issue that already exists. A
// recorded board item means a previous attempt got the item added but not
// its status field; in that case only the field-set step runs.
func (b *Bridge) attachPhase(ctx context.Context, entry *model.LedgerEntry, issue *model.TrackerIssue) error {
	itemID := entry.BoardItemID

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var err error
		if itemID == "" {
			var placement *model.BoardPlacement
			placement, err = b.tracker.AttachToBoard(ctx, issue, b.projectCtx)
			if err == nil {
				return b.ledger.Advance(ctx, entry.SourceEventID, model.PhaseBoardAttached,
					ledger.Update{BoardItemID: placement.ItemID})
			}
		} else {
			err = b.tracker.SetItemStatus(ctx, itemID, b.projectCtx)
			if err == nil {
				return b.ledger.Advance(ctx, entry.SourceEventID, model.PhaseBoardAttached,
					ledger.Update{BoardItemID: itemID})
			}
		}
		lastErr = err
		if rerr := b.ledger.RecordAttempt(ctx, entry.SourceEventID, err.Error()); rerr != nil {
			slog.Warn("record attempt", "source_event_id", entry.SourceEventID, "error", rerr)
		}

		var hint time.Duration
		retryable := false

		var partial *github.PartialAttachmentError
		if errors.As(err, &partial) {
			// The item exists now; remember it so neither this loop nor a
			// restarted process re-adds it.
			itemID = partial.ItemID
			if rerr := b.ledger.RecordBoardItem(ctx, entry.SourceEventID, itemID); rerr != nil {
				slog.Warn("record board item", "source_event_id", entry.SourceEventID, "error", rerr)
			}
			retryable = true
		}
		var unavail *github.UnavailableError
		if errors.As(err, &unavail) {
			retryable = true
			hint = unavail.RetryAfter
		}

		if !retryable || attempt == maxAttempts {
			break
		}
		if serr := b.sleep(ctx, backoffDelay(attempt, hint)); serr != nil {
			return serr
		}
	}
	return lastErr
}

func (b *Bridge) notifySuccess(ctx context.Context, issue *model.TrackerIssue) {
	if issue == nil {
		return
	}
	if err := b.notifier.NotifySuccess(ctx, b.cfg.IssuesChannelID, issue); err != nil {
		slog.Warn("success notification failed", "issue", issue.Number, "error", err)
	}
}

func (b *Bridge) notifyFailure(ctx context.Context, notice string) {
	if err := b.notifier.NotifyFailure(ctx, b.cfg.IssuesChannelID, notice); err != nil {
		slog.Warn("failure notification failed", "error", err)
	}
}
