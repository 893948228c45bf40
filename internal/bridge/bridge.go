// Package bridge drives accepted chat events through the two-phase
// create-issue / attach-to-board sequence to a terminal state.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmaddaus/issuebridge/internal/config"
	"github.com/jmaddaus/issuebridge/internal/discord"
	"github.com/jmaddaus/issuebridge/internal/gate"
	"github.com/jmaddaus/issuebridge/internal/github"
	"github.com/jmaddaus/issuebridge/internal/ledger"
	"github.com/jmaddaus/issuebridge/internal/model"
)

// ErrQueueFull is returned by Submit when the work queue is at capacity.
// The caller should report backpressure so the platform redelivers later.
var ErrQueueFull = errors.New("event queue full")

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	QueueDepth int                 `json:"queue_depth"`
	Workers    int                 `json:"workers"`
	Phases     map[model.Phase]int `json:"phases"`
}

// Bridge owns the event pipeline: gate, composer, ledger, tracker client,
// and notifier, plus a bounded work queue feeding independent per-event
// workers. Events for distinct source IDs process concurrently; the
// ledger's conditional insert serializes duplicates.
type Bridge struct {
	cfg      *config.Config
	gate     *gate.Gate
	ledger   ledger.Ledger
	tracker  github.Client
	notifier discord.Notifier

	// projectCtx is nil when board integration is off.
	projectCtx *github.ProjectContext

	workers int
	queue   chan *model.ChatEvent
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a Bridge from its collaborators. The worker count is sized for
// the tracker's rate limit, not the platform's event rate.
func New(cfg *config.Config, l ledger.Ledger, tracker github.Client, notifier discord.Notifier) *Bridge {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Bridge{
		cfg:      cfg,
		gate:     gate.New(cfg.IssuesChannelID, cfg.AuthorizedRoles),
		ledger:   l,
		tracker:  tracker,
		notifier: notifier,
		workers:  workers,
		queue:    make(chan *model.ChatEvent, 16*workers),
		stopCh:   make(chan struct{}),
		sleep:    sleepCtx,
	}
}

// Start validates board configuration, resumes interrupted entries, and
// starts the worker pool. A *github.ConfigurationError here is fatal: the
// process must not begin consuming events.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.ProjectEnabled() {
		pc, err := b.tracker.ResolveProjectContext(ctx)
		if err != nil {
			return fmt.Errorf("resolve project context: %w", err)
		}
		b.projectCtx = pc
		slog.Info("board integration enabled",
			"project", pc.ProjectID, "field", b.cfg.StatusFieldName, "option", b.cfg.StatusOptionName)
	}

	if err := b.redrive(ctx); err != nil {
		return fmt.Errorf("resume unresolved entries: %w", err)
	}

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}
	slog.Info("bridge started", "workers", b.workers)
	return nil
}

// Submit runs the event through the gate and, if it qualifies, enqueues it
// for processing. A false return with nil error means the event was
// filtered out; that is a normal outcome, not a failure, and no ledger
// entry is created.
func (b *Bridge) Submit(ev *model.ChatEvent) (bool, error) {
	if !b.gate.Accept(ev) {
		return false, nil
	}
	select {
	case b.queue <- ev:
		return true, nil
	default:
		return false, ErrQueueFull
	}
}

// Stop signals workers to finish their current event and waits for them.
// Events still queued are dropped: any that already have a ledger entry
// resume at next startup, the rest are redelivered by the platform.
func (b *Bridge) Stop() {
	b.stopped.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// Status reports queue depth, worker count, and ledger phase counts.
func (b *Bridge) Status(ctx context.Context) (*Status, error) {
	counts, err := b.ledger.PhaseCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("phase counts: %w", err)
	}
	return &Status{
		QueueDepth: len(b.queue),
		Workers:    b.workers,
		Phases:     counts,
	}, nil
}

func (b *Bridge) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case ev := <-b.queue:
			b.process(ctx, ev)
		}
	}
}

// redrive re-drives every non-terminal ledger entry at startup. A resumed
// pending entry is a fresh create attempt; a resumed issue_created entry
// resumes board attachment only.
func (b *Bridge) redrive(ctx context.Context) error {
	entries, err := b.ledger.Unresolved(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Phase == model.PhaseIssueCreated && b.projectCtx == nil {
			// Terminal success when board integration is off.
			continue
		}
		slog.Info("resuming interrupted entry",
			"source_event_id", e.SourceEventID, "phase", e.Phase, "attempts", e.AttemptCount)
		req := &model.IssueRequest{Title: e.Title, Body: e.Body, SourceEventID: e.SourceEventID}
		b.drive(ctx, e, req)
	}
	return nil
}
