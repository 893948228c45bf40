package bridge

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmaddaus/issuebridge/internal/config"
	"github.com/jmaddaus/issuebridge/internal/github"
	"github.com/jmaddaus/issuebridge/internal/ledger"
	"github.com/jmaddaus/issuebridge/internal/model"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeTracker scripts per-call outcomes for the create and attach
// operations. An empty script means every call succeeds.
type fakeTracker struct {
	mu sync.Mutex

	createErrs  []error // consumed one per call, then success
	createCalls int
	createHook  func() // runs inside CreateIssue, outside the lock
	issue       *model.TrackerIssue

	attachErrs  []error
	attachCalls int

	setErrs  []error
	setCalls int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		issue: &model.TrackerIssue{NodeID: "I_abc", Number: 7, URL: "https://github.test/acme/widgets/issues/7"},
	}
}

func nextErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeTracker) CreateIssue(ctx context.Context, req *model.IssueRequest) (*model.TrackerIssue, error) {
	f.mu.Lock()
	f.createCalls++
	err := nextErr(&f.createErrs)
	hook := f.createHook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return f.issue, nil
}

func (f *fakeTracker) ResolveProjectContext(ctx context.Context) (*github.ProjectContext, error) {
	return testProjectContext(), nil
}

func (f *fakeTracker) AttachToBoard(ctx context.Context, issue *model.TrackerIssue, pc *github.ProjectContext) (*model.BoardPlacement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachCalls++
	if err := nextErr(&f.attachErrs); err != nil {
		return nil, err
	}
	return &model.BoardPlacement{ProjectID: pc.ProjectID, ItemID: "PVTI_item", FieldID: pc.FieldID, OptionID: pc.OptionID}, nil
}

func (f *fakeTracker) SetItemStatus(ctx context.Context, itemID string, pc *github.ProjectContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	return nextErr(&f.setErrs)
}

func (f *fakeTracker) GetRateLimit() github.RateLimit { return github.RateLimit{} }

// fakeNotifier records outcomes instead of posting them.
type fakeNotifier struct {
	mu        sync.Mutex
	successes []int
	failures  []string
}

func (n *fakeNotifier) NotifySuccess(ctx context.Context, channelID string, issue *model.TrackerIssue) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, issue.Number)
	return nil
}

func (n *fakeNotifier) NotifyFailure(ctx context.Context, channelID, notice string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, notice)
	return nil
}

func testProjectContext() *github.ProjectContext {
	return &github.ProjectContext{ProjectID: "PVT_board", FieldID: "F_status", OptionID: "OPT_backlog"}
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	bridge   *Bridge
	ledger   *ledger.SQLiteLedger
	tracker  *fakeTracker
	notifier *fakeNotifier
	sleeps   []time.Duration
}

// newHarness builds a bridge wired to fakes and a real SQLite ledger, with
// sleeping stubbed out. Workers are not started; tests drive events
// synchronously through process.
func newHarness(t *testing.T, boardEnabled bool) *harness {
	t.Helper()

	led, err := ledger.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	h := &harness{
		ledger:   led,
		tracker:  newFakeTracker(),
		notifier: &fakeNotifier{},
	}

	cfg := &config.Config{IssuesChannelID: "chan-1", Workers: 1}
	h.bridge = New(cfg, led, h.tracker, h.notifier)
	h.bridge.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	if boardEnabled {
		h.bridge.projectCtx = testProjectContext()
	}
	return h
}

func (h *harness) entry(t *testing.T, id string) *model.LedgerEntry {
	t.Helper()
	e, err := h.ledger.Lookup(context.Background(), id)
	if err != nil {
		t.Fatalf("lookup %s: %v", id, err)
	}
	return e
}

func testEvent(id, content string) *model.ChatEvent {
	return &model.ChatEvent{
		ID:        id,
		ChannelID: "chan-1",
		AuthorID:  "author-1",
		Content:   content,
		Timestamp: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func unavailable(status int) error {
	return &github.UnavailableError{Status: status, Err: errors.New("try later")}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestProcessFullPipeline(t *testing.T) {
	h := newHarness(t, true)

	h.bridge.process(context.Background(), testEvent("evt-1", "login button broken"))

	e := h.entry(t, "evt-1")
	if e.Phase != model.PhaseBoardAttached {
		t.Errorf("Phase = %q, want board_attached", e.Phase)
	}
	if e.IssueNodeID != "I_abc" || e.BoardItemID != "PVTI_item" {
		t.Errorf("entry = %+v", e)
	}
	if h.tracker.createCalls != 1 || h.tracker.attachCalls != 1 {
		t.Errorf("calls = create %d, attach %d, want 1 each", h.tracker.createCalls, h.tracker.attachCalls)
	}
	if len(h.notifier.successes) != 1 || h.notifier.successes[0] != 7 {
		t.Errorf("successes = %v", h.notifier.successes)
	}
}

func TestProcessWithoutBoard(t *testing.T) {
	h := newHarness(t, false)

	h.bridge.process(context.Background(), testEvent("evt-1", "login button broken"))

	e := h.entry(t, "evt-1")
	if e.Phase != model.PhaseIssueCreated {
		t.Errorf("Phase = %q, want issue_created when board is off", e.Phase)
	}
	if h.tracker.attachCalls != 0 || h.tracker.setCalls != 0 {
		t.Error("board operations called with board integration off")
	}
	if len(h.notifier.successes) != 1 {
		t.Errorf("successes = %v", h.notifier.successes)
	}
}

func TestProcessDuplicateDelivery(t *testing.T) {
	h := newHarness(t, true)
	ev := testEvent("evt-1", "login button broken")

	h.bridge.process(context.Background(), ev)
	h.bridge.process(context.Background(), ev)

	if h.tracker.createCalls != 1 {
		t.Errorf("createCalls = %d after duplicate delivery, want 1", h.tracker.createCalls)
	}
	if h.tracker.attachCalls != 1 {
		t.Errorf("attachCalls = %d after duplicate delivery, want 1", h.tracker.attachCalls)
	}
	// The redelivery re-sends the confirmation only.
	if len(h.notifier.successes) != 2 {
		t.Errorf("successes = %v, want two confirmations", h.notifier.successes)
	}
}

func TestProcessConcurrentDuplicateDelivery(t *testing.T) {
	h := newHarness(t, false)
	ev := testEvent("evt-dup", "racing report")

	// Hold the first delivery inside CreateIssue so the second one arrives
	// while the ledger entry is still pending.
	inCreate := make(chan struct{}, 2)
	release := make(chan struct{})
	h.tracker.createHook = func() {
		inCreate <- struct{}{}
		<-release
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.bridge.process(context.Background(), ev)
	}()
	<-inCreate

	// The duplicate must yield to the in-flight owner, not create again.
	h.bridge.process(context.Background(), ev)

	close(release)
	<-done

	if h.tracker.createCalls != 1 {
		t.Errorf("createCalls = %d under concurrent duplicate delivery, want 1", h.tracker.createCalls)
	}
	e := h.entry(t, "evt-dup")
	if e.Phase != model.PhaseIssueCreated {
		t.Errorf("Phase = %q, want issue_created", e.Phase)
	}
	if len(h.notifier.successes) != 1 {
		t.Errorf("successes = %v, want one confirmation", h.notifier.successes)
	}
}

func TestProcessEmptyContent(t *testing.T) {
	h := newHarness(t, true)

	h.bridge.process(context.Background(), testEvent("evt-1", "   \n  "))

	if _, err := h.ledger.Lookup(context.Background(), "evt-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("rejected event left a ledger entry (err = %v)", err)
	}
	if h.tracker.createCalls != 0 {
		t.Error("tracker called for empty content")
	}
	if len(h.notifier.failures) != 1 {
		t.Errorf("failures = %v, want one notice", h.notifier.failures)
	}
}

func TestCreateRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, false)
	h.tracker.createErrs = []error{unavailable(503), unavailable(503)}

	h.bridge.process(context.Background(), testEvent("evt-1", "flaky tracker"))

	e := h.entry(t, "evt-1")
	if e.Phase != model.PhaseIssueCreated {
		t.Errorf("Phase = %q, want issue_created", e.Phase)
	}
	if h.tracker.createCalls != 3 {
		t.Errorf("createCalls = %d, want 3", h.tracker.createCalls)
	}
	if e.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", e.AttemptCount)
	}
	if len(h.sleeps) != 2 {
		t.Errorf("slept %d times, want 2", len(h.sleeps))
	}
}

func TestCreateRejectedPermanently(t *testing.T) {
	h := newHarness(t, true)
	h.tracker.createErrs = []error{&github.RejectedError{Status: http.StatusUnprocessableEntity, Message: "validation failed"}}

	h.bridge.process(context.Background(), testEvent("evt-1", "bad payload"))

	e := h.entry(t, "evt-1")
	if e.Phase != model.PhaseFailed {
		t.Errorf("Phase = %q, want failed", e.Phase)
	}
	if e.LastError == "" {
		t.Error("LastError not recorded")
	}
	if h.tracker.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 (no retry of permanent rejection)", h.tracker.createCalls)
	}
	if h.tracker.attachCalls != 0 {
		t.Error("attach attempted after failed create")
	}
	if len(h.notifier.failures) != 1 {
		t.Errorf("failures = %v, want one notice", h.notifier.failures)
	}
	if len(h.notifier.successes) != 0 {
		t.Errorf("successes = %v, want none", h.notifier.successes)
	}
}

func TestCreateExhaustsRetries(t *testing.T) {
	h := newHarness(t, false)
	for i := 0; i < maxAttempts; i++ {
		h.tracker.createErrs = append(h.tracker.createErrs, unavailable(502))
	}

	h.bridge.process(context.Background(), testEvent("evt-1", "tracker down"))

	e := h.entry(t, "evt-1")
	if e.Phase != model.PhaseFailed {
		t.Errorf("Phase = %q, want failed", e.Phase)
	}
	if h.tracker.createCalls != maxAttempts {
		t.Errorf("createCalls = %d, want %d", h.tracker.createCalls, maxAttempts)
	}
	if e.AttemptCount != maxAttempts {
		t.Errorf("AttemptCount = %d, want %d", e.AttemptCount, maxAttempts)
	}
}

func TestBackoffHonorsRetryAfterHint(t *testing.T) {
	h := newHarness(t, false)
	hint := 3 * time.Minute
	h.tracker.createErrs = []error{&github.UnavailableError{Status: 429, RetryAfter: hint, Err: errors.New("rate limited")}}

	h.bridge.process(context.Background(), testEvent("evt-1", "rate limited"))

	if len(h.sleeps) != 1 {
		t.Fatalf("slept %d times, want 1", len(h.sleeps))
	}
	if h.sleeps[0] != hint {
		t.Errorf("slept %v, want the tracker hint %v", h.sleeps[0], hint)
	}
}

func TestAttachFailureIsSoft(t *testing.T) {
	h := newHarness(t, true)
	// All attach attempts fail transiently.
	for i := 0; i < maxAttempts; i++ {
		h.tracker.attachErrs = append(h.tracker.attachErrs, unavailable(502))
	}

	h.bridge.process(context.Background(), testEvent("evt-1", "board down"))

	e := h.entry(t, "evt-1")
	if e.Phase != model.PhaseIssueCreated {
		t.Errorf("Phase = %q, want issue_created (attach failure is soft)", e.Phase)
	}
	if e.LastError == "" {
		t.Error("LastError not recorded for degraded attachment")
	}
	// The issue exists and is usable, so the author still gets a link.
	if len(h.notifier.successes) != 1 {
		t.Errorf("successes = %v, want one confirmation", h.notifier.successes)
	}
	if len(h.notifier.failures) != 0 {
		t.Errorf("failures = %v, want none", h.notifier.failures)
	}
}

func TestPartialAttachmentResumesFieldSetOnly(t *testing.T) {
	h := newHarness(t, true)
	h.tracker.attachErrs = []error{
		&github.PartialAttachmentError{ItemID: "PVTI_item", Err: unavailable(502)},
	}

	h.bridge.process(context.Background(), testEvent("evt-1", "partial attach"))

	e := h.entry(t, "evt-1")
	if e.Phase != model.PhaseBoardAttached {
		t.Errorf("Phase = %q, want board_attached", e.Phase)
	}
	if e.BoardItemID != "PVTI_item" {
		t.Errorf("BoardItemID = %q, want PVTI_item", e.BoardItemID)
	}
	// Exactly one add; the retry runs the field-set step alone.
	if h.tracker.attachCalls != 1 {
		t.Errorf("attachCalls = %d, want 1", h.tracker.attachCalls)
	}
	if h.tracker.setCalls != 1 {
		t.Errorf("setCalls = %d, want 1", h.tracker.setCalls)
	}
}

func TestRedriveResumesIssueCreated(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	// Simulate a crash after issue creation but before board attachment.
	req := &model.IssueRequest{Title: "t", Body: "b", SourceEventID: "evt-crash"}
	if _, _, err := h.ledger.CreateIfAbsent(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := h.ledger.Advance(ctx, "evt-crash", model.PhaseIssueCreated, ledger.Update{Issue: h.tracker.issue}); err != nil {
		t.Fatal(err)
	}

	if err := h.bridge.redrive(ctx); err != nil {
		t.Fatalf("redrive() error = %v", err)
	}

	e := h.entry(t, "evt-crash")
	if e.Phase != model.PhaseBoardAttached {
		t.Errorf("Phase = %q, want board_attached", e.Phase)
	}
	if h.tracker.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0 (issue already exists)", h.tracker.createCalls)
	}
	if h.tracker.attachCalls != 1 {
		t.Errorf("attachCalls = %d, want 1", h.tracker.attachCalls)
	}
}

func TestRedriveResumesPending(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	// Simulate a crash before the create call went out. The stored title
	// and body carry the composed request across the restart.
	req := &model.IssueRequest{Title: "stored title", Body: "stored body", SourceEventID: "evt-crash"}
	if _, _, err := h.ledger.CreateIfAbsent(ctx, req); err != nil {
		t.Fatal(err)
	}

	if err := h.bridge.redrive(ctx); err != nil {
		t.Fatalf("redrive() error = %v", err)
	}

	e := h.entry(t, "evt-crash")
	if e.Phase != model.PhaseIssueCreated {
		t.Errorf("Phase = %q, want issue_created", e.Phase)
	}
	if h.tracker.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", h.tracker.createCalls)
	}
}

func TestRedriveSkipsIssueCreatedWithoutBoard(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	req := &model.IssueRequest{Title: "t", Body: "b", SourceEventID: "evt-done"}
	if _, _, err := h.ledger.CreateIfAbsent(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := h.ledger.Advance(ctx, "evt-done", model.PhaseIssueCreated, ledger.Update{Issue: h.tracker.issue}); err != nil {
		t.Fatal(err)
	}

	if err := h.bridge.redrive(ctx); err != nil {
		t.Fatalf("redrive() error = %v", err)
	}
	if h.tracker.createCalls != 0 || h.tracker.attachCalls != 0 || h.tracker.setCalls != 0 {
		t.Error("redrive touched a terminal entry with board integration off")
	}
	if len(h.notifier.successes) != 0 {
		t.Errorf("successes = %v, want none on skip", h.notifier.successes)
	}
}

func TestSubmitGatesEvents(t *testing.T) {
	h := newHarness(t, false)

	accepted, err := h.bridge.Submit(testEvent("evt-1", "hello"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !accepted {
		t.Error("matching channel not accepted")
	}

	other := testEvent("evt-2", "hello")
	other.ChannelID = "chan-other"
	accepted, err = h.bridge.Submit(other)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if accepted {
		t.Error("wrong channel accepted")
	}
}

func TestSubmitQueueFull(t *testing.T) {
	h := newHarness(t, false)

	// Workers are not running, so the queue never drains.
	depth := 16 * h.bridge.workers
	for i := 0; i < depth; i++ {
		ev := testEvent("evt-fill", "hello")
		if _, err := h.bridge.Submit(ev); err != nil {
			t.Fatalf("Submit() error = %v at %d", err, i)
		}
	}

	_, err := h.bridge.Submit(testEvent("evt-overflow", "hello"))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit() error = %v, want ErrQueueFull", err)
	}
}
