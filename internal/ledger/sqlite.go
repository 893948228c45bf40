package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmaddaus/issuebridge/internal/model"
	_ "modernc.org/sqlite"
)

// SQLiteLedger implements Ledger backed by a SQLite database. Entries
// survive process restarts, which gives the strong idempotency guarantee:
// duplicate deliveries after a crash still map to the same tracker issue.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (or creates) a SQLite database at dbPath and runs
// migrations.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	// Pragmas ride in the DSN so every pooled connection gets them; db.Exec
	// would configure only the one connection it happens to run on. WAL for
	// concurrent workers, and immediate transactions so Advance's
	// read-then-write takes the write lock up front, where busy_timeout
	// applies, instead of failing on a deferred lock upgrade.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

const entryColumns = `source_event_id, phase, title, body, issue_node_id, issue_number, issue_url, board_item_id, last_error, attempt_count, created_at, updated_at`

func (l *SQLiteLedger) Lookup(ctx context.Context, sourceEventID string) (*model.LedgerEntry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger WHERE source_event_id = ?`, sourceEventID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return entry, err
}

// CreateIfAbsent uses a single conditional insert as the atomic
// serialization point: two concurrent deliveries of the same event race on
// the primary key and exactly one row wins. This works across processes
// sharing the database file, not just within one process.
func (l *SQLiteLedger) CreateIfAbsent(ctx context.Context, req *model.IssueRequest) (*model.LedgerEntry, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger (source_event_id, phase, title, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_event_id) DO NOTHING`,
		req.SourceEventID, string(model.PhasePending), req.Title, req.Body, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	entry, err := l.Lookup(ctx, req.SourceEventID)
	if err != nil {
		return nil, false, err
	}
	return entry, n > 0, nil
}

func (l *SQLiteLedger) Advance(ctx context.Context, sourceEventID string, phase model.Phase, up Update) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger WHERE source_event_id = ?`, sourceEventID)
	cur, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if err := checkTransition(cur, phase, up); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	switch phase {
	case model.PhaseIssueCreated:
		_, err = tx.ExecContext(ctx,
			`UPDATE ledger SET phase=?, issue_node_id=?, issue_number=?, issue_url=?, last_error='', updated_at=?
			 WHERE source_event_id=?`,
			string(phase), up.Issue.NodeID, up.Issue.Number, up.Issue.URL, now, sourceEventID)
	case model.PhaseBoardAttached:
		itemID := up.BoardItemID
		if itemID == "" {
			itemID = cur.BoardItemID
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE ledger SET phase=?, board_item_id=?, last_error='', updated_at=?
			 WHERE source_event_id=?`,
			string(phase), itemID, now, sourceEventID)
	case model.PhaseFailed:
		_, err = tx.ExecContext(ctx,
			`UPDATE ledger SET phase=?, last_error=?, updated_at=?
			 WHERE source_event_id=?`,
			string(phase), up.LastError, now, sourceEventID)
	default:
		// checkTransition already rejected everything else.
		return &InvalidTransitionError{SourceEventID: sourceEventID, From: cur.Phase, To: phase, Reason: "no such transition"}
	}
	if err != nil {
		return fmt.Errorf("advance to %s: %w", phase, err)
	}

	return tx.Commit()
}

func (l *SQLiteLedger) RecordAttempt(ctx context.Context, sourceEventID, lastError string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := l.db.ExecContext(ctx,
		`UPDATE ledger SET attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		 WHERE source_event_id = ?`,
		lastError, now, sourceEventID)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *SQLiteLedger) RecordBoardItem(ctx context.Context, sourceEventID, itemID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := l.db.ExecContext(ctx,
		`UPDATE ledger SET board_item_id = ?, updated_at = ? WHERE source_event_id = ?`,
		itemID, now, sourceEventID)
	if err != nil {
		return fmt.Errorf("record board item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *SQLiteLedger) Unresolved(ctx context.Context) ([]*model.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger
		 WHERE phase IN (?, ?) ORDER BY created_at, source_event_id`,
		string(model.PhasePending), string(model.PhaseIssueCreated))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *SQLiteLedger) PhaseCounts(ctx context.Context) (map[model.Phase]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT phase, COUNT(*) FROM ledger GROUP BY phase`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.Phase]int)
	for rows.Next() {
		var phase string
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, err
		}
		counts[model.Phase(phase)] = n
	}
	return counts, rows.Err()
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var phase string
	var issueNumber sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(&e.SourceEventID, &phase, &e.Title, &e.Body,
		&e.IssueNodeID, &issueNumber, &e.IssueURL, &e.BoardItemID,
		&e.LastError, &e.AttemptCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.Phase = model.Phase(phase)
	if issueNumber.Valid {
		v := int(issueNumber.Int64)
		e.IssueNumber = &v
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &e, nil
}
