package taskflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JournalStatus is the outcome recorded for a replay attempt.
// Valid values: pending, in_progress, succeeded, failed.
type JournalStatus string

const (
	JournalPending    JournalStatus = "pending"
	JournalInProgress JournalStatus = "in_progress"
	JournalSucceeded  JournalStatus = "succeeded"
	JournalFailed     JournalStatus = "failed"
)

// JournalKindRun marks entries that describe a whole sync run rather than
// a single mutation.
const JournalKindRun = "sync_run"

// JournalEntry is the persisted record of one replayed mutation or one sync
// run. Failed entries are the dead letters of the at-most-once queue.
type JournalEntry struct {
	ID          string // mutation id, or run id for JournalKindRun
	RunID       string
	Kind        string // a MutationKind or JournalKindRun
	TaskID      string
	PayloadJSON string
	Status      JournalStatus
	ErrorMsg    *string
	ResultJSON  *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Journal records replay outcomes so dropped mutations can be reported.
// Implementations must be safe for concurrent use.
type Journal interface {
	InsertCreated(ctx context.Context, e JournalEntry) error
	MarkStarted(ctx context.Context, id string, startedAt time.Time) error
	MarkSucceeded(ctx context.Context, id string, resultJSON *string, finishedAt time.Time) error
	MarkFailed(ctx context.Context, id string, errorMsg string, finishedAt time.Time) error
	GetByID(ctx context.Context, id string) (*JournalEntry, error)
	ListFailed(ctx context.Context, limit int) ([]JournalEntry, error)
}

// CreateJournalTableSQL is the schema SQLJournal expects.
const CreateJournalTableSQL = `
CREATE TABLE IF NOT EXISTS taskflow_sync_journal (
    id           VARCHAR(64) PRIMARY KEY,
    run_id       VARCHAR(64)  NOT NULL,
    kind         VARCHAR(32)  NOT NULL,
    task_id      VARCHAR(128) NOT NULL,
    payload_json TEXT         NOT NULL,
    status       VARCHAR(32)  NOT NULL,
    error_msg    TEXT         NULL,
    result_json  TEXT         NULL,
    created_at   DATETIME     NOT NULL,
    updated_at   DATETIME     NULL,
    started_at   DATETIME     NULL,
    finished_at  DATETIME     NULL
);
`

// SQLJournal is the Journal implementation over database/sql.
type SQLJournal struct {
	db *sql.DB
}

func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

func (j *SQLJournal) Migrate(ctx context.Context) error {
	if j.db == nil {
		return errors.New("nil db")
	}
	if _, err := j.db.ExecContext(ctx, CreateJournalTableSQL); err != nil {
		return fmt.Errorf("create journal table: %w", err)
	}
	return nil
}

func (j *SQLJournal) InsertCreated(ctx context.Context, e JournalEntry) error {
	if j.db == nil {
		return errors.New("nil db")
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	q := `INSERT INTO taskflow_sync_journal (id, run_id, kind, task_id, payload_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, q, e.ID, e.RunID, e.Kind, e.TaskID, e.PayloadJSON, string(JournalPending), created.UTC())
	if err != nil {
		qpg := `INSERT INTO taskflow_sync_journal (id, run_id, kind, task_id, payload_json, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`
		_, err2 := j.db.ExecContext(ctx, qpg, e.ID, e.RunID, e.Kind, e.TaskID, e.PayloadJSON, string(JournalPending), created.UTC())
		return err2
	}
	return nil
}

func (j *SQLJournal) MarkStarted(ctx context.Context, id string, startedAt time.Time) error {
	if j.db == nil {
		return errors.New("nil db")
	}
	q := `UPDATE taskflow_sync_journal SET status = ?, started_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := j.db.ExecContext(ctx, q, string(JournalInProgress), startedAt.UTC(), id)
	if err != nil {
		qpg := `UPDATE taskflow_sync_journal SET status = $1, started_at = $2, updated_at = NOW() WHERE id = $3`
		_, err2 := j.db.ExecContext(ctx, qpg, string(JournalInProgress), startedAt.UTC(), id)
		return err2
	}
	return nil
}

func (j *SQLJournal) MarkSucceeded(ctx context.Context, id string, resultJSON *string, finishedAt time.Time) error {
	if j.db == nil {
		return errors.New("nil db")
	}
	q := `UPDATE taskflow_sync_journal SET status = ?, result_json = ?, finished_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := j.db.ExecContext(ctx, q, string(JournalSucceeded), resultJSON, finishedAt.UTC(), id)
	if err != nil {
		qpg := `UPDATE taskflow_sync_journal SET status = $1, result_json = $2, finished_at = $3, updated_at = NOW() WHERE id = $4`
		_, err2 := j.db.ExecContext(ctx, qpg, string(JournalSucceeded), resultJSON, finishedAt.UTC(), id)
		return err2
	}
	return nil
}

func (j *SQLJournal) MarkFailed(ctx context.Context, id string, errorMsg string, finishedAt time.Time) error {
	if j.db == nil {
		return errors.New("nil db")
	}
	q := `UPDATE taskflow_sync_journal SET status = ?, error_msg = ?, finished_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := j.db.ExecContext(ctx, q, string(JournalFailed), errorMsg, finishedAt.UTC(), id)
	if err != nil {
		qpg := `UPDATE taskflow_sync_journal SET status = $1, error_msg = $2, finished_at = $3, updated_at = NOW() WHERE id = $4`
		_, err2 := j.db.ExecContext(ctx, qpg, string(JournalFailed), errorMsg, finishedAt.UTC(), id)
		return err2
	}
	return nil
}

const journalColumns = `id, run_id, kind, task_id, payload_json, status, error_msg, result_json, created_at, started_at, finished_at`

func (j *SQLJournal) GetByID(ctx context.Context, id string) (*JournalEntry, error) {
	if j.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT ` + journalColumns + ` FROM taskflow_sync_journal WHERE id = ?`
	e, err := scanJournalEntry(j.db.QueryRowContext(ctx, q, id))
	if err != nil {
		qpg := `SELECT ` + journalColumns + ` FROM taskflow_sync_journal WHERE id = $1`
		e, err = scanJournalEntry(j.db.QueryRowContext(ctx, qpg, id))
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ListFailed returns the most recent failed entries, newest first.
func (j *SQLJournal) ListFailed(ctx context.Context, limit int) ([]JournalEntry, error) {
	if j.db == nil {
		return nil, errors.New("nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + journalColumns + ` FROM taskflow_sync_journal WHERE status = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, q, string(JournalFailed), limit)
	if err != nil {
		qpg := `SELECT ` + journalColumns + ` FROM taskflow_sync_journal WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		rows, err = j.db.QueryContext(ctx, qpg, string(JournalFailed), limit)
		if err != nil {
			return nil, err
		}
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJournalEntry(row rowScanner) (*JournalEntry, error) {
	e := JournalEntry{}
	var status string
	var startedAt, finishedAt sql.NullTime
	var errorMsg, resultJSON sql.NullString
	if err := row.Scan(&e.ID, &e.RunID, &e.Kind, &e.TaskID, &e.PayloadJSON, &status, &errorMsg, &resultJSON, &e.CreatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	e.Status = JournalStatus(status)
	if errorMsg.Valid {
		v := errorMsg.String
		e.ErrorMsg = &v
	}
	if resultJSON.Valid {
		v := resultJSON.String
		e.ResultJSON = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		e.FinishedAt = &t
	}
	return &e, nil
}
