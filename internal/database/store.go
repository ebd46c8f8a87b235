// Package database persists tracked revisions and their report sources.
package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/copypatrol/copypatrol-backend/internal/config"
)

// Store wraps the diffs and report_sources tables. All state transitions
// are single statements, so each row's progress is linearized by the
// database without extra locking.
type Store struct {
	db     *sqlx.DB
	driver string
	logger zerolog.Logger
}

// New opens a Store on the given driver and DSN.
func New(driver, dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	return &Store{
		db:     db,
		driver: driver,
		logger: logger.With().Str("component", "database").Logger(),
	}, nil
}

// NewFromConfig opens a Store from the [client] configuration section.
func NewFromConfig(cfg config.DatabaseConfig, logger zerolog.Logger) (*Store, error) {
	return New(cfg.DriverName, cfg.DSN(), logger)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS diffs (
	diff_id          INT UNSIGNED NOT NULL AUTO_INCREMENT,
	project          VARBINARY(20) NOT NULL,
	lang             VARBINARY(20) NOT NULL,
	page_namespace   INT NOT NULL,
	page_title       VARBINARY(255) NOT NULL,
	rev_id           INT UNSIGNED NOT NULL,
	rev_parent_id    INT UNSIGNED NOT NULL,
	rev_timestamp    BINARY(14) NOT NULL,
	rev_user_text    VARBINARY(255) NOT NULL,
	submission_id    VARBINARY(36) NULL,
	status           TINYINT NOT NULL,
	status_timestamp BINARY(14) NULL,
	status_user_text VARBINARY(255) NULL,
	PRIMARY KEY (diff_id),
	UNIQUE KEY ix_diffs_rev (project, lang, rev_id),
	KEY ix_diffs_page (project, lang, page_namespace, page_title),
	KEY ix_diffs_rev_time (project, lang, rev_timestamp),
	KEY ix_diffs_status (status),
	UNIQUE KEY ix_diffs_submission_id (submission_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS report_sources (
	source_id     INT UNSIGNED NOT NULL AUTO_INCREMENT,
	submission_id VARBINARY(36) NOT NULL,
	description   BLOB NOT NULL,
	url           BLOB NULL,
	percent       FLOAT UNSIGNED NOT NULL,
	PRIMARY KEY (source_id),
	KEY ix_sources_submission_id (submission_id),
	CONSTRAINT fk_sources_submission_id
		FOREIGN KEY (submission_id) REFERENCES diffs (submission_id)
		ON DELETE CASCADE ON UPDATE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS diffs (
	diff_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	project          BLOB NOT NULL,
	lang             BLOB NOT NULL,
	page_namespace   INTEGER NOT NULL,
	page_title       BLOB NOT NULL,
	rev_id           INTEGER NOT NULL,
	rev_parent_id    INTEGER NOT NULL,
	rev_timestamp    BLOB NOT NULL,
	rev_user_text    BLOB NOT NULL,
	submission_id    BLOB NULL UNIQUE,
	status           INTEGER NOT NULL,
	status_timestamp BLOB NULL,
	status_user_text BLOB NULL,
	UNIQUE (project, lang, rev_id)
);

CREATE INDEX IF NOT EXISTS ix_diffs_page
	ON diffs (project, lang, page_namespace, page_title);
CREATE INDEX IF NOT EXISTS ix_diffs_rev_time
	ON diffs (project, lang, rev_timestamp);
CREATE INDEX IF NOT EXISTS ix_diffs_status ON diffs (status);

CREATE TABLE IF NOT EXISTS report_sources (
	source_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	submission_id BLOB NOT NULL
		REFERENCES diffs (submission_id)
		ON DELETE CASCADE ON UPDATE CASCADE,
	description   BLOB NOT NULL,
	url           BLOB NULL,
	percent       REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_sources_submission_id
	ON report_sources (submission_id);
`

// CreateTables creates the schema if it does not already exist.
func (s *Store) CreateTables(ctx context.Context) error {
	schema := mysqlSchema
	if s.driver == "sqlite3" {
		schema = sqliteSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// AddRevision inserts a new tracked revision with status UNSUBMITTED.
// Duplicate (project, lang, rev_id) rows are rejected by the unique
// index; callers log and continue.
func (s *Store) AddRevision(ctx context.Context, diff *Diff) error {
	diff.Status = StatusUnsubmitted
	diff.SubmissionID = nil
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO diffs (project, lang, page_namespace, page_title,
			rev_id, rev_parent_id, rev_timestamp, rev_user_text,
			submission_id, status)
		VALUES (:project, :lang, :page_namespace, :page_title,
			:rev_id, :rev_parent_id, :rev_timestamp, :rev_user_text,
			NULL, :status)`,
		diff)
	if err != nil {
		return fmt.Errorf("insert revision %d: %w", diff.RevID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		diff.DiffID = id
	}
	return nil
}

// DiffsByStatus returns all rows whose status is one of the given
// statuses, in store order.
func (s *Store) DiffsByStatus(ctx context.Context, statuses ...Status) ([]Diff, error) {
	query, args, err := sqlx.In(
		`SELECT * FROM diffs WHERE status IN (?) ORDER BY diff_id`, statuses)
	if err != nil {
		return nil, fmt.Errorf("build status query: %w", err)
	}
	var diffs []Diff
	if err := s.db.SelectContext(ctx, &diffs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select by status: %w", err)
	}
	return diffs, nil
}

// SetSubmission records the submission UUID returned by the similarity
// service and advances the row to CREATED.
func (s *Store) SetSubmission(ctx context.Context, diffID int64, sid uuid.UUID) error {
	return s.update(ctx, `
		UPDATE diffs SET submission_id = ?, status = ?, status_timestamp = ?
		WHERE diff_id = ?`,
		sid, StatusCreated, nowTimestamp(), diffID)
}

// SetStatus advances a row to the given status.
func (s *Store) SetStatus(ctx context.Context, diffID int64, status Status) error {
	return s.update(ctx, `
		UPDATE diffs SET status = ?, status_timestamp = ? WHERE diff_id = ?`,
		status, nowTimestamp(), diffID)
}

// ResetSubmission clears the submission UUID and demotes the row to
// UNSUBMITTED so the next check-changes pass retries it as a brand-new
// submission.
func (s *Store) ResetSubmission(ctx context.Context, diffID int64) error {
	return s.update(ctx, `
		UPDATE diffs SET submission_id = NULL, status = ?, status_timestamp = ?
		WHERE diff_id = ?`,
		StatusUnsubmitted, nowTimestamp(), diffID)
}

// SaveSources attaches the filtered sources to the diff and marks it
// READY, in one transaction.
func (s *Store) SaveSources(ctx context.Context, diffID int64, sid uuid.UUID, sources []Source) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save sources: %w", err)
	}
	defer tx.Rollback()
	for _, src := range sources {
		src.SubmissionID = sid
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO report_sources (submission_id, description, url, percent)
			VALUES (:submission_id, :description, :url, :percent)`,
			src); err != nil {
			return fmt.Errorf("insert source: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE diffs SET status = ?, status_timestamp = ? WHERE diff_id = ?`),
		StatusReady, nowTimestamp(), diffID); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return tx.Commit()
}

// Sources returns the sources attached to a submission.
func (s *Store) Sources(ctx context.Context, sid uuid.UUID) ([]Source, error) {
	var sources []Source
	err := s.db.SelectContext(ctx, &sources, s.db.Rebind(`
		SELECT * FROM report_sources WHERE submission_id = ? ORDER BY source_id`),
		sid)
	if err != nil {
		return nil, fmt.Errorf("select sources: %w", err)
	}
	return sources, nil
}

// DeleteDiff removes a row; attached sources cascade.
func (s *Store) DeleteDiff(ctx context.Context, diffID int64) error {
	return s.update(ctx, `DELETE FROM diffs WHERE diff_id = ?`, diffID)
}

// RemoveRevision removes a revision scoped to one site.
func (s *Store) RemoveRevision(ctx context.Context, project, lang string, revID uint64) error {
	return s.update(ctx, `
		DELETE FROM diffs WHERE project = ? AND lang = ? AND rev_id = ?`,
		project, lang, revID)
}

// RemoveSubmission removes the row holding the given submission UUID.
func (s *Store) RemoveSubmission(ctx context.Context, sid uuid.UUID) error {
	return s.update(ctx, `DELETE FROM diffs WHERE submission_id = ?`, sid)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}
