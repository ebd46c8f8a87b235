package database

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status tracks a diff's progress through the submission pipeline.
// Negative values are in flight; zero is terminal and awaits review.
// The ordering is intentional so a range scan selects work in progress.
type Status int8

const (
	StatusUnsubmitted Status = -4
	StatusCreated     Status = -3
	StatusUploaded    Status = -2
	StatusPending     Status = -1
	StatusReady       Status = 0
)

func (s Status) String() string {
	switch s {
	case StatusUnsubmitted:
		return "UNSUBMITTED"
	case StatusCreated:
		return "CREATED"
	case StatusUploaded:
		return "UPLOADED"
	case StatusPending:
		return "PENDING"
	case StatusReady:
		return "READY"
	}
	return fmt.Sprintf("Status(%d)", int8(s))
}

// timestampFormat is the MediaWiki 14-character timestamp form.
const timestampFormat = "20060102150405"

// Timestamp is a second-precision UTC instant stored in its 14-character
// YYYYMMDDHHMMSS form.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to second precision in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Second)}
}

func nowTimestamp() Timestamp {
	return NewTimestamp(time.Now())
}

// Value implements driver.Valuer.
func (t Timestamp) Value() (driver.Value, error) {
	return []byte(t.UTC().Format(timestampFormat)), nil
}

// Scan implements sql.Scanner.
func (t *Timestamp) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	case nil:
		return fmt.Errorf("cannot scan NULL into Timestamp")
	default:
		return fmt.Errorf("cannot scan %T into Timestamp", src)
	}
	parsed, err := time.ParseInLocation(timestampFormat, s, time.UTC)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// Diff is one row of the diffs table: a tracked revision and its place
// in the pipeline.
type Diff struct {
	DiffID          int64      `db:"diff_id"`
	Project         string     `db:"project"`
	Lang            string     `db:"lang"`
	PageNamespace   int        `db:"page_namespace"`
	PageTitle       string     `db:"page_title"`
	RevID           uint64     `db:"rev_id"`
	RevParentID     uint64     `db:"rev_parent_id"`
	RevTimestamp    Timestamp  `db:"rev_timestamp"`
	RevUserText     string     `db:"rev_user_text"`
	SubmissionID    *uuid.UUID `db:"submission_id"`
	Status          Status     `db:"status"`
	StatusTimestamp *Timestamp `db:"status_timestamp"`
	StatusUserText  *string    `db:"status_user_text"`
}

// Domain reconstructs the wiki domain the revision came from.
func (d *Diff) Domain() string {
	if d.Project == d.Lang {
		return "www." + d.Project + ".org"
	}
	return d.Lang + "." + d.Project + ".org"
}

// Source is one row of the report_sources table: a remote document the
// similarity service matched against the uploaded text.
type Source struct {
	SourceID     int64     `db:"source_id"`
	SubmissionID uuid.UUID `db:"submission_id"`
	Description  string    `db:"description"`
	URL          *string   `db:"url"`
	Percent      float64   `db:"percent"`
}
