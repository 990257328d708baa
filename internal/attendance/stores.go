package attendance

import (
	"context"
	"errors"
)

// Store errors shared by the Postgres and in-memory implementations.
var (
	ErrCourseNotFound  = errors.New("course not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrNoActiveSession = errors.New("no active session for course")
	ErrRecordNotFound  = errors.New("attendance record not found")
)

// RosterStore is the roster provider and course mutator collaborator: course
// CRUD plus the two mutations the engines need (counter writes and full
// roster replacement).
type RosterStore interface {
	Course(ctx context.Context, id string) (*Course, error)
	ListCourses(ctx context.Context) ([]Course, error)
	CreateCourse(ctx context.Context, c Course) error
	// DeleteCourse cascades to students, schedules and attendance records.
	DeleteCourse(ctx context.Context, id string) error
	// ReplaceRoster swaps the full student and schedule sets of a course.
	ReplaceRoster(ctx context.Context, c Course) error
	// SetAccumulatedTardies overwrites one student's tardy counter.
	SetAccumulatedTardies(ctx context.Context, studentID string, n int) error
}

// SessionStore holds scanning sessions and enforces the single-active-
// session-per-course invariant inside CreateSession.
type SessionStore interface {
	// CreateSession deactivates any active session for the same course
	// (stamping endedAt) and inserts s as the sole active one. The
	// deactivate-and-insert pair is atomic relative to concurrent creates.
	CreateSession(ctx context.Context, s Session) error
	Session(ctx context.Context, id string) (*Session, error)
	ActiveSession(ctx context.Context, courseID string) (*Session, error)
	// UpdateSession replaces the stored session by id.
	UpdateSession(ctx context.Context, s Session) error
	// CloseSession is idempotent; the first close wins and endedAt is
	// never restamped.
	CloseSession(ctx context.Context, id string) error
}

// RecordStore persists finalized attendance records with overwrite
// semantics on (courseID, date).
type RecordStore interface {
	Record(ctx context.Context, courseID, date string) (*Record, error)
	RecordsByCourse(ctx context.Context, courseID string) ([]Record, error)
	UpsertRecord(ctx context.Context, r Record) error
	DeleteRecord(ctx context.Context, id string) error
}

// SettingsStore exposes the system settings the session engine snapshots.
type SettingsStore interface {
	// TardyThresholdMinutes returns the configured threshold, or the
	// default when unset.
	TardyThresholdMinutes(ctx context.Context) (int, error)
	SetTardyThresholdMinutes(ctx context.Context, n int) error
	// DefaultSessionDurationMinutes is informational only; sessions do
	// not auto-expire.
	DefaultSessionDurationMinutes(ctx context.Context) (int, error)
}
