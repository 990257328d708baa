package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Repository persists courses, sessions, records and settings in Postgres.
// It implements RosterStore, SessionStore, RecordStore and SettingsStore.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// --- RosterStore ---

// Course loads one course with its students and schedules.
func (r *Repository) Course(ctx context.Context, id string) (*Course, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, classroom_id, name, section, description, imported_at, last_synced_at
		FROM courses WHERE id = $1
	`, id)
	var c Course
	var classroomID, section, description sql.NullString
	var lastSynced sql.NullTime
	if err := row.Scan(&c.ID, &classroomID, &c.Name, &section, &description, &c.ImportedAt, &lastSynced); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCourseNotFound
		}
		return nil, err
	}
	c.ClassroomID = classroomID.String
	c.Section = section.String
	c.Description = description.String
	if lastSynced.Valid {
		t := lastSynced.Time
		c.LastSyncedAt = &t
	}

	var err error
	if c.Students, err = r.studentsByCourse(ctx, id); err != nil {
		return nil, err
	}
	if c.Schedules, err = r.schedulesByCourse(ctx, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCourses returns all courses with rosters, oldest import first.
func (r *Repository) ListCourses(ctx context.Context) ([]Course, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM courses ORDER BY imported_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Course, 0, len(ids))
	for _, id := range ids {
		c, err := r.Course(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// CreateCourse inserts a course with its initial roster in one transaction.
func (r *Repository) CreateCourse(ctx context.Context, c Course) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO courses (id, classroom_id, name, section, description, imported_at, last_synced_at)
		VALUES ($1, NULLIF($2,''), $3, NULLIF($4,''), NULLIF($5,''), $6, $7)
	`, c.ID, c.ClassroomID, c.Name, c.Section, c.Description, c.ImportedAt, c.LastSyncedAt)
	if err != nil {
		return err
	}
	if err := insertRoster(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteCourse removes a course; students, schedules and records go with it
// via ON DELETE CASCADE.
func (r *Repository) DeleteCourse(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM courses WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCourseNotFound
	}
	return nil
}

// ReplaceRoster swaps the full student and schedule sets of a course.
func (r *Repository) ReplaceRoster(ctx context.Context, c Course) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE courses
		SET classroom_id = NULLIF($2,''), name = $3, section = NULLIF($4,''),
		    description = NULLIF($5,''), last_synced_at = $6
		WHERE id = $1
	`, c.ID, c.ClassroomID, c.Name, c.Section, c.Description, c.LastSyncedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCourseNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM students WHERE course_id = $1`, c.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE course_id = $1`, c.ID); err != nil {
		return err
	}
	if err := insertRoster(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// SetAccumulatedTardies overwrites one student's tardy counter.
func (r *Repository) SetAccumulatedTardies(ctx context.Context, studentID string, n int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE students SET accumulated_tardies = $2 WHERE id = $1
	`, studentID, n)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("student %s not found", studentID)
	}
	return nil
}

func insertRoster(ctx context.Context, tx *sql.Tx, c Course) error {
	for _, st := range c.Students {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO students (id, course_id, classroom_id, name, email, qr_code, gender, accumulated_tardies)
			VALUES ($1, $2, NULLIF($3,''), $4, NULLIF($5,''), NULLIF($6,''), NULLIF($7,''), $8)
		`, st.ID, c.ID, st.ClassroomID, st.Name, st.Email, st.QRCode, st.Gender, st.AccumulatedTardies)
		if err != nil {
			return fmt.Errorf("insert student %s: %w", st.ID, err)
		}
	}
	for _, sc := range c.Schedules {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schedules (id, course_id, day_of_week, start_time, end_time, room)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6,''))
		`, sc.ID, c.ID, sc.DayOfWeek, sc.StartTime, sc.EndTime, sc.Room)
		if err != nil {
			return fmt.Errorf("insert schedule %s: %w", sc.ID, err)
		}
	}
	return nil
}

func (r *Repository) studentsByCourse(ctx context.Context, courseID string) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, classroom_id, name, email, qr_code, gender, accumulated_tardies
		FROM students WHERE course_id = $1 ORDER BY created_at, id
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	students := []Student{}
	for rows.Next() {
		var st Student
		var classroomID, email, qr, gender sql.NullString
		if err := rows.Scan(&st.ID, &classroomID, &st.Name, &email, &qr, &gender, &st.AccumulatedTardies); err != nil {
			return nil, err
		}
		st.ClassroomID = classroomID.String
		st.Email = email.String
		st.QRCode = qr.String
		st.Gender = gender.String
		students = append(students, st)
	}
	return students, rows.Err()
}

func (r *Repository) schedulesByCourse(ctx context.Context, courseID string) ([]Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, day_of_week, start_time, end_time, room
		FROM schedules WHERE course_id = $1 ORDER BY day_of_week, start_time
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	schedules := []Schedule{}
	for rows.Next() {
		var sc Schedule
		var room sql.NullString
		if err := rows.Scan(&sc.ID, &sc.DayOfWeek, &sc.StartTime, &sc.EndTime, &room); err != nil {
			return nil, err
		}
		sc.CourseID = courseID
		sc.Room = room.String
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

// --- SessionStore ---

// CreateSession deactivates any active session for the same course and
// inserts the new one, all in one transaction so concurrent creates cannot
// leave two active sessions.
func (r *Repository) CreateSession(ctx context.Context, s Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET is_active = FALSE, ended_at = NOW()
		WHERE course_id = $1 AND is_active = TRUE
	`, s.CourseID)
	if err != nil {
		return err
	}

	scanned, err := json.Marshal(s.ScannedStudents)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, course_id, schedule_id, date, started_at, ended_at, is_active, scanned_students, tardy_threshold_minutes)
		VALUES ($1, $2, NULLIF($3,''), $4, $5, $6, $7, $8, $9)
	`, s.ID, s.CourseID, s.ScheduleID, s.Date, s.StartedAt, s.EndedAt, s.IsActive, scanned, s.TardyThresholdMinutes)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Session returns a single session by id.
func (r *Repository) Session(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, schedule_id, date, started_at, ended_at, is_active, scanned_students, tardy_threshold_minutes
		FROM sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return s, nil
}

// ActiveSession returns the unique active session for a course.
func (r *Repository) ActiveSession(ctx context.Context, courseID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, schedule_id, date, started_at, ended_at, is_active, scanned_students, tardy_threshold_minutes
		FROM sessions WHERE course_id = $1 AND is_active = TRUE
		ORDER BY started_at DESC LIMIT 1
	`, courseID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveSession
		}
		return nil, err
	}
	return s, nil
}

// UpdateSession replaces the stored session by id.
func (r *Repository) UpdateSession(ctx context.Context, s Session) error {
	scanned, err := json.Marshal(s.ScannedStudents)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET schedule_id = NULLIF($2,''), date = $3, started_at = $4, ended_at = $5,
		    is_active = $6, scanned_students = $7, tardy_threshold_minutes = $8
		WHERE id = $1
	`, s.ID, s.ScheduleID, s.Date, s.StartedAt, s.EndedAt, s.IsActive, scanned, s.TardyThresholdMinutes)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CloseSession deactivates a session. Idempotent: endedAt is only stamped
// if not already set, so the first close wins.
func (r *Repository) CloseSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET is_active = FALSE, ended_at = COALESCE(ended_at, NOW())
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var scheduleID sql.NullString
	var endedAt sql.NullTime
	var scanned []byte
	if err := row.Scan(&s.ID, &s.CourseID, &scheduleID, &s.Date, &s.StartedAt, &endedAt, &s.IsActive, &scanned, &s.TardyThresholdMinutes); err != nil {
		return nil, err
	}
	s.ScheduleID = scheduleID.String
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	if len(scanned) > 0 {
		if err := json.Unmarshal(scanned, &s.ScannedStudents); err != nil {
			return nil, fmt.Errorf("decode scanned students: %w", err)
		}
	}
	if s.ScannedStudents == nil {
		s.ScannedStudents = []string{}
	}
	return &s, nil
}

// --- RecordStore ---

// Record returns the record for one course and date.
func (r *Repository) Record(ctx context.Context, courseID, date string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, date, schedule_id, entries, created_at
		FROM attendance_records WHERE course_id = $1 AND date = $2
	`, courseID, date)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

// RecordsByCourse returns all records of a course, newest date first.
func (r *Repository) RecordsByCourse(ctx context.Context, courseID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, course_id, date, schedule_id, entries, created_at
		FROM attendance_records WHERE course_id = $1 ORDER BY date DESC
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// UpsertRecord saves a record, overwriting on a (course_id, date) match.
func (r *Repository) UpsertRecord(ctx context.Context, rec Record) error {
	entries, err := json.Marshal(rec.Entries)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, course_id, date, schedule_id, entries, created_at)
		VALUES ($1, $2, $3, NULLIF($4,''), $5, $6)
		ON CONFLICT (course_id, date) DO UPDATE SET
			schedule_id = EXCLUDED.schedule_id,
			entries = EXCLUDED.entries,
			created_at = EXCLUDED.created_at
	`, rec.ID, rec.CourseID, rec.Date, rec.ScheduleID, entries, rec.CreatedAt)
	return err
}

// DeleteRecord removes one record by id.
func (r *Repository) DeleteRecord(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var scheduleID sql.NullString
	var entries []byte
	if err := row.Scan(&rec.ID, &rec.CourseID, &rec.Date, &scheduleID, &entries, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.ScheduleID = scheduleID.String
	if len(entries) > 0 {
		if err := json.Unmarshal(entries, &rec.Entries); err != nil {
			return nil, fmt.Errorf("decode record entries: %w", err)
		}
	}
	return &rec, nil
}

// --- SettingsStore ---

// TardyThresholdMinutes reads the configured threshold, falling back to the
// default when the row is absent.
func (r *Repository) TardyThresholdMinutes(ctx context.Context) (int, error) {
	return r.intSetting(ctx, settingTardyThreshold, DefaultTardyThresholdMinutes)
}

// SetTardyThresholdMinutes stores the threshold.
func (r *Repository) SetTardyThresholdMinutes(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("threshold must be >= 0, got %d", n)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, settingTardyThreshold, n)
	return err
}

// DefaultSessionDurationMinutes is informational; sessions never auto-expire.
func (r *Repository) DefaultSessionDurationMinutes(ctx context.Context) (int, error) {
	return r.intSetting(ctx, settingSessionDuration, 15)
}

func (r *Repository) intSetting(ctx context.Context, key string, fallback int) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key)
	var v int
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fallback, nil
		}
		return 0, err
	}
	return v, nil
}
