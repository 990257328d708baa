package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// CreateCourse registers a new course with its initial roster.
func (s *Service) CreateCourse(ctx context.Context, c Course) (*Course, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, errors.New("course name required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ImportedAt.IsZero() {
		c.ImportedAt = s.now()
	}
	for i := range c.Students {
		if c.Students[i].ID == "" {
			c.Students[i].ID = uuid.NewString()
		}
	}
	for i := range c.Schedules {
		if c.Schedules[i].ID == "" {
			c.Schedules[i].ID = uuid.NewString()
		}
		c.Schedules[i].CourseID = c.ID
	}
	if err := s.roster.CreateCourse(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Course returns one course with roster and schedules.
func (s *Service) Course(ctx context.Context, id string) (*Course, error) {
	return s.roster.Course(ctx, id)
}

// ListCourses returns all courses.
func (s *Service) ListCourses(ctx context.Context) ([]Course, error) {
	return s.roster.ListCourses(ctx)
}

// DeleteCourse removes a course and cascades to students, schedules and
// attendance records. Sessions are ephemeral and may be orphaned safely.
func (s *Service) DeleteCourse(ctx context.Context, id string) error {
	return s.roster.DeleteCourse(ctx, id)
}

// ReplaceRoster swaps a course's full student and schedule sets.
func (s *Service) ReplaceRoster(ctx context.Context, c Course) error {
	return s.roster.ReplaceRoster(ctx, c)
}

// SaveSyncedRoster persists a roster produced by a classroom sync and
// stamps the sync time.
func (s *Service) SaveSyncedRoster(ctx context.Context, c Course) (*Course, error) {
	now := s.now()
	c.LastSyncedAt = &now
	if err := s.roster.ReplaceRoster(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Record returns the finalized (or draft) record for one course and date.
func (s *Service) Record(ctx context.Context, courseID, date string) (*Record, error) {
	return s.records.Record(ctx, courseID, date)
}

// RecordsByCourse returns all records of a course, newest date first.
func (s *Service) RecordsByCourse(ctx context.Context, courseID string) ([]Record, error) {
	return s.records.RecordsByCourse(ctx, courseID)
}

// SaveManualRecord stores a hand-entered record for a course and date,
// overwriting any record already saved for that date. Every entry must name
// a roster student exactly once and carry a known status.
func (s *Service) SaveManualRecord(ctx context.Context, courseID, date string, entries []StudentAttendance) (*Record, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	course, err := s.roster.Course(ctx, courseID)
	if err != nil {
		return nil, err
	}

	onRoster := make(map[string]bool, len(course.Students))
	for _, st := range course.Students {
		onRoster[st.ID] = true
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if _, err := ParseStatus(string(e.Status)); err != nil {
			return nil, err
		}
		if !onRoster[e.StudentID] {
			return nil, fmt.Errorf("student %s not on the roster", e.StudentID)
		}
		if seen[e.StudentID] {
			return nil, fmt.Errorf("duplicate entry for student %s", e.StudentID)
		}
		seen[e.StudentID] = true
	}

	// Overwrites keep the existing record id so the date's history stays
	// addressable.
	id := ulid.Make().String()
	if existing, err := s.records.Record(ctx, courseID, date); err == nil {
		id = existing.ID
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	rec := Record{
		ID:        id,
		CourseID:  courseID,
		Date:      date,
		Entries:   entries,
		CreatedAt: s.now(),
	}
	if err := s.records.UpsertRecord(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// StudentStats is the per-student raw tally across a course's records.
type StudentStats struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	Present   int    `json:"present"`
	Absent    int    `json:"absent"`
	Late      int    `json:"late"`
	Excused   int    `json:"excused"`
}

// CourseStats holds the raw counts reporting glue consumes. No percentages
// or chart shaping here.
type CourseStats struct {
	CourseID string         `json:"course_id"`
	Sessions int            `json:"sessions"`
	Totals   StudentStats   `json:"totals"`
	Students []StudentStats `json:"students"`
}

// Stats tallies per-status counts per student over all stored records of a
// course, in roster order.
func (s *Service) Stats(ctx context.Context, courseID string) (*CourseStats, error) {
	course, err := s.roster.Course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	recs, err := s.records.RecordsByCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}

	// Preallocated up front: the index map points into this slice, so it
	// must never reallocate underneath it.
	out := &CourseStats{
		CourseID: courseID,
		Sessions: len(recs),
		Students: make([]StudentStats, 0, len(course.Students)),
	}
	byStudent := make(map[string]*StudentStats, len(course.Students))
	for _, st := range course.Students {
		out.Students = append(out.Students, StudentStats{StudentID: st.ID, Name: st.Name})
		byStudent[st.ID] = &out.Students[len(out.Students)-1]
	}
	for _, rec := range recs {
		for _, e := range rec.Entries {
			ss, ok := byStudent[e.StudentID]
			if !ok {
				continue // student since removed from roster
			}
			tally(ss, e.Status)
			tally(&out.Totals, e.Status)
		}
	}
	return out, nil
}

func tally(ss *StudentStats, status Status) {
	switch status {
	case StatusPresent:
		ss.Present++
	case StatusAbsent:
		ss.Absent++
	case StatusLate:
		ss.Late++
	case StatusExcused:
		ss.Excused++
	}
}
