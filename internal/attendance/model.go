package attendance

import "time"

// DateLayout is the calendar-date format used across sessions and records.
const DateLayout = "2006-01-02"

// Student belongs to exactly one course. QRCode is an opaque token unique
// across the whole system; students without one cannot scan in.
type Student struct {
	ID                 string `json:"id"`
	ClassroomID        string `json:"classroom_id,omitempty"`
	Name               string `json:"name"`
	Email              string `json:"email,omitempty"`
	QRCode             string `json:"qr_code,omitempty"`
	Gender             string `json:"gender,omitempty"`
	AccumulatedTardies int    `json:"accumulated_tardies"`
}

// Schedule is one weekly time slot of a course. DayOfWeek counts from
// 0=Monday through 6=Sunday.
type Schedule struct {
	ID        string `json:"id"`
	CourseID  string `json:"course_id"`
	DayOfWeek int    `json:"day_of_week"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Room      string `json:"room,omitempty"`
}

// Course owns its students and schedules; both are cascade-deleted with it.
type Course struct {
	ID           string     `json:"id"`
	ClassroomID  string     `json:"classroom_id,omitempty"`
	Name         string     `json:"name"`
	Section      string     `json:"section,omitempty"`
	Description  string     `json:"description,omitempty"`
	Students     []Student  `json:"students"`
	Schedules    []Schedule `json:"schedules"`
	ImportedAt   time.Time  `json:"imported_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Session is one open scanning window for one course on one date.
// ScannedStudents is append-only while the session is active and never
// contains duplicates. The tardy threshold is snapshotted from settings at
// creation and immutable afterwards.
type Session struct {
	ID                    string     `json:"id"`
	CourseID              string     `json:"course_id"`
	ScheduleID            string     `json:"schedule_id,omitempty"`
	Date                  string     `json:"date"`
	StartedAt             time.Time  `json:"started_at"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
	IsActive              bool       `json:"is_active"`
	ScannedStudents       []string   `json:"scanned_students"`
	TardyThresholdMinutes int        `json:"tardy_threshold_minutes"`
}

// Scanned reports whether studentID is already in the session's scanned set.
func (s *Session) Scanned(studentID string) bool {
	for _, id := range s.ScannedStudents {
		if id == studentID {
			return true
		}
	}
	return false
}

// StudentAttendance is one student's outcome inside a Record.
type StudentAttendance struct {
	StudentID string     `json:"student_id"`
	Status    Status     `json:"status"`
	Note      string     `json:"note,omitempty"`
	ScannedAt *time.Time `json:"scanned_at,omitempty"`
}

// Record is the durable one-per-course-per-date attendance outcome. Entries
// holds exactly one StudentAttendance per roster student at closeout time.
type Record struct {
	ID         string              `json:"id"`
	CourseID   string              `json:"course_id"`
	Date       string              `json:"date"`
	ScheduleID string              `json:"schedule_id,omitempty"`
	Entries    []StudentAttendance `json:"records"`
	CreatedAt  time.Time           `json:"created_at"`
}
