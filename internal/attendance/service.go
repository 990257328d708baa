package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TardyConversionNote is appended to an entry rewritten by the
// three-tardies rule at closeout.
const TardyConversionNote = " (Convertido por 3 retardos)"

// tardyConversionCount is how many accumulated tardies convert into one
// absence.
const tardyConversionCount = 3

// ScanOutcome tells the caller what happened to one decoded payload.
type ScanOutcome string

const (
	// ScanAccepted means the payload resolved to a roster student and a
	// new attendance entry was committed.
	ScanAccepted ScanOutcome = "accepted"
	// ScanUnrecognized means no roster student holds the payload as a QR
	// code. Not an error: ambient codes must not interrupt scanning.
	ScanUnrecognized ScanOutcome = "unrecognized"
	// ScanDuplicate means the student already scanned in this session.
	// Not an error: repeated camera frames of one code are expected.
	ScanDuplicate ScanOutcome = "duplicate"
)

// ScanResult is what IngestScan hands back for display.
type ScanResult struct {
	Outcome ScanOutcome        `json:"outcome"`
	Student *Student           `json:"student,omitempty"`
	Entry   *StudentAttendance `json:"entry,omitempty"`
}

// Service runs the session lifecycle: opening scanning windows, turning
// decoded QR payloads into attendance entries, and finalizing sessions into
// roster-complete records.
type Service struct {
	roster   RosterStore
	sessions SessionStore
	records  RecordStore
	settings SettingsStore

	// mu serializes scan commits and closeout so the dedupe check always
	// sees the latest committed scanned set, even when callbacks
	// interleave.
	mu sync.Mutex

	now func() time.Time
}

// NewService wires the service to its stores.
func NewService(roster RosterStore, sessions SessionStore, records RecordStore, settings SettingsStore) *Service {
	return &Service{
		roster:   roster,
		sessions: sessions,
		records:  records,
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// StartSession opens a scanning window for a course. Any session still
// active for the same course is deactivated by the store as part of the
// create. The tardy threshold is snapshotted from settings here and stays
// fixed for the session's lifetime.
func (s *Service) StartSession(ctx context.Context, courseID, scheduleID, date string) (*Session, error) {
	if _, err := s.roster.Course(ctx, courseID); err != nil {
		return nil, err
	}
	now := s.now()
	if date == "" {
		date = now.Format(DateLayout)
	} else if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}

	threshold, err := s.settings.TardyThresholdMinutes(ctx)
	if err != nil {
		log.Printf("settings read failed, using default threshold: %v", err)
		threshold = DefaultTardyThresholdMinutes
	}

	sess := Session{
		ID:                    uuid.NewString(),
		CourseID:              courseID,
		ScheduleID:            scheduleID,
		Date:                  date,
		StartedAt:             now,
		IsActive:              true,
		ScannedStudents:       []string{},
		TardyThresholdMinutes: threshold,
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ActiveSession returns the open session for a course, if any.
func (s *Service) ActiveSession(ctx context.Context, courseID string) (*Session, error) {
	return s.sessions.ActiveSession(ctx, courseID)
}

// CancelSession closes the active session for a course without producing a
// final record. Scans already committed stay in the draft record and the
// session history.
func (s *Service) CancelSession(ctx context.Context, courseID string) error {
	sess, err := s.sessions.ActiveSession(ctx, courseID)
	if err != nil {
		return err
	}
	return s.sessions.CloseSession(ctx, sess.ID)
}

// IngestScan turns one decoded QR payload into an attendance state
// transition against the course's active session. Unrecognized payloads and
// repeat scans are no-op results, not errors. The commit order is draft
// record, then session, then tardy counter, so a failed store write never
// leaves the student marked as scanned.
func (s *Service) IngestScan(ctx context.Context, courseID, payload string, at time.Time) (ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.sessions.ActiveSession(ctx, courseID)
	if err != nil {
		return ScanResult{}, err
	}
	course, err := s.roster.Course(ctx, courseID)
	if err != nil {
		return ScanResult{}, err
	}

	student := resolveByQR(course.Students, payload)
	if student == nil {
		return ScanResult{Outcome: ScanUnrecognized}, nil
	}
	if sess.Scanned(student.ID) {
		return ScanResult{Outcome: ScanDuplicate, Student: student}, nil
	}

	if at.IsZero() {
		at = s.now()
	}
	status := Classify(at, sess.StartedAt, sess.TardyThresholdMinutes)
	scannedAt := at
	entry := StudentAttendance{
		StudentID: student.ID,
		Status:    status,
		ScannedAt: &scannedAt,
	}

	if err := s.upsertDraftEntry(ctx, sess, entry); err != nil {
		return ScanResult{}, fmt.Errorf("persist scan entry: %w", err)
	}

	sess.ScannedStudents = append(sess.ScannedStudents, student.ID)
	if err := s.sessions.UpdateSession(ctx, *sess); err != nil {
		return ScanResult{}, fmt.Errorf("persist session: %w", err)
	}

	// Sole increment site for the tardy counter. Conversion to an
	// absence is closeout-only so a student is not penalized twice in
	// the same session.
	if status == StatusLate {
		if err := s.roster.SetAccumulatedTardies(ctx, student.ID, student.AccumulatedTardies+1); err != nil {
			return ScanResult{}, fmt.Errorf("persist tardy counter: %w", err)
		}
		student.AccumulatedTardies++
	}

	return ScanResult{Outcome: ScanAccepted, Student: student, Entry: &entry}, nil
}

// upsertDraftEntry folds one accepted entry into the (courseID, date) draft
// record so scan results survive a process restart until closeout.
func (s *Service) upsertDraftEntry(ctx context.Context, sess *Session, entry StudentAttendance) error {
	draft, err := s.records.Record(ctx, sess.CourseID, sess.Date)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	if draft == nil {
		draft = &Record{
			ID:         ulid.Make().String(),
			CourseID:   sess.CourseID,
			Date:       sess.Date,
			ScheduleID: sess.ScheduleID,
			CreatedAt:  s.now(),
		}
	}
	replaced := false
	for i := range draft.Entries {
		if draft.Entries[i].StudentID == entry.StudentID {
			draft.Entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		draft.Entries = append(draft.Entries, entry)
	}
	return s.records.UpsertRecord(ctx, *draft)
}

// Closeout finalizes the active session of a course into a roster-complete
// record: unscanned students are back-filled as absent, the three-tardies
// rule is applied, and the session is closed. On any store failure the
// session stays active so the teacher can retry; the record upsert is
// idempotent, so a retry overwrites cleanly.
func (s *Service) Closeout(ctx context.Context, courseID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.sessions.ActiveSession(ctx, courseID)
	if err != nil {
		return nil, err
	}
	course, err := s.roster.Course(ctx, courseID)
	if err != nil {
		return nil, err
	}

	scanned, recordID, err := s.scannedEntries(ctx, sess)
	if err != nil {
		return nil, err
	}

	// Back-fill: every roster student appears exactly once, roster order.
	entries := make([]StudentAttendance, 0, len(course.Students))
	for _, st := range course.Students {
		if e, ok := scanned[st.ID]; ok {
			entries = append(entries, e)
			continue
		}
		entries = append(entries, StudentAttendance{StudentID: st.ID, Status: StatusAbsent})
	}

	// Three tardies convert this session's late into an absence. The
	// rewrite only fires when the current status is exactly late; a
	// student at the threshold whose status is present or absent just
	// has the counter reset. Below the threshold the counter is kept.
	for i, st := range course.Students {
		if st.AccumulatedTardies < tardyConversionCount {
			continue
		}
		for j := range entries {
			if entries[j].StudentID != st.ID {
				continue
			}
			if entries[j].Status == StatusLate {
				entries[j].Status = StatusAbsent
				entries[j].Note += TardyConversionNote
			}
			break
		}
		course.Students[i].AccumulatedTardies = 0
	}

	rec := Record{
		ID:         recordID,
		CourseID:   courseID,
		Date:       sess.Date,
		ScheduleID: sess.ScheduleID,
		Entries:    entries,
		CreatedAt:  s.now(),
	}
	if err := s.records.UpsertRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist attendance record: %w", err)
	}
	if err := s.roster.ReplaceRoster(ctx, *course); err != nil {
		// The record is saved; counters may lag. Surface for retry,
		// never drop attendance data silently.
		return nil, fmt.Errorf("persist roster counters: %w", err)
	}
	if err := s.sessions.CloseSession(ctx, sess.ID); err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	return &rec, nil
}

// scannedEntries loads the draft record and returns the accepted entries
// keyed by student id, restricted to students the session actually counts
// as scanned. Orphan draft entries from failed session commits are ignored.
func (s *Service) scannedEntries(ctx context.Context, sess *Session) (map[string]StudentAttendance, string, error) {
	draft, err := s.records.Record(ctx, sess.CourseID, sess.Date)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, "", err
	}
	entries := make(map[string]StudentAttendance, len(sess.ScannedStudents))
	recordID := ulid.Make().String()
	if draft != nil {
		recordID = draft.ID
		for _, e := range draft.Entries {
			if sess.Scanned(e.StudentID) {
				entries[e.StudentID] = e
			}
		}
	}
	return entries, recordID, nil
}

func resolveByQR(students []Student, payload string) *Student {
	if payload == "" {
		return nil
	}
	for i := range students {
		if students[i].QRCode != "" && students[i].QRCode == payload {
			return &students[i]
		}
	}
	return nil
}
