package attendance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory implementation of all four store
// interfaces, used for tests and for running without Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	courses  map[string]Course
	order    []string
	sessions map[string]Session
	records  map[string]Record // keyed courseID|date
	settings map[string]int

	now func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:  make(map[string]Course),
		sessions: make(map[string]Session),
		records:  make(map[string]Record),
		settings: make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func recordKey(courseID, date string) string { return courseID + "|" + date }

// --- RosterStore ---

func (m *MemoryStore) Course(ctx context.Context, id string) (*Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, ErrCourseNotFound
	}
	cp := cloneCourse(c)
	return &cp, nil
}

func (m *MemoryStore) ListCourses(ctx context.Context) ([]Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Course, 0, len(m.order))
	for _, id := range m.order {
		if c, ok := m.courses[id]; ok {
			out = append(out, cloneCourse(c))
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateCourse(ctx context.Context, c Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.courses[c.ID]; exists {
		return fmt.Errorf("course %s already exists", c.ID)
	}
	if err := checkQRUnique(m.courses, c); err != nil {
		return err
	}
	m.courses[c.ID] = cloneCourse(c)
	m.order = append(m.order, c.ID)
	return nil
}

func (m *MemoryStore) DeleteCourse(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.courses[id]; !ok {
		return ErrCourseNotFound
	}
	delete(m.courses, id)
	for i, cid := range m.order {
		if cid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for k, r := range m.records {
		if r.CourseID == id {
			delete(m.records, k)
		}
	}
	return nil
}

func (m *MemoryStore) ReplaceRoster(ctx context.Context, c Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.courses[c.ID]; !ok {
		return ErrCourseNotFound
	}
	if err := checkQRUnique(m.courses, c); err != nil {
		return err
	}
	m.courses[c.ID] = cloneCourse(c)
	return nil
}

func (m *MemoryStore) SetAccumulatedTardies(ctx context.Context, studentID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.courses {
		for i := range c.Students {
			if c.Students[i].ID == studentID {
				c.Students[i].AccumulatedTardies = n
				m.courses[id] = c
				return nil
			}
		}
	}
	return fmt.Errorf("student %s not found", studentID)
}

// checkQRUnique enforces the system-wide QR token uniqueness the Postgres
// store gets from its UNIQUE column. A collision is a provisioning bug.
func checkQRUnique(courses map[string]Course, incoming Course) error {
	seen := make(map[string]string)
	for i := range incoming.Students {
		qr := incoming.Students[i].QRCode
		if qr == "" {
			continue
		}
		if _, dup := seen[qr]; dup {
			return fmt.Errorf("duplicate qr code %q in course %s", qr, incoming.ID)
		}
		seen[qr] = incoming.Students[i].ID
	}
	for id, c := range courses {
		if id == incoming.ID {
			continue
		}
		for i := range c.Students {
			if owner, dup := seen[c.Students[i].QRCode]; dup && c.Students[i].QRCode != "" && owner != c.Students[i].ID {
				return fmt.Errorf("qr code %q already assigned", c.Students[i].QRCode)
			}
		}
	}
	return nil
}

// --- SessionStore ---

func (m *MemoryStore) CreateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, existing := range m.sessions {
		if existing.CourseID == s.CourseID && existing.IsActive {
			existing.IsActive = false
			ended := now
			existing.EndedAt = &ended
			m.sessions[id] = existing
		}
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Session(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := cloneSession(s)
	return &cp, nil
}

func (m *MemoryStore) ActiveSession(ctx context.Context, courseID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.CourseID == courseID && s.IsActive {
			cp := cloneSession(s)
			return &cp, nil
		}
	}
	return nil, ErrNoActiveSession
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) CloseSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !s.IsActive && s.EndedAt != nil {
		return nil // first close wins
	}
	s.IsActive = false
	if s.EndedAt == nil {
		ended := m.now()
		s.EndedAt = &ended
	}
	m.sessions[id] = s
	return nil
}

// --- RecordStore ---

func (m *MemoryStore) Record(ctx context.Context, courseID, date string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordKey(courseID, date)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := cloneRecord(r)
	return &cp, nil
}

func (m *MemoryStore) RecordsByCourse(ctx context.Context, courseID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.CourseID == courseID {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

func (m *MemoryStore) UpsertRecord(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[recordKey(r.CourseID, r.Date)] = cloneRecord(r)
	return nil
}

func (m *MemoryStore) DeleteRecord(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.records {
		if r.ID == id {
			delete(m.records, k)
			return nil
		}
	}
	return ErrRecordNotFound
}

// --- SettingsStore ---

const (
	settingTardyThreshold  = "tardy_threshold_minutes"
	settingSessionDuration = "default_session_duration_minutes"
)

func (m *MemoryStore) TardyThresholdMinutes(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.settings[settingTardyThreshold]; ok {
		return v, nil
	}
	return DefaultTardyThresholdMinutes, nil
}

func (m *MemoryStore) SetTardyThresholdMinutes(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("threshold must be >= 0, got %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settingTardyThreshold] = n
	return nil
}

func (m *MemoryStore) DefaultSessionDurationMinutes(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.settings[settingSessionDuration]; ok {
		return v, nil
	}
	return 15, nil
}

func cloneCourse(c Course) Course {
	cp := c
	cp.Students = append([]Student(nil), c.Students...)
	cp.Schedules = append([]Schedule(nil), c.Schedules...)
	return cp
}

func cloneSession(s Session) Session {
	cp := s
	cp.ScannedStudents = append([]string(nil), s.ScannedStudents...)
	return cp
}

func cloneRecord(r Record) Record {
	cp := r
	cp.Entries = append([]StudentAttendance(nil), r.Entries...)
	return cp
}
