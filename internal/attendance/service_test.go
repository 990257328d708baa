package attendance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var sessionStart = time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, students ...Student) (*Service, *MemoryStore, *Course) {
	t.Helper()
	store := NewMemoryStore()
	store.now = func() time.Time { return sessionStart }
	svc := NewService(store, store, store, store)
	svc.now = func() time.Time { return sessionStart }

	course, err := svc.CreateCourse(context.Background(), Course{
		ID:       "c1",
		Name:     "Algebra I",
		Students: students,
	})
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	return svc, store, course
}

func startSession(t *testing.T, svc *Service, courseID string) *Session {
	t.Helper()
	sess, err := svc.StartSession(context.Background(), courseID, "", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return sess
}

func TestIngestScanDedupe(t *testing.T) {
	svc, store, _ := newTestService(t,
		Student{ID: "s1", Name: "Ana", QRCode: "qr-a"},
	)
	ctx := context.Background()
	startSession(t, svc, "c1")

	// Late scan so the tardy counter is exercised too.
	at := sessionStart.Add(15 * time.Minute)
	res, err := svc.IngestScan(ctx, "c1", "qr-a", at)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if res.Outcome != ScanAccepted {
		t.Fatalf("first scan outcome = %v, want accepted", res.Outcome)
	}
	if res.Entry.Status != StatusLate {
		t.Fatalf("first scan status = %v, want late", res.Entry.Status)
	}

	// Same payload again, as from a repeated camera frame.
	res, err = svc.IngestScan(ctx, "c1", "qr-a", at.Add(time.Second))
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if res.Outcome != ScanDuplicate {
		t.Fatalf("second scan outcome = %v, want duplicate", res.Outcome)
	}

	sess, err := store.ActiveSession(ctx, "c1")
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if len(sess.ScannedStudents) != 1 {
		t.Errorf("scanned set has %d entries, want 1: %v", len(sess.ScannedStudents), sess.ScannedStudents)
	}

	course, _ := store.Course(ctx, "c1")
	if got := course.Students[0].AccumulatedTardies; got != 1 {
		t.Errorf("accumulated tardies = %d, want exactly 1", got)
	}
}

func TestIngestScanUnrecognized(t *testing.T) {
	svc, store, _ := newTestService(t,
		Student{ID: "s1", Name: "Ana", QRCode: "qr-a"},
		Student{ID: "s2", Name: "Beto"}, // no QR: not eligible to scan
	)
	ctx := context.Background()
	startSession(t, svc, "c1")

	res, err := svc.IngestScan(ctx, "c1", "some-random-url", sessionStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("IngestScan: %v", err)
	}
	if res.Outcome != ScanUnrecognized {
		t.Fatalf("outcome = %v, want unrecognized", res.Outcome)
	}

	// Empty payload must never match a student with an empty QR code.
	res, err = svc.IngestScan(ctx, "c1", "", sessionStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("IngestScan empty: %v", err)
	}
	if res.Outcome != ScanUnrecognized {
		t.Fatalf("empty payload outcome = %v, want unrecognized", res.Outcome)
	}

	sess, _ := store.ActiveSession(ctx, "c1")
	if len(sess.ScannedStudents) != 0 {
		t.Errorf("scanned set not empty after ignored scans: %v", sess.ScannedStudents)
	}
}

func TestIngestScanCaseSensitiveMatch(t *testing.T) {
	svc, _, _ := newTestService(t, Student{ID: "s1", Name: "Ana", QRCode: "Qr-A"})
	res, err := svc.IngestScan(context.Background(), "c1", "qr-a", sessionStart.Add(time.Minute))
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected no-active-session before start, got res=%v err=%v", res, err)
	}

	startSession(t, svc, "c1")
	res, err = svc.IngestScan(context.Background(), "c1", "qr-a", sessionStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("IngestScan: %v", err)
	}
	if res.Outcome != ScanUnrecognized {
		t.Errorf("case-folded payload matched, outcome = %v", res.Outcome)
	}
}

func TestCloseoutRosterCompleteness(t *testing.T) {
	svc, store, _ := newTestService(t,
		Student{ID: "s1", Name: "Ana", QRCode: "a"},
		Student{ID: "s2", Name: "Beto", QRCode: "b"},
		Student{ID: "s3", Name: "Carla", QRCode: "c"},
		Student{ID: "s4", Name: "Dario"},
	)
	ctx := context.Background()
	startSession(t, svc, "c1")

	if _, err := svc.IngestScan(ctx, "c1", "b", sessionStart.Add(2*time.Minute)); err != nil {
		t.Fatalf("scan b: %v", err)
	}

	rec, err := svc.Closeout(ctx, "c1")
	if err != nil {
		t.Fatalf("Closeout: %v", err)
	}
	if len(rec.Entries) != 4 {
		t.Fatalf("record has %d entries, want 4", len(rec.Entries))
	}
	wantOrder := []string{"s1", "s2", "s3", "s4"}
	seen := map[string]bool{}
	for i, e := range rec.Entries {
		if e.StudentID != wantOrder[i] {
			t.Errorf("entry %d is %s, want roster order %s", i, e.StudentID, wantOrder[i])
		}
		if seen[e.StudentID] {
			t.Errorf("duplicate entry for %s", e.StudentID)
		}
		seen[e.StudentID] = true
	}
	if rec.Entries[1].Status != StatusPresent {
		t.Errorf("scanned student status = %v, want present", rec.Entries[1].Status)
	}
	for _, i := range []int{0, 2, 3} {
		if rec.Entries[i].Status != StatusAbsent {
			t.Errorf("unscanned student %s status = %v, want absent", rec.Entries[i].StudentID, rec.Entries[i].Status)
		}
		if rec.Entries[i].ScannedAt != nil {
			t.Errorf("back-filled entry %s carries scannedAt", rec.Entries[i].StudentID)
		}
	}

	sess, err := store.Session(ctx, sessIDForCourse(t, store, "c1"))
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.IsActive || sess.EndedAt == nil {
		t.Errorf("session not closed after closeout: active=%v endedAt=%v", sess.IsActive, sess.EndedAt)
	}
}

func TestCloseoutTardyConversion(t *testing.T) {
	svc, store, _ := newTestService(t,
		Student{ID: "s1", Name: "Ana", QRCode: "a", AccumulatedTardies: 2},
	)
	ctx := context.Background()
	startSession(t, svc, "c1")

	// Third tardy arrives in this session.
	res, err := svc.IngestScan(ctx, "c1", "a", sessionStart.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("IngestScan: %v", err)
	}
	if res.Entry.Status != StatusLate {
		t.Fatalf("scan status = %v, want late", res.Entry.Status)
	}

	rec, err := svc.Closeout(ctx, "c1")
	if err != nil {
		t.Fatalf("Closeout: %v", err)
	}
	e := rec.Entries[0]
	if e.Status != StatusAbsent {
		t.Errorf("status = %v, want absent after conversion", e.Status)
	}
	if !strings.Contains(e.Note, TardyConversionNote) {
		t.Errorf("note %q missing conversion marker", e.Note)
	}

	course, _ := store.Course(ctx, "c1")
	if got := course.Students[0].AccumulatedTardies; got != 0 {
		t.Errorf("counter = %d, want hard reset to 0", got)
	}
}

func TestCloseoutConversionAsymmetry(t *testing.T) {
	// Counter already at 3 but this session's status is present: the
	// counter resets with no status rewrite and no note.
	svc, store, _ := newTestService(t,
		Student{ID: "s1", Name: "Ana", QRCode: "a", AccumulatedTardies: 3},
		Student{ID: "s2", Name: "Beto", QRCode: "b", AccumulatedTardies: 2},
	)
	ctx := context.Background()
	startSession(t, svc, "c1")

	if _, err := svc.IngestScan(ctx, "c1", "a", sessionStart.Add(time.Minute)); err != nil {
		t.Fatalf("scan a: %v", err)
	}

	rec, err := svc.Closeout(ctx, "c1")
	if err != nil {
		t.Fatalf("Closeout: %v", err)
	}
	if rec.Entries[0].Status != StatusPresent {
		t.Errorf("s1 status = %v, want present (no rewrite)", rec.Entries[0].Status)
	}
	if rec.Entries[0].Note != "" {
		t.Errorf("s1 note = %q, want empty", rec.Entries[0].Note)
	}
	// s2 was absent this session with the counter at threshold? No: s2
	// is at 2, below threshold, and must keep the partial count.
	course, _ := store.Course(ctx, "c1")
	if got := course.Students[0].AccumulatedTardies; got != 0 {
		t.Errorf("s1 counter = %d, want 0", got)
	}
	if got := course.Students[1].AccumulatedTardies; got != 2 {
		t.Errorf("s2 counter = %d, want 2 (kept below threshold)", got)
	}
}

func TestCloseoutAbsentAtThresholdResetsCounter(t *testing.T) {
	svc, store, _ := newTestService(t,
		Student{ID: "s1", Name: "Ana", QRCode: "a", AccumulatedTardies: 3},
	)
	ctx := context.Background()
	startSession(t, svc, "c1")

	// Never scans: back-filled absent. Status stays absent, no note,
	// counter still resets.
	rec, err := svc.Closeout(ctx, "c1")
	if err != nil {
		t.Fatalf("Closeout: %v", err)
	}
	if rec.Entries[0].Status != StatusAbsent || rec.Entries[0].Note != "" {
		t.Errorf("entry = %+v, want plain absent", rec.Entries[0])
	}
	course, _ := store.Course(ctx, "c1")
	if got := course.Students[0].AccumulatedTardies; got != 0 {
		t.Errorf("counter = %d, want 0", got)
	}
}

func TestSingleActiveSessionPerCourse(t *testing.T) {
	svc, store, _ := newTestService(t, Student{ID: "s1", Name: "Ana", QRCode: "a"})
	ctx := context.Background()

	first := startSession(t, svc, "c1")
	second := startSession(t, svc, "c1")

	got, err := store.Session(ctx, first.ID)
	if err != nil {
		t.Fatalf("Session(first): %v", err)
	}
	if got.IsActive {
		t.Error("first session still active after second create")
	}
	if got.EndedAt == nil {
		t.Error("first session missing endedAt stamp")
	}

	active, err := store.ActiveSession(ctx, "c1")
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("active session = %s, want %s", active.ID, second.ID)
	}
}

func TestRecordOverwrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := Record{ID: "r1", CourseID: "c1", Date: "2026-08-24",
		Entries: []StudentAttendance{{StudentID: "s1", Status: StatusPresent}}}
	second := Record{ID: "r2", CourseID: "c1", Date: "2026-08-24",
		Entries: []StudentAttendance{{StudentID: "s1", Status: StatusExcused}}}

	if err := store.UpsertRecord(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertRecord(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	all, err := store.RecordsByCourse(ctx, "c1")
	if err != nil {
		t.Fatalf("RecordsByCourse: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("store holds %d records for (c1, 2026-08-24), want 1", len(all))
	}
	if all[0].Entries[0].Status != StatusExcused {
		t.Errorf("surviving record status = %v, want second save's contents", all[0].Entries[0].Status)
	}
}

func TestCloseSessionIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	firstClose := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return firstClose }

	sess := Session{ID: "x", CourseID: "c1", Date: "2026-08-24", StartedAt: sessionStart, IsActive: true}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.CloseSession(ctx, "x"); err != nil {
		t.Fatalf("first close: %v", err)
	}
	store.now = func() time.Time { return firstClose.Add(time.Hour) }
	if err := store.CloseSession(ctx, "x"); err != nil {
		t.Fatalf("second close: %v", err)
	}
	got, _ := store.Session(ctx, "x")
	if !got.EndedAt.Equal(firstClose) {
		t.Errorf("endedAt = %v, want first close %v to win", got.EndedAt, firstClose)
	}
}

// Scenario from the original flow: two students, one on time, one late whose
// prior tardies push it over the threshold.
func TestScanSessionScenario(t *testing.T) {
	svc, store, _ := newTestService(t,
		Student{ID: "s1", Name: "Ana", QRCode: "a"},
		Student{ID: "s2", Name: "Beto", QRCode: "b", AccumulatedTardies: 2},
	)
	ctx := context.Background()
	startSession(t, svc, "c1")

	res, err := svc.IngestScan(ctx, "c1", "a", sessionStart.Add(2*time.Minute))
	if err != nil || res.Entry.Status != StatusPresent {
		t.Fatalf("scan a: res=%+v err=%v, want present", res, err)
	}
	course, _ := store.Course(ctx, "c1")
	if course.Students[0].AccumulatedTardies != 0 {
		t.Errorf("on-time scan incremented tardies: %d", course.Students[0].AccumulatedTardies)
	}

	res, err = svc.IngestScan(ctx, "c1", "b", sessionStart.Add(15*time.Minute))
	if err != nil || res.Entry.Status != StatusLate {
		t.Fatalf("scan b: res=%+v err=%v, want late", res, err)
	}
	course, _ = store.Course(ctx, "c1")
	if course.Students[1].AccumulatedTardies != 3 {
		t.Errorf("tardies after late scan = %d, want 3", course.Students[1].AccumulatedTardies)
	}

	rec, err := svc.Closeout(ctx, "c1")
	if err != nil {
		t.Fatalf("Closeout: %v", err)
	}
	if rec.Entries[0].Status != StatusPresent {
		t.Errorf("s1 = %v, want present", rec.Entries[0].Status)
	}
	if rec.Entries[1].Status != StatusAbsent || !strings.Contains(rec.Entries[1].Note, "retardos") {
		t.Errorf("s2 = %+v, want converted absence", rec.Entries[1])
	}
}

func TestStatsRawCounts(t *testing.T) {
	svc, store, _ := newTestService(t,
		Student{ID: "s1", Name: "Ana", QRCode: "a"},
		Student{ID: "s2", Name: "Beto", QRCode: "b"},
	)
	ctx := context.Background()
	for i, day := range []string{"2026-08-24", "2026-08-25"} {
		if err := store.UpsertRecord(ctx, Record{
			ID: "r" + day, CourseID: "c1", Date: day,
			Entries: []StudentAttendance{
				{StudentID: "s1", Status: StatusPresent},
				{StudentID: "s2", Status: []Status{StatusLate, StatusAbsent}[i]},
			},
		}); err != nil {
			t.Fatalf("seed record: %v", err)
		}
	}

	stats, err := svc.Stats(ctx, "c1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Sessions != 2 {
		t.Errorf("sessions = %d, want 2", stats.Sessions)
	}
	if stats.Students[0].Present != 2 {
		t.Errorf("s1 present = %d, want 2", stats.Students[0].Present)
	}
	if stats.Students[1].Late != 1 || stats.Students[1].Absent != 1 {
		t.Errorf("s2 tallies = %+v, want 1 late 1 absent", stats.Students[1])
	}
	if stats.Totals.Present != 2 || stats.Totals.Late != 1 || stats.Totals.Absent != 1 {
		t.Errorf("totals = %+v", stats.Totals)
	}
}

// flakyStore lets tests fail individual writes on demand.
type flakyStore struct {
	*MemoryStore
	failUpsertRecord  bool
	failUpdateSession bool
	failReplaceRoster bool
}

var errStoreDown = errors.New("store write failed")

func (f *flakyStore) UpsertRecord(ctx context.Context, r Record) error {
	if f.failUpsertRecord {
		return errStoreDown
	}
	return f.MemoryStore.UpsertRecord(ctx, r)
}

func (f *flakyStore) UpdateSession(ctx context.Context, s Session) error {
	if f.failUpdateSession {
		return errStoreDown
	}
	return f.MemoryStore.UpdateSession(ctx, s)
}

func (f *flakyStore) ReplaceRoster(ctx context.Context, c Course) error {
	if f.failReplaceRoster {
		return errStoreDown
	}
	return f.MemoryStore.ReplaceRoster(ctx, c)
}

func newFlakyService(t *testing.T, students ...Student) (*Service, *flakyStore) {
	t.Helper()
	mem := NewMemoryStore()
	mem.now = func() time.Time { return sessionStart }
	flaky := &flakyStore{MemoryStore: mem}
	svc := NewService(flaky, flaky, flaky, flaky)
	svc.now = func() time.Time { return sessionStart }
	if _, err := svc.CreateCourse(context.Background(), Course{ID: "c1", Name: "Algebra I", Students: students}); err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	return svc, flaky
}

func TestIngestScanNotCommittedOnStoreFailure(t *testing.T) {
	svc, flaky := newFlakyService(t, Student{ID: "s1", Name: "Ana", QRCode: "a"})
	ctx := context.Background()
	startSession(t, svc, "c1")

	flaky.failUpdateSession = true
	if _, err := svc.IngestScan(ctx, "c1", "a", sessionStart.Add(time.Minute)); !errors.Is(err, errStoreDown) {
		t.Fatalf("scan err = %v, want store failure surfaced", err)
	}

	sess, err := svc.ActiveSession(ctx, "c1")
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if len(sess.ScannedStudents) != 0 {
		t.Fatalf("failed scan marked student scanned: %v", sess.ScannedStudents)
	}

	// The next frame of the same code is a clean retry, not a duplicate.
	flaky.failUpdateSession = false
	res, err := svc.IngestScan(ctx, "c1", "a", sessionStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("retry scan: %v", err)
	}
	if res.Outcome != ScanAccepted {
		t.Errorf("retry outcome = %v, want accepted", res.Outcome)
	}
}

func TestCloseoutFailureKeepsSessionActive(t *testing.T) {
	svc, flaky := newFlakyService(t, Student{ID: "s1", Name: "Ana", QRCode: "a"})
	ctx := context.Background()
	startSession(t, svc, "c1")
	if _, err := svc.IngestScan(ctx, "c1", "a", sessionStart.Add(time.Minute)); err != nil {
		t.Fatalf("scan: %v", err)
	}

	flaky.failUpsertRecord = true
	if _, err := svc.Closeout(ctx, "c1"); !errors.Is(err, errStoreDown) {
		t.Fatalf("closeout err = %v, want record-store failure surfaced", err)
	}
	if _, err := svc.ActiveSession(ctx, "c1"); err != nil {
		t.Fatalf("session closed despite record save failure: %v", err)
	}

	flaky.failUpsertRecord = false
	flaky.failReplaceRoster = true
	if _, err := svc.Closeout(ctx, "c1"); !errors.Is(err, errStoreDown) {
		t.Fatalf("closeout err = %v, want roster failure surfaced", err)
	}
	if _, err := svc.ActiveSession(ctx, "c1"); err != nil {
		t.Fatalf("session closed despite roster save failure: %v", err)
	}

	// Retry after the store recovers finishes the closeout.
	flaky.failReplaceRoster = false
	rec, err := svc.Closeout(ctx, "c1")
	if err != nil {
		t.Fatalf("retry closeout: %v", err)
	}
	if len(rec.Entries) != 1 || rec.Entries[0].Status != StatusPresent {
		t.Errorf("record = %+v, want single present entry", rec.Entries)
	}
	if _, err := svc.ActiveSession(ctx, "c1"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("session still active after successful closeout: %v", err)
	}
}

func TestSaveManualRecord(t *testing.T) {
	svc, store, _ := newTestService(t,
		Student{ID: "s1", Name: "Ana"},
		Student{ID: "s2", Name: "Beto"},
	)
	ctx := context.Background()

	rec, err := svc.SaveManualRecord(ctx, "c1", "2026-08-24", []StudentAttendance{
		{StudentID: "s1", Status: StatusPresent},
		{StudentID: "s2", Status: StatusExcused, Note: "cita médica"},
	})
	if err != nil {
		t.Fatalf("SaveManualRecord: %v", err)
	}
	if len(rec.Entries) != 2 || rec.Entries[1].Status != StatusExcused {
		t.Fatalf("record = %+v", rec.Entries)
	}

	// Overwrite for the same date keeps a single record under the same id.
	again, err := svc.SaveManualRecord(ctx, "c1", "2026-08-24", []StudentAttendance{
		{StudentID: "s1", Status: StatusAbsent},
	})
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if again.ID != rec.ID {
		t.Errorf("overwrite changed record id: %s -> %s", rec.ID, again.ID)
	}
	all, _ := store.RecordsByCourse(ctx, "c1")
	if len(all) != 1 || all[0].Entries[0].Status != StatusAbsent {
		t.Errorf("stored records = %+v, want single overwritten record", all)
	}

	bad := []struct {
		name    string
		date    string
		entries []StudentAttendance
	}{
		{"unknown status", "2026-08-24", []StudentAttendance{{StudentID: "s1", Status: "tardy"}}},
		{"off-roster student", "2026-08-24", []StudentAttendance{{StudentID: "ghost", Status: StatusPresent}}},
		{"duplicate student", "2026-08-24", []StudentAttendance{
			{StudentID: "s1", Status: StatusPresent}, {StudentID: "s1", Status: StatusLate}}},
		{"bad date", "24/08/2026", []StudentAttendance{{StudentID: "s1", Status: StatusPresent}}},
	}
	for _, tt := range bad {
		if _, err := svc.SaveManualRecord(ctx, "c1", tt.date, tt.entries); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func sessIDForCourse(t *testing.T, store *MemoryStore, courseID string) string {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	for id, s := range store.sessions {
		if s.CourseID == courseID {
			return id
		}
	}
	t.Fatalf("no session for course %s", courseID)
	return ""
}
