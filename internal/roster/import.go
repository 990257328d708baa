package roster

import "classtrack/internal/attendance"

// ExternalCourse is a course row from the external classroom API.
type ExternalCourse struct {
	ClassroomID string `json:"classroom_id"`
	Name        string `json:"name"`
	Section     string `json:"section,omitempty"`
	Description string `json:"description,omitempty"`
}

// ImportCourse builds a local course from an external course and its roster.
// Every external student becomes a fresh local student; QR tokens are not
// assigned here, that is a separate provisioning step.
func ImportCourse(ext ExternalCourse, students []ExternalStudent) attendance.Course {
	plan := PlanMerge(nil, students)
	return attendance.Course{
		ClassroomID: ext.ClassroomID,
		Name:        ext.Name,
		Section:     ext.Section,
		Description: ext.Description,
		Students:    plan.Students(),
		Schedules:   []attendance.Schedule{},
	}
}
