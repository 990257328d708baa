// Package roster covers roster provisioning: planning merges against an
// external classroom roster and assigning QR tokens to students.
package roster

import (
	"strings"

	"github.com/google/uuid"

	"classtrack/internal/attendance"
)

// ExternalStudent is a loosely-shaped student row from the external
// classroom API.
type ExternalStudent struct {
	ClassroomID string `json:"classroom_id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// MergeAction tags one planned change.
type MergeAction string

const (
	MergeAdd       MergeAction = "add"
	MergeUpdate    MergeAction = "update"
	MergeUnchanged MergeAction = "unchanged"
)

// MergeItem pairs an action with the student it applies to. For updates and
// unchanged rows, Student carries the merged result (local identity, QR code
// and tardy counter preserved; name and email refreshed from the external
// row).
type MergeItem struct {
	Action  MergeAction        `json:"action"`
	Student attendance.Student `json:"student"`
}

// MergePlan is the full outcome of planning one sync. Apply order is the
// local roster order followed by additions in external order, so repeated
// syncs stay stable.
type MergePlan struct {
	Items []MergeItem `json:"items"`
}

// Counts returns how many additions, updates and unchanged rows the plan
// holds.
func (p MergePlan) Counts() (added, updated, unchanged int) {
	for _, it := range p.Items {
		switch it.Action {
		case MergeAdd:
			added++
		case MergeUpdate:
			updated++
		default:
			unchanged++
		}
	}
	return
}

// Students flattens the plan into the roster it produces.
func (p MergePlan) Students() []attendance.Student {
	out := make([]attendance.Student, 0, len(p.Items))
	for _, it := range p.Items {
		out = append(out, it.Student)
	}
	return out
}

// PlanMerge matches external rows against the local roster: classroom id
// first, then case-insensitive email, else the row is an addition. Pure
// function; local students with no external counterpart are kept unchanged,
// never dropped.
func PlanMerge(local []attendance.Student, external []ExternalStudent) MergePlan {
	byClassroomID := make(map[string]int, len(external))
	byEmail := make(map[string]int, len(external))
	for i, ext := range external {
		if ext.ClassroomID != "" {
			byClassroomID[ext.ClassroomID] = i
		}
		if ext.Email != "" {
			byEmail[strings.ToLower(ext.Email)] = i
		}
	}

	plan := MergePlan{}
	claimed := make(map[int]bool, len(external))
	for _, st := range local {
		idx, ok := -1, false
		if st.ClassroomID != "" {
			idx, ok = lookup(byClassroomID, st.ClassroomID)
		}
		if !ok && st.Email != "" {
			idx, ok = lookup(byEmail, strings.ToLower(st.Email))
		}
		if !ok || claimed[idx] {
			plan.Items = append(plan.Items, MergeItem{Action: MergeUnchanged, Student: st})
			continue
		}
		claimed[idx] = true
		merged, changed := mergeInto(st, external[idx])
		action := MergeUnchanged
		if changed {
			action = MergeUpdate
		}
		plan.Items = append(plan.Items, MergeItem{Action: action, Student: merged})
	}

	for i, ext := range external {
		if claimed[i] {
			continue
		}
		plan.Items = append(plan.Items, MergeItem{
			Action: MergeAdd,
			Student: attendance.Student{
				ID:          uuid.NewString(),
				ClassroomID: ext.ClassroomID,
				Name:        ext.Name,
				Email:       ext.Email,
			},
		})
	}
	return plan
}

func lookup(m map[string]int, key string) (int, bool) {
	idx, ok := m[key]
	return idx, ok
}

// mergeInto refreshes external-owned fields, keeping local identity, QR
// token and the tardy counter.
func mergeInto(local attendance.Student, ext ExternalStudent) (attendance.Student, bool) {
	merged := local
	changed := false
	if ext.Name != "" && ext.Name != local.Name {
		merged.Name = ext.Name
		changed = true
	}
	if ext.Email != "" && !strings.EqualFold(ext.Email, local.Email) {
		merged.Email = ext.Email
		changed = true
	}
	if ext.ClassroomID != "" && ext.ClassroomID != local.ClassroomID {
		merged.ClassroomID = ext.ClassroomID
		changed = true
	}
	return merged, changed
}
