package attendance

import "time"

// DefaultTardyThresholdMinutes applies when settings carry no threshold.
// Defaulting happens at session creation, never inside Classify.
const DefaultTardyThresholdMinutes = 10

// Classify decides on-time versus late for a single scan. Elapsed whole
// minutes are computed with truncating division, so a scan at exactly
// thresholdMinutes elapsed is still present; only strictly more is late.
// Absent and excused are never produced here.
func Classify(scanAt, startedAt time.Time, thresholdMinutes int) Status {
	elapsed := int(scanAt.Sub(startedAt).Minutes())
	if elapsed > thresholdMinutes {
		return StatusLate
	}
	return StatusPresent
}
