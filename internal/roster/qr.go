package roster

import (
	"strings"

	"github.com/google/uuid"

	"classtrack/internal/attendance"
)

// qrPrefix namespaces generated tokens so stray UUIDs from other systems
// never resolve as student codes.
const qrPrefix = "classtrack:student:"

// AssignQRCodes gives every student without a token a fresh opaque one and
// returns how many were assigned. Tokens are uuid-derived, so collisions
// are a provisioning bug and surface as unique-constraint errors at the
// store.
func AssignQRCodes(c *attendance.Course) int {
	assigned := 0
	for i := range c.Students {
		if c.Students[i].QRCode != "" {
			continue
		}
		c.Students[i].QRCode = qrPrefix + uuid.NewString()
		assigned++
	}
	return assigned
}

// IsGeneratedQR reports whether a payload carries this system's token
// namespace. Scanning still matches on the exact full token; this is only
// a diagnostic helper for logging unrecognized scans.
func IsGeneratedQR(payload string) bool {
	return strings.HasPrefix(payload, qrPrefix)
}
