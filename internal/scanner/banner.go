package scanner

import (
	"sync"
	"time"

	"classtrack/internal/attendance"
)

// DefaultBannerTTL matches the scanner UI's 10-second auto-advance.
const DefaultBannerTTL = 10 * time.Second

// Banner holds the most recent scan-success feedback and auto-dismisses it
// after a TTL. Showing a new result supersedes the pending timer, so a
// stale timer can never clear a newer banner.
type Banner struct {
	ttl time.Duration

	mu      sync.Mutex
	gen     int
	timer   *time.Timer
	current *attendance.ScanResult
}

// NewBanner creates a banner with the given auto-dismiss TTL.
func NewBanner(ttl time.Duration) *Banner {
	if ttl <= 0 {
		ttl = DefaultBannerTTL
	}
	return &Banner{ttl: ttl}
}

// Show displays a result and schedules its auto-dismiss, cancelling any
// pending one.
func (b *Banner) Show(res attendance.ScanResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.current = &res
	b.timer = time.AfterFunc(b.ttl, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// A newer Show or Dismiss moved the generation on; this
		// timer is stale and must not touch the current banner.
		if b.gen != gen {
			return
		}
		b.current = nil
		b.timer = nil
	})
}

// Dismiss clears the banner immediately, as when the teacher taps continue.
func (b *Banner) Dismiss() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	b.current = nil
}

// Current returns the displayed result, or nil when nothing is showing.
func (b *Banner) Current() *attendance.ScanResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil
	}
	cp := *b.current
	return &cp
}
