// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"classtrack/internal/attendance"
)

var (
	// ScansTotal counts processed scan payloads by outcome
	// (accepted, duplicate, unrecognized, error).
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_scans_total",
		Help: "Decoded QR payloads processed, by outcome.",
	}, []string{"outcome"})

	// LateScansTotal counts accepted scans classified as late.
	LateScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_late_scans_total",
		Help: "Accepted scans classified as late.",
	})

	// SessionsStartedTotal counts opened scanning windows.
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_sessions_started_total",
		Help: "Scanning sessions opened.",
	})

	// SessionsClosedTotal counts finalized sessions.
	SessionsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_sessions_closed_total",
		Help: "Scanning sessions finalized into a record.",
	})
)

// ObserveScan records one ingest result.
func ObserveScan(res attendance.ScanResult, err error) {
	if err != nil {
		ScansTotal.WithLabelValues("error").Inc()
		return
	}
	ScansTotal.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome == attendance.ScanAccepted && res.Entry != nil && res.Entry.Status == attendance.StatusLate {
		LateScansTotal.Inc()
	}
}
