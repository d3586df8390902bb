package models

import "time"

// Stop reasons recorded when a session transitions to inactive. Recovery
// tooling and operators match on these exact strings, so they must stay
// stable across releases.
const (
	StopReasonAdmin         = "Stopped by admin"
	StopReasonScheduler     = "Stopped by scheduler"
	StopReasonVideoMissing  = "Video file not found during recovery"
	StopReasonRecoveryError = "Recovery failed"
)

// SessionCore holds the fields shared by every streaming session record
// regardless of lifecycle state. All timestamps are stamped by the lifecycle
// and recovery engines, never by callers.
type SessionCore struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	VideoFile     string     `json:"videoFile"`
	Platform      Platform   `json:"platform"`
	StreamKey     string     `json:"streamKey"`
	StartedAt     time.Time  `json:"startedAt"`
	RecoveredAt   *time.Time `json:"recoveredAt,omitempty"`
	RecoveryCount int        `json:"recoveryCount,omitempty"`
}

// ActiveSession is a session whose supervised unit is expected to be running.
// Which bucket a record lives in is the source of truth for its status; the
// type system keeps the inactive-only fields off active records entirely.
type ActiveSession struct {
	SessionCore
}

// InactiveSession is a finished session retained as history. StoppedAt and
// StopReason exist only on this variant.
type InactiveSession struct {
	SessionCore
	StoppedAt  time.Time `json:"stoppedAt"`
	StopReason string    `json:"stopReason"`
}

// Deactivate produces the inactive record for this session, stamping the
// stop time and classification.
func (s ActiveSession) Deactivate(when time.Time, reason string) InactiveSession {
	return InactiveSession{
		SessionCore: s.SessionCore,
		StoppedAt:   when,
		StopReason:  reason,
	}
}

// ScheduleStatus tracks the lifecycle of a deferred start instruction.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusFired     ScheduleStatus = "fired"
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
)

// ScheduleRecord is a deferred instruction to start (and optionally stop) a
// session at a future wall-clock time. It carries everything needed to build
// the session when the timer fires; the session id itself is derived from
// SessionName at fire time.
type ScheduleRecord struct {
	JobID           string         `json:"jobId"`
	SessionName     string         `json:"sessionName"`
	Owner           string         `json:"owner"`
	Platform        Platform       `json:"platform"`
	StreamKey       string         `json:"streamKey"`
	VideoFile       string         `json:"videoFile"`
	StartTime       time.Time      `json:"startTime"`
	DurationMinutes int            `json:"durationMinutes"`
	Status          ScheduleStatus `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// StopTime returns the scheduled stop instant, or false when the schedule is
// unbounded.
func (r ScheduleRecord) StopTime() (time.Time, bool) {
	if r.DurationMinutes <= 0 {
		return time.Time{}, false
	}
	return r.StartTime.Add(time.Duration(r.DurationMinutes) * time.Minute), true
}
