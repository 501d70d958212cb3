package recon

import "time"

// DeriveEventStatus is the only place the replay status of an event is
// computed. It is a pure function of the stored replay fields.
func DeriveEventStatus(replayRequested bool, attempts int, replayedAt *time.Time, lastError string) EventStatus {
	switch {
	case replayedAt != nil:
		return EventStatusSucceeded
	case lastError != "":
		return EventStatusFailed
	case !replayRequested:
		return EventStatusPending
	case attempts == 0:
		return EventStatusQueued
	default:
		return EventStatusInProgress
	}
}

// ParseEventStatus validates a status string.
func ParseEventStatus(s string) (EventStatus, error) {
	switch st := EventStatus(s); st {
	case EventStatusPending, EventStatusQueued, EventStatusInProgress, EventStatusSucceeded, EventStatusFailed:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// CanTransition reports whether a discrepancy may move from s to next.
// Resolved is terminal.
//
//	open         -> acknowledged, resolved, open
//	acknowledged -> resolved, open
func (s DiscrepancyStatus) CanTransition(next DiscrepancyStatus) bool {
	switch s {
	case DiscrepancyOpen:
		return next == DiscrepancyAcknowledged || next == DiscrepancyResolved || next == DiscrepancyOpen
	case DiscrepancyAcknowledged:
		return next == DiscrepancyResolved || next == DiscrepancyOpen
	}
	return false
}

// ParseDiscrepancyStatus validates a status string.
func ParseDiscrepancyStatus(s string) (DiscrepancyStatus, error) {
	switch st := DiscrepancyStatus(s); st {
	case DiscrepancyOpen, DiscrepancyAcknowledged, DiscrepancyResolved:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// ParseStagingStatus validates a status string.
func ParseStagingStatus(s string) (StagingStatus, error) {
	switch st := StagingStatus(s); st {
	case StagingPending, StagingRequeued, StagingResolved:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// ParseRunStatus validates a status string.
func ParseRunStatus(s string) (RunStatus, error) {
	switch st := RunStatus(s); st {
	case RunRunning, RunCompleted, RunFailed:
		return st, nil
	}
	return "", ErrInvalidStatus
}
