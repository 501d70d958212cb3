package recon

import (
	"errors"
	"fmt"
)

var (
	// ErrEventNotFound is returned when a ledger event does not exist
	ErrEventNotFound = errors.New("processor event not found")

	// ErrDuplicateEvent is returned by storage when (provider, external_id) already exists
	ErrDuplicateEvent = errors.New("processor event already recorded")

	// ErrReplayLimitExceeded is returned when an event reached the replay attempt ceiling
	ErrReplayLimitExceeded = errors.New("replay limit exceeded")

	// ErrStatementNotFound is returned when a statement does not exist
	ErrStatementNotFound = errors.New("processor statement not found")

	// ErrDuplicateStatement is returned by storage when a transaction id is already persisted
	ErrDuplicateStatement = errors.New("processor statement already persisted")

	// ErrStagingNotFound is returned when a staging entry does not exist
	ErrStagingNotFound = errors.New("staging entry not found")

	// ErrRunNotFound is returned when a reconciliation run does not exist
	ErrRunNotFound = errors.New("reconciliation run not found")

	// ErrRunInProgress is returned by storage when another run is already running
	ErrRunInProgress = errors.New("reconciliation run already in progress")

	// ErrDiscrepancyNotFound is returned when a discrepancy does not exist
	ErrDiscrepancyNotFound = errors.New("discrepancy not found")

	// ErrDuplicateDiscrepancy is returned by storage for an existing (transaction_id, type)
	ErrDuplicateDiscrepancy = errors.New("discrepancy already recorded")

	// ErrEventInFlight is returned when a first ingestion still holds the event's claim
	ErrEventInFlight = errors.New("processor event is still being ingested")

	// ErrInvalidTransition is returned for a lifecycle change the state machine does not allow
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidStatus is returned for an unknown status value
	ErrInvalidStatus = errors.New("invalid status")

	// ErrFeedUnavailable is returned when the processor feed cannot be reached
	ErrFeedUnavailable = errors.New("processor feed unavailable")

	// ErrFeedNotFound is returned by a feed client when an object does not exist upstream
	ErrFeedNotFound = errors.New("object not found in processor feed")

	// ErrInvalidDelivery is returned for a delivery missing its idempotency key
	ErrInvalidDelivery = errors.New("invalid delivery")

	// ErrLeaseHeld is returned when a tick lease is owned by another worker
	ErrLeaseHeld = errors.New("lease held by another worker")
)

// Reasons recorded in last_replay_error when a side effect cannot find its target.
const (
	ReasonInvoiceNotFound = "invoice_not_found"
	ReasonSessionNotFound = "session_not_found"
)

// ReplayLimitError carries the details of a replay refused by the attempt ceiling.
type ReplayLimitError struct {
	EventID  string
	Attempts int
	Limit    int
}

func (e *ReplayLimitError) Error() string {
	return fmt.Sprintf("event %s: %d of %d replay attempts used: %v",
		e.EventID, e.Attempts, e.Limit, ErrReplayLimitExceeded)
}

// Is makes errors.Is(err, ErrReplayLimitExceeded) match.
func (e *ReplayLimitError) Is(target error) bool {
	return target == ErrReplayLimitExceeded
}
