package api

import (
	"time"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

// ListResponse wraps every list endpoint
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	// Run is set when a sweep failed after opening its run
	Run *recon.Run `json:"run,omitempty"`
}

// SweepRequest triggers an on-demand reconciliation sweep
type SweepRequest struct {
	Since        *time.Time `json:"since"`
	Until        *time.Time `json:"until"`
	Limit        int        `json:"limit" validate:"gte=0,lte=100"`
	SkipDisputes bool       `json:"skip_disputes"`
}

// NoteRequest carries an optional operator note
type NoteRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

// TriageRequest sets the status of a staging entry
type TriageRequest struct {
	Status string `json:"status" validate:"required,oneof=pending requeued resolved"`
	Note   string `json:"note" validate:"max=2000"`
}

// ReplayRequest triggers a replay; Force bypasses the attempt ceiling
type ReplayRequest struct {
	Force bool `json:"force"`
}

// EventView is a ledger event with its derived status
type EventView struct {
	*recon.ProcessorEvent
	Status recon.EventStatus `json:"status"`
}

func newEventView(e *recon.ProcessorEvent) EventView {
	return EventView{ProcessorEvent: e, Status: e.Status()}
}

// ReplayStatus is one frame of the replay status stream
type ReplayStatus struct {
	EventID         string            `json:"event_id"`
	Status          recon.EventStatus `json:"status"`
	ReplayAttempts  int               `json:"replay_attempts"`
	MaxAttempts     int               `json:"max_attempts"`
	LastReplayError string            `json:"last_replay_error,omitempty"`
	ReplayedAt      *time.Time        `json:"replayed_at,omitempty"`
	NextReplayAt    *time.Time        `json:"next_replay_at,omitempty"`
}
