package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

const (
	maxRequestBody = 64 * 1024
	maxIDLen       = 255
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var errBadRequest = errors.New("bad request")

// Handler provides the operator HTTP endpoints for runs, discrepancies,
// staging and ledger events.
type Handler struct {
	config Config
}

// Routes mounts every endpoint on a chi router:
//
//	GET  /runs                          ?status=&limit=
//	GET  /runs/{id}
//	POST /sweeps
//	GET  /discrepancies                 ?status=&type=&run_id=&limit=
//	POST /discrepancies/{id}/acknowledge
//	POST /discrepancies/{id}/resolve
//	POST /discrepancies/{id}/reopen
//	GET  /staging                       ?status=&reason=&limit=
//	POST /staging/{id}/triage
//	POST /staging/{id}/requeue
//	GET  /events                        ?provider=&invoice_id=&status=&limit=
//	GET  /events/{id}
//	GET  /events/{id}/attempts
//	POST /events/{id}/replay            ?async=true queues instead of executing
//	GET  /events/{id}/stream            server-sent replay status
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requireOperator)

	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{id}", h.GetRun)
	r.Post("/sweeps", h.TriggerSweep)

	r.Get("/discrepancies", h.ListDiscrepancies)
	r.Post("/discrepancies/{id}/acknowledge", h.AcknowledgeDiscrepancy)
	r.Post("/discrepancies/{id}/resolve", h.ResolveDiscrepancy)
	r.Post("/discrepancies/{id}/reopen", h.ReopenDiscrepancy)

	r.Get("/staging", h.ListStaging)
	r.Post("/staging/{id}/triage", h.TriageStaging)
	r.Post("/staging/{id}/requeue", h.RequeueStaging)

	r.Get("/events", h.ListEvents)
	r.Get("/events/{id}", h.GetEvent)
	r.Get("/events/{id}/attempts", h.ListAttempts)
	r.Post("/events/{id}/replay", h.ReplayEvent)
	r.Get("/events/{id}/stream", h.StreamReplayStatus)
	return r
}

func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.GetOperator != nil && h.config.GetOperator(r) == "" {
			h.handleError(w, r, fmt.Errorf("operator not identified"), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListRuns returns reconciliation runs, newest first
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := recon.RunFilter{Limit: queryLimit(r)}
	if s := q.Get("status"); s != "" {
		status, err := recon.ParseRunStatus(s)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("%w: run status %q", err, s), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}

	runs, err := h.config.Coordinator.Runs(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(runs))
}

// GetRun returns one run
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	run, err := h.config.Coordinator.Run(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// TriggerSweep runs a reconciliation sweep and returns its run. A sweep
// already in flight is joined rather than duplicated.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var body SweepRequest
	if !h.decode(w, r, &body) {
		return
	}
	req := recon.SweepRequest{Limit: body.Limit, SkipDisputes: body.SkipDisputes}
	if body.Since != nil {
		req.Since = body.Since.UTC()
	}
	if body.Until != nil {
		req.Until = body.Until.UTC()
	}
	if !req.Since.IsZero() && !req.Until.IsZero() && !req.Since.Before(req.Until) {
		h.handleError(w, r, fmt.Errorf("%w: since must be before until", errBadRequest), http.StatusBadRequest)
		return
	}

	h.config.Logger.Info("operator triggered sweep", recon.F("operator", h.operator(r)))
	run, err := h.config.Coordinator.Sweep(r.Context(), req)
	if err != nil {
		if run != nil {
			code := http.StatusBadGateway
			if statusFor(err) == http.StatusServiceUnavailable {
				code = http.StatusServiceUnavailable
			}
			h.config.Logger.Error("sweep failed", recon.F("run_id", run.ID), recon.F("error", err))
			writeJSON(w, code, ErrorResponse{Error: err.Error(), Run: run})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListDiscrepancies returns discrepancies filtered by status, type and run
func (h *Handler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := recon.DiscrepancyFilter{
		Type:  recon.DiscrepancyType(q.Get("type")),
		RunID: q.Get("run_id"),
		Limit: queryLimit(r),
	}
	if s := q.Get("status"); s != "" {
		status, err := recon.ParseDiscrepancyStatus(s)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("%w: discrepancy status %q", err, s), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}

	items, err := h.config.Discrepancies.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(items))
}

// AcknowledgeDiscrepancy moves an open discrepancy to acknowledged
func (h *Handler) AcknowledgeDiscrepancy(w http.ResponseWriter, r *http.Request) {
	h.transitionDiscrepancy(w, r, func(ctx context.Context, id, note string) (*recon.Discrepancy, error) {
		return h.config.Discrepancies.Acknowledge(ctx, id, note)
	})
}

// ResolveDiscrepancy resolves a discrepancy with a resolution note
func (h *Handler) ResolveDiscrepancy(w http.ResponseWriter, r *http.Request) {
	h.transitionDiscrepancy(w, r, h.config.Discrepancies.Resolve)
}

// ReopenDiscrepancy reopens a discrepancy and clears its resolution
func (h *Handler) ReopenDiscrepancy(w http.ResponseWriter, r *http.Request) {
	h.transitionDiscrepancy(w, r, func(ctx context.Context, id, _ string) (*recon.Discrepancy, error) {
		return h.config.Discrepancies.Reopen(ctx, id)
	})
}

func (h *Handler) transitionDiscrepancy(
	w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id, note string) (*recon.Discrepancy, error),
) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var body NoteRequest
	if !h.decode(w, r, &body) {
		return
	}
	d, err := fn(r.Context(), id, body.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.config.Logger.Info("discrepancy updated",
		recon.F("discrepancy_id", d.ID),
		recon.F("status", d.Status),
		recon.F("operator", h.operator(r)))
	writeJSON(w, http.StatusOK, d)
}

// ListStaging returns staging entries filtered by status and reason
func (h *Handler) ListStaging(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := recon.StagingFilter{
		Reason: recon.StagingReason(q.Get("reason")),
		Limit:  queryLimit(r),
	}
	if s := q.Get("status"); s != "" {
		status, err := recon.ParseStagingStatus(s)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("%w: staging status %q", err, s), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}

	items, err := h.config.Staging.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(items))
}

// TriageStaging sets the status of a staging entry
func (h *Handler) TriageStaging(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var body TriageRequest
	if !h.decode(w, r, &body) {
		return
	}
	entry, err := h.config.Staging.Triage(r.Context(), id, recon.StagingStatus(body.Status), body.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.config.Logger.Info("staging triaged",
		recon.F("staging_id", entry.ID),
		recon.F("status", entry.Status),
		recon.F("operator", h.operator(r)))
	writeJSON(w, http.StatusOK, entry)
}

// RequeueStaging sends a staging entry back to the synchronizer
func (h *Handler) RequeueStaging(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var body NoteRequest
	if !h.decode(w, r, &body) {
		return
	}
	entry, err := h.config.Staging.Requeue(r.Context(), id, body.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.config.Logger.Info("staging requeued",
		recon.F("staging_id", entry.ID),
		recon.F("requeue_count", entry.RequeueCount),
		recon.F("operator", h.operator(r)))
	writeJSON(w, http.StatusOK, entry)
}

// ListEvents returns ledger events filtered by provider, invoice and derived status
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := recon.EventFilter{
		Provider:  q.Get("provider"),
		InvoiceID: q.Get("invoice_id"),
		Limit:     queryLimit(r),
	}
	if s := q.Get("status"); s != "" {
		status, err := recon.ParseEventStatus(s)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("%w: event status %q", err, s), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}

	events, err := h.config.Ledger.Events(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]EventView, 0, len(events))
	for _, e := range events {
		views = append(views, newEventView(e))
	}
	writeJSON(w, http.StatusOK, newList(views))
}

// GetEvent returns one ledger event with its derived status
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	event, err := h.config.Ledger.Event(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEventView(event))
}

// ListAttempts returns the replay attempts of an event, oldest first
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.config.Ledger.Event(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	attempts, err := h.config.Ledger.Attempts(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(attempts))
}

// ReplayEvent executes a replay now, or queues it for the worker when
// async=true. force bypasses the attempt ceiling.
func (h *Handler) ReplayEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var body ReplayRequest
	if !h.decode(w, r, &body) {
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		event, err := h.config.Ledger.RequestReplay(r.Context(), id)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, newEventView(event))
		return
	}

	h.config.Logger.Info("operator replay",
		recon.F("event_id", id),
		recon.F("force", body.Force),
		recon.F("operator", h.operator(r)))
	outcome, err := h.config.Replayer.Replay(r.Context(), id, body.Force)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// StreamReplayStatus streams the derived replay status of an event as
// server-sent events. A frame is sent whenever the status changes; the stream
// ends once the event succeeded, the client leaves or StreamTimeout passes.
func (h *Handler) StreamReplayStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	event, err := h.config.Ledger.Event(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.handleError(w, r, fmt.Errorf("streaming unsupported"), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithTimeout(r.Context(), h.config.StreamTimeout)
	defer cancel()
	ticker := time.NewTicker(h.config.StreamInterval)
	defer ticker.Stop()

	var (
		seq  int
		last string
	)
	for {
		status := h.replayStatus(event)
		if key := statusKey(status); key != last {
			last = key
			seq++
			if err := sse.Encode(w, sse.Event{Event: "status", Id: strconv.Itoa(seq), Data: status}); err != nil {
				return
			}
			flusher.Flush()
		}
		if status.Status == recon.EventStatusSucceeded {
			//nolint:errcheck // client may already be gone
			_ = sse.Encode(w, sse.Event{Event: "done", Data: status})
			flusher.Flush()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		event, err = h.config.Ledger.Event(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				//nolint:errcheck // best effort
				_ = sse.Encode(w, sse.Event{Event: "error", Data: ErrorResponse{Error: err.Error()}})
				flusher.Flush()
			}
			return
		}
	}
}

func (h *Handler) replayStatus(e *recon.ProcessorEvent) ReplayStatus {
	return ReplayStatus{
		EventID:         e.ID,
		Status:          e.Status(),
		ReplayAttempts:  e.ReplayAttempts,
		MaxAttempts:     h.config.Replayer.MaxAttempts(),
		LastReplayError: e.LastReplayError,
		ReplayedAt:      e.ReplayedAt,
		NextReplayAt:    e.NextReplayAt,
	}
}

func statusKey(s ReplayStatus) string {
	return fmt.Sprintf("%s|%d|%s|%v", s.Status, s.ReplayAttempts, s.LastReplayError, s.ReplayedAt != nil)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("%w: invalid id", errBadRequest), http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// decode reads an optional JSON body into v and validates it. An empty body
// leaves v at its zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.handleError(w, r, fmt.Errorf("%w: %v", errBadRequest, err), http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: %v", errBadRequest, err), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) operator(r *http.Request) string {
	if h.config.GetOperator == nil {
		return ""
	}
	return h.config.GetOperator(r)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.config.Logger.Error("operator request failed", recon.F("path", r.URL.Path), recon.F("error", err))
	}
	h.handleError(w, r, err, code)
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, recon.ErrEventNotFound), errors.Is(err, recon.ErrRunNotFound),
		errors.Is(err, recon.ErrStagingNotFound), errors.Is(err, recon.ErrDiscrepancyNotFound):
		return http.StatusNotFound
	case errors.Is(err, recon.ErrInvalidTransition), errors.Is(err, recon.ErrReplayLimitExceeded),
		errors.Is(err, recon.ErrRunInProgress), errors.Is(err, recon.ErrEventInFlight):
		return http.StatusConflict
	case errors.Is(err, recon.ErrInvalidStatus), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, recon.ErrFeedUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleError handles errors using custom handler or default behavior
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	msg := err.Error()
	if statusCode >= http.StatusInternalServerError {
		msg = http.StatusText(statusCode)
	}
	writeJSON(w, statusCode, ErrorResponse{Error: msg})
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return min(limit, 500)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	//nolint:errcheck // response already started
	_ = json.NewEncoder(w).Encode(v)
}
