package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

const eventColumns = `id, provider, external_id, event_type, correlation_id, workspace_id, invoice_id,
	session_hint, payload_hash, payload, received_at, replay_requested, replay_requested_at,
	replay_attempts, replayed_at, last_replay_error, next_replay_at`

func scanEvent(row pgx.Row) (*recon.ProcessorEvent, error) {
	var e recon.ProcessorEvent
	var payload []byte
	err := row.Scan(
		&e.ID, &e.Provider, &e.ExternalID, &e.EventType, &e.CorrelationID, &e.WorkspaceID, &e.InvoiceID,
		&e.SessionHint, &e.PayloadHash, &payload, &e.ReceivedAt, &e.ReplayRequested, &e.ReplayRequestedAt,
		&e.ReplayAttempts, &e.ReplayedAt, &e.LastReplayError, &e.NextReplayAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*recon.ProcessorEvent, error) {
	defer rows.Close()
	var out []*recon.ProcessorEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertEvent implements recon.Storage
func (s *Storage) InsertEvent(ctx context.Context, e *recon.ProcessorEvent) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("invalid event")
	}
	return s.insert(ctx,
		`INSERT INTO processor_events (`+eventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.Provider, e.ExternalID, e.EventType, e.CorrelationID, e.WorkspaceID, e.InvoiceID,
		e.SessionHint, e.PayloadHash, nullJSON(e.Payload), e.ReceivedAt, e.ReplayRequested, e.ReplayRequestedAt,
		e.ReplayAttempts, e.ReplayedAt, e.LastReplayError, e.NextReplayAt,
	)
}

// GetEvent implements recon.Storage
func (s *Storage) GetEvent(ctx context.Context, id string) (*recon.ProcessorEvent, error) {
	e, err := scanEvent(s.q.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM processor_events WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, recon.ErrEventNotFound, "get event")
	}
	return e, nil
}

// GetEventByExternalID implements recon.Storage
func (s *Storage) GetEventByExternalID(ctx context.Context, provider, externalID string) (*recon.ProcessorEvent, error) {
	e, err := scanEvent(s.q.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM processor_events WHERE provider = $1 AND external_id = $2`,
		provider, externalID))
	if err != nil {
		return nil, notFound(err, recon.ErrEventNotFound, "get event")
	}
	return e, nil
}

// UpdateEvent implements recon.Storage. Identity columns and replay_attempts
// are left untouched.
func (s *Storage) UpdateEvent(ctx context.Context, e *recon.ProcessorEvent) error {
	return s.update(ctx, recon.ErrEventNotFound,
		`UPDATE processor_events SET
				event_type = $2, correlation_id = $3, workspace_id = $4, invoice_id = $5, session_hint = $6,
				replay_requested = $7, replay_requested_at = $8, replayed_at = $9,
				last_replay_error = $10, next_replay_at = $11
			WHERE id = $1`,
		e.ID, e.EventType, e.CorrelationID, e.WorkspaceID, e.InvoiceID, e.SessionHint,
		e.ReplayRequested, e.ReplayRequestedAt, e.ReplayedAt, e.LastReplayError, e.NextReplayAt,
	)
}

// IncrementReplayAttempts implements recon.Storage
func (s *Storage) IncrementReplayAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.q.QueryRow(ctx,
		`UPDATE processor_events SET replay_attempts = replay_attempts + 1
			WHERE id = $1
			RETURNING replay_attempts`, id).Scan(&attempts)
	if err != nil {
		return 0, notFound(err, recon.ErrEventNotFound, "increment replay attempts")
	}
	return attempts, nil
}

// ListDueReplays implements recon.Storage
func (s *Storage) ListDueReplays(
	ctx context.Context, now time.Time, maxAttempts, limit int,
) ([]*recon.ProcessorEvent, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+eventColumns+` FROM processor_events
			WHERE replay_requested AND replayed_at IS NULL
				AND replay_attempts < $2
				AND (next_replay_at IS NULL OR next_replay_at <= $1)
			ORDER BY replay_requested_at ASC NULLS FIRST, seq ASC
			LIMIT $3`,
		now, maxAttempts, recon.NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list due replays: %w", err)
	}
	return collectEvents(rows)
}

// ListEvents implements recon.Storage
func (s *Storage) ListEvents(ctx context.Context, filter recon.EventFilter) ([]*recon.ProcessorEvent, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+eventColumns+` FROM processor_events
			WHERE ($1 = '' OR provider = $1) AND ($2 = '' OR invoice_id = $2)
			ORDER BY received_at DESC, seq DESC
			LIMIT $3`,
		filter.Provider, filter.InvoiceID, recon.NormalizeLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return collectEvents(rows)
}

// InsertReplayAttempt implements recon.Storage
func (s *Storage) InsertReplayAttempt(ctx context.Context, a *recon.ReplayAttempt) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("invalid replay attempt")
	}
	var metadata any
	if len(a.Metadata) > 0 {
		metadata = a.Metadata
	}
	err := s.insert(ctx,
		`INSERT INTO replay_attempts (id, event_id, attempted_at, status, error, forced, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.EventID, a.AttemptedAt, string(a.Status), a.Error, a.Forced, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert replay attempt: %w", err)
	}
	return nil
}

// ListReplayAttempts implements recon.Storage
func (s *Storage) ListReplayAttempts(ctx context.Context, eventID string) ([]*recon.ReplayAttempt, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, event_id, attempted_at, status, error, forced, metadata
			FROM replay_attempts
			WHERE event_id = $1
			ORDER BY attempted_at ASC, seq ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list replay attempts: %w", err)
	}
	defer rows.Close()

	var out []*recon.ReplayAttempt
	for rows.Next() {
		var a recon.ReplayAttempt
		var status string
		if err := rows.Scan(&a.ID, &a.EventID, &a.AttemptedAt, &status, &a.Error, &a.Forced, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan replay attempt: %w", err)
		}
		a.Status = recon.AttemptStatus(status)
		out = append(out, &a)
	}
	return out, rows.Err()
}
