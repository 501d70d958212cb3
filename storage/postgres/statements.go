package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

const statementColumns = `id, workspace_id, invoice_id, processor, transaction_id, charge_id, transaction_type,
	currency, gross, fee, net, occurred_at, raw, created_at, updated_at`

// InsertStatement implements recon.Storage
func (s *Storage) InsertStatement(ctx context.Context, st *recon.Statement) error {
	if st == nil || st.ID == "" {
		return fmt.Errorf("invalid statement")
	}
	return s.insert(ctx,
		`INSERT INTO processor_statements (`+statementColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		st.ID, st.WorkspaceID, st.InvoiceID, st.Processor, st.TransactionID, st.ChargeID,
		string(st.TransactionType), st.Currency, st.Gross, st.Fee, st.Net, st.OccurredAt,
		nullJSON(st.Raw), st.CreatedAt, st.UpdatedAt,
	)
}

// GetStatement implements recon.Storage
func (s *Storage) GetStatement(ctx context.Context, processor, transactionID string) (*recon.Statement, error) {
	var st recon.Statement
	var txnType string
	var raw []byte
	err := s.q.QueryRow(ctx,
		`SELECT `+statementColumns+` FROM processor_statements
			WHERE processor = $1 AND transaction_id = $2`,
		processor, transactionID).Scan(
		&st.ID, &st.WorkspaceID, &st.InvoiceID, &st.Processor, &st.TransactionID, &st.ChargeID, &txnType,
		&st.Currency, &st.Gross, &st.Fee, &st.Net, &st.OccurredAt, &raw, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, recon.ErrStatementNotFound, "get statement")
	}
	st.TransactionType = recon.TransactionType(txnType)
	st.Raw = raw
	return &st, nil
}

// LinkStatement implements recon.Storage
func (s *Storage) LinkStatement(ctx context.Context, id, invoiceID, workspaceID string, at time.Time) error {
	return s.update(ctx, recon.ErrStatementNotFound,
		`UPDATE processor_statements
			SET invoice_id = $2, workspace_id = $3, updated_at = $4
			WHERE id = $1`,
		id, invoiceID, workspaceID, at)
}

// ListStatementTransactionIDs implements recon.Storage
func (s *Storage) ListStatementTransactionIDs(
	ctx context.Context, processor string, since, until time.Time,
) ([]string, error) {
	var sincePtr, untilPtr *time.Time
	if !since.IsZero() {
		sincePtr = &since
	}
	if !until.IsZero() {
		untilPtr = &until
	}

	rows, err := s.q.Query(ctx,
		`SELECT transaction_id FROM processor_statements
			WHERE processor = $1
				AND ($2::timestamptz IS NULL OR occurred_at >= $2)
				AND ($3::timestamptz IS NULL OR occurred_at < $3)
			ORDER BY transaction_id`,
		processor, sincePtr, untilPtr)
	if err != nil {
		return nil, fmt.Errorf("failed to list statement transactions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan statement transactions: %w", err)
	}
	return ids, nil
}

const stagingColumns = `id, processor, transaction_id, reason, status, triage_note, requeue_count,
	workspace_hint, snapshot, first_observed_at, last_observed_at, last_triaged_at, resolved_at`

func scanStaging(row pgx.Row) (*recon.Staging, error) {
	var e recon.Staging
	var reason, status string
	var snapshot []byte
	err := row.Scan(
		&e.ID, &e.Processor, &e.TransactionID, &reason, &status, &e.TriageNote, &e.RequeueCount,
		&e.WorkspaceHint, &snapshot, &e.FirstObservedAt, &e.LastObservedAt, &e.LastTriagedAt, &e.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Reason = recon.StagingReason(reason)
	e.Status = recon.StagingStatus(status)
	e.Snapshot = snapshot
	return &e, nil
}

// InsertStaging implements recon.Storage
func (s *Storage) InsertStaging(ctx context.Context, e *recon.Staging) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("invalid staging entry")
	}
	return s.insert(ctx,
		`INSERT INTO processor_statement_staging (`+stagingColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.Processor, e.TransactionID, string(e.Reason), string(e.Status), e.TriageNote, e.RequeueCount,
		e.WorkspaceHint, nullJSON(e.Snapshot), e.FirstObservedAt, e.LastObservedAt, e.LastTriagedAt, e.ResolvedAt,
	)
}

// GetStaging implements recon.Storage
func (s *Storage) GetStaging(ctx context.Context, id string) (*recon.Staging, error) {
	e, err := scanStaging(s.q.QueryRow(ctx,
		`SELECT `+stagingColumns+` FROM processor_statement_staging WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, recon.ErrStagingNotFound, "get staging entry")
	}
	return e, nil
}

// FindStaging implements recon.Storage
func (s *Storage) FindStaging(
	ctx context.Context, processor, transactionID string, reason recon.StagingReason,
) (*recon.Staging, error) {
	e, err := scanStaging(s.q.QueryRow(ctx,
		`SELECT `+stagingColumns+` FROM processor_statement_staging
			WHERE processor = $1 AND transaction_id = $2 AND reason = $3
			ORDER BY seq DESC
			LIMIT 1`,
		processor, transactionID, string(reason)))
	if err != nil {
		return nil, notFound(err, recon.ErrStagingNotFound, "find staging entry")
	}
	return e, nil
}

// UpdateStaging implements recon.Storage
func (s *Storage) UpdateStaging(ctx context.Context, e *recon.Staging) error {
	return s.update(ctx, recon.ErrStagingNotFound,
		`UPDATE processor_statement_staging SET
				status = $2, triage_note = $3, requeue_count = $4, workspace_hint = $5, snapshot = $6,
				last_observed_at = $7, last_triaged_at = $8, resolved_at = $9
			WHERE id = $1`,
		e.ID, string(e.Status), e.TriageNote, e.RequeueCount, e.WorkspaceHint, nullJSON(e.Snapshot),
		e.LastObservedAt, e.LastTriagedAt, e.ResolvedAt,
	)
}

// ListStaging implements recon.Storage
func (s *Storage) ListStaging(ctx context.Context, filter recon.StagingFilter) ([]*recon.Staging, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+stagingColumns+` FROM processor_statement_staging
			WHERE ($1 = '' OR status = $1) AND ($2 = '' OR reason = $2)
			ORDER BY last_observed_at DESC, seq DESC
			LIMIT $3`,
		string(filter.Status), string(filter.Reason), recon.NormalizeLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list staging entries: %w", err)
	}
	defer rows.Close()

	var out []*recon.Staging
	for rows.Next() {
		e, err := scanStaging(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staging entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
