package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

const runColumns = `id, status, started_at, completed_at, total_transactions, matched_transactions,
	discrepancy_count, notes`

func scanRun(row pgx.Row) (*recon.Run, error) {
	var r recon.Run
	var status string
	err := row.Scan(
		&r.ID, &status, &r.StartedAt, &r.CompletedAt, &r.TotalTransactions, &r.MatchedTransactions,
		&r.DiscrepancyCount, &r.Notes,
	)
	if err != nil {
		return nil, err
	}
	r.Status = recon.RunStatus(status)
	return &r, nil
}

// CreateRun implements recon.Storage. A second running run violates the
// partial unique index and is reported as recon.ErrRunInProgress.
func (s *Storage) CreateRun(ctx context.Context, r *recon.Run) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("invalid run")
	}
	return s.insert(ctx,
		`INSERT INTO reconciliation_runs (`+runColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, string(r.Status), r.StartedAt, r.CompletedAt, r.TotalTransactions, r.MatchedTransactions,
		r.DiscrepancyCount, r.Notes,
	)
}

// GetRun implements recon.Storage
func (s *Storage) GetRun(ctx context.Context, id string) (*recon.Run, error) {
	r, err := scanRun(s.q.QueryRow(ctx,
		`SELECT `+runColumns+` FROM reconciliation_runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, recon.ErrRunNotFound, "get run")
	}
	return r, nil
}

// LatestRun implements recon.Storage
func (s *Storage) LatestRun(ctx context.Context) (*recon.Run, error) {
	r, err := scanRun(s.q.QueryRow(ctx,
		`SELECT `+runColumns+` FROM reconciliation_runs
			ORDER BY started_at DESC, seq DESC
			LIMIT 1`))
	if err != nil {
		return nil, notFound(err, recon.ErrRunNotFound, "get latest run")
	}
	return r, nil
}

// UpdateRun implements recon.Storage
func (s *Storage) UpdateRun(ctx context.Context, r *recon.Run) error {
	return s.update(ctx, recon.ErrRunNotFound,
		`UPDATE reconciliation_runs SET status = $2, completed_at = $3, notes = $4 WHERE id = $1`,
		r.ID, string(r.Status), r.CompletedAt, r.Notes)
}

// IncrementRunCounters implements recon.Storage
func (s *Storage) IncrementRunCounters(ctx context.Context, id string, delta recon.RunCounters) error {
	return s.update(ctx, recon.ErrRunNotFound,
		`UPDATE reconciliation_runs SET
				total_transactions = total_transactions + $2,
				matched_transactions = matched_transactions + $3,
				discrepancy_count = discrepancy_count + $4
			WHERE id = $1`,
		id, delta.Total, delta.Matched, delta.Discrepancies)
}

// ListRuns implements recon.Storage
func (s *Storage) ListRuns(ctx context.Context, filter recon.RunFilter) ([]*recon.Run, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+runColumns+` FROM reconciliation_runs
			WHERE ($1 = '' OR status = $1)
			ORDER BY started_at DESC, seq DESC
			LIMIT $2`,
		string(filter.Status), recon.NormalizeLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*recon.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const discrepancyColumns = `id, run_id, invoice_id, processor_statement_id, transaction_id, discrepancy_type,
	status, amount_delta, summary, resolution_note, created_at, updated_at, resolved_at`

func scanDiscrepancy(row pgx.Row) (*recon.Discrepancy, error) {
	var d recon.Discrepancy
	var typ, status string
	err := row.Scan(
		&d.ID, &d.RunID, &d.InvoiceID, &d.ProcessorStatementID, &d.TransactionID, &typ,
		&status, &d.AmountDelta, &d.Summary, &d.ResolutionNote, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Type = recon.DiscrepancyType(typ)
	d.Status = recon.DiscrepancyStatus(status)
	return &d, nil
}

// InsertDiscrepancy implements recon.Storage
func (s *Storage) InsertDiscrepancy(ctx context.Context, d *recon.Discrepancy) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("invalid discrepancy")
	}
	return s.insert(ctx,
		`INSERT INTO reconciliation_discrepancies (`+discrepancyColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.RunID, d.InvoiceID, d.ProcessorStatementID, d.TransactionID, string(d.Type),
		string(d.Status), d.AmountDelta, d.Summary, d.ResolutionNote, d.CreatedAt, d.UpdatedAt, d.ResolvedAt,
	)
}

// GetDiscrepancy implements recon.Storage
func (s *Storage) GetDiscrepancy(ctx context.Context, id string) (*recon.Discrepancy, error) {
	d, err := scanDiscrepancy(s.q.QueryRow(ctx,
		`SELECT `+discrepancyColumns+` FROM reconciliation_discrepancies WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, recon.ErrDiscrepancyNotFound, "get discrepancy")
	}
	return d, nil
}

// FindDiscrepancy implements recon.Storage
func (s *Storage) FindDiscrepancy(
	ctx context.Context, transactionID string, t recon.DiscrepancyType,
) (*recon.Discrepancy, error) {
	d, err := scanDiscrepancy(s.q.QueryRow(ctx,
		`SELECT `+discrepancyColumns+` FROM reconciliation_discrepancies
			WHERE transaction_id = $1 AND discrepancy_type = $2`,
		transactionID, string(t)))
	if err != nil {
		return nil, notFound(err, recon.ErrDiscrepancyNotFound, "find discrepancy")
	}
	return d, nil
}

// UpdateDiscrepancy implements recon.Storage
func (s *Storage) UpdateDiscrepancy(ctx context.Context, d *recon.Discrepancy) error {
	return s.update(ctx, recon.ErrDiscrepancyNotFound,
		`UPDATE reconciliation_discrepancies SET
				run_id = $2, invoice_id = $3, processor_statement_id = $4, status = $5,
				amount_delta = $6, summary = $7, resolution_note = $8, updated_at = $9, resolved_at = $10
			WHERE id = $1`,
		d.ID, d.RunID, d.InvoiceID, d.ProcessorStatementID, string(d.Status),
		d.AmountDelta, d.Summary, d.ResolutionNote, d.UpdatedAt, d.ResolvedAt,
	)
}

// ListDiscrepancies implements recon.Storage
func (s *Storage) ListDiscrepancies(
	ctx context.Context, filter recon.DiscrepancyFilter,
) ([]*recon.Discrepancy, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+discrepancyColumns+` FROM reconciliation_discrepancies
			WHERE ($1 = '' OR status = $1) AND ($2 = '' OR discrepancy_type = $2) AND ($3 = '' OR run_id = $3)
			ORDER BY created_at DESC, seq DESC
			LIMIT $4`,
		string(filter.Status), string(filter.Type), filter.RunID, recon.NormalizeLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list discrepancies: %w", err)
	}
	defer rows.Close()

	var out []*recon.Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
