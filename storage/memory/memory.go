// Package memory provides an in-memory implementation of the recon.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mihaimyh/gorecon/pkg/recon"
)

// Storage implements recon.Storage using in-memory maps.
//
// WithinTx runs against a private copy of the state that replaces the live
// state only when the callback succeeds; transactions are serialized.
type Storage struct {
	mu   *sync.RWMutex
	st   *state
	inTx bool
}

type state struct {
	events          map[string]*recon.ProcessorEvent
	eventKeys       map[string]string
	attempts        map[string][]*recon.ReplayAttempt
	statements      map[string]*recon.Statement
	statementKeys   map[string]string
	staging         map[string]*recon.Staging
	runs            map[string]*recon.Run
	discrepancies   map[string]*recon.Discrepancy
	discrepancyKeys map[string]string
	// seq breaks timestamp ties by insertion order.
	seq  map[string]int64
	next int64
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		mu: &sync.RWMutex{},
		st: &state{
			events:          make(map[string]*recon.ProcessorEvent),
			eventKeys:       make(map[string]string),
			attempts:        make(map[string][]*recon.ReplayAttempt),
			statements:      make(map[string]*recon.Statement),
			statementKeys:   make(map[string]string),
			staging:         make(map[string]*recon.Staging),
			runs:            make(map[string]*recon.Run),
			discrepancies:   make(map[string]*recon.Discrepancy),
			discrepancyKeys: make(map[string]string),
			seq:             make(map[string]int64),
		},
	}
}

func (st *state) clone() *state {
	c := &state{
		events:          cloneValues(st.events),
		eventKeys:       maps.Clone(st.eventKeys),
		attempts:        make(map[string][]*recon.ReplayAttempt, len(st.attempts)),
		statements:      cloneValues(st.statements),
		statementKeys:   maps.Clone(st.statementKeys),
		staging:         cloneValues(st.staging),
		runs:            cloneValues(st.runs),
		discrepancies:   cloneValues(st.discrepancies),
		discrepancyKeys: maps.Clone(st.discrepancyKeys),
		seq:             maps.Clone(st.seq),
		next:            st.next,
	}
	// Attempts are append-only; sharing the records is safe.
	for k, v := range st.attempts {
		c.attempts[k] = slices.Clone(v)
	}
	return c
}

func cloneValues[T any](m map[string]*T) map[string]*T {
	out := make(map[string]*T, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func (st *state) track(id string) {
	st.next++
	st.seq[id] = st.next
}

func (s *Storage) read(fn func(st *state) error) error {
	if !s.inTx {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	return fn(s.st)
}

func (s *Storage) write(fn func(st *state) error) error {
	if !s.inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.st)
}

// WithinTx implements recon.Storage
func (s *Storage) WithinTx(ctx context.Context, fn func(tx recon.Storage) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &Storage{st: s.st.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

func eventKey(provider, externalID string) string {
	return provider + "\x00" + externalID
}

func statementKey(processor, transactionID string) string {
	return processor + "\x00" + transactionID
}

func discrepancyKey(transactionID string, t recon.DiscrepancyType) string {
	return transactionID + "\x00" + string(t)
}

func copyEvent(e *recon.ProcessorEvent) *recon.ProcessorEvent {
	cp := *e
	return &cp
}

// InsertEvent implements recon.Storage
func (s *Storage) InsertEvent(ctx context.Context, event *recon.ProcessorEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("invalid event")
	}
	return s.write(func(st *state) error {
		key := eventKey(event.Provider, event.ExternalID)
		if _, ok := st.eventKeys[key]; ok {
			return recon.ErrDuplicateEvent
		}
		st.events[event.ID] = copyEvent(event)
		st.eventKeys[key] = event.ID
		st.track(event.ID)
		return nil
	})
}

// GetEvent implements recon.Storage
func (s *Storage) GetEvent(ctx context.Context, id string) (*recon.ProcessorEvent, error) {
	var out *recon.ProcessorEvent
	err := s.read(func(st *state) error {
		e, ok := st.events[id]
		if !ok {
			return recon.ErrEventNotFound
		}
		out = copyEvent(e)
		return nil
	})
	return out, err
}

// GetEventByExternalID implements recon.Storage
func (s *Storage) GetEventByExternalID(ctx context.Context, provider, externalID string) (*recon.ProcessorEvent, error) {
	var out *recon.ProcessorEvent
	err := s.read(func(st *state) error {
		id, ok := st.eventKeys[eventKey(provider, externalID)]
		if !ok {
			return recon.ErrEventNotFound
		}
		out = copyEvent(st.events[id])
		return nil
	})
	return out, err
}

// UpdateEvent implements recon.Storage. The stored replay_attempts wins over
// the caller's copy; only IncrementReplayAttempts moves it.
func (s *Storage) UpdateEvent(ctx context.Context, event *recon.ProcessorEvent) error {
	return s.write(func(st *state) error {
		current, ok := st.events[event.ID]
		if !ok {
			return recon.ErrEventNotFound
		}
		updated := copyEvent(event)
		updated.ReplayAttempts = current.ReplayAttempts
		st.events[event.ID] = updated
		return nil
	})
}

// IncrementReplayAttempts implements recon.Storage
func (s *Storage) IncrementReplayAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.write(func(st *state) error {
		e, ok := st.events[id]
		if !ok {
			return recon.ErrEventNotFound
		}
		e.ReplayAttempts++
		attempts = e.ReplayAttempts
		return nil
	})
	return attempts, err
}

// ListDueReplays implements recon.Storage
func (s *Storage) ListDueReplays(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*recon.ProcessorEvent, error) {
	var out []*recon.ProcessorEvent
	err := s.read(func(st *state) error {
		for _, e := range st.events {
			if !e.ReplayRequested || e.ReplayedAt != nil || e.ReplayAttempts >= maxAttempts {
				continue
			}
			if e.NextReplayAt != nil && e.NextReplayAt.After(now) {
				continue
			}
			out = append(out, copyEvent(e))
		}
		slices.SortFunc(out, func(a, b *recon.ProcessorEvent) int {
			if c := compareTimePtr(a.ReplayRequestedAt, b.ReplayRequestedAt); c != 0 {
				return c
			}
			return cmp.Compare(st.seq[a.ID], st.seq[b.ID])
		})
		return nil
	})
	return truncate(out, limit), err
}

// ListEvents implements recon.Storage
func (s *Storage) ListEvents(ctx context.Context, filter recon.EventFilter) ([]*recon.ProcessorEvent, error) {
	var out []*recon.ProcessorEvent
	err := s.read(func(st *state) error {
		for _, e := range st.events {
			if filter.Provider != "" && e.Provider != filter.Provider {
				continue
			}
			if filter.InvoiceID != "" && e.InvoiceID != filter.InvoiceID {
				continue
			}
			out = append(out, copyEvent(e))
		}
		slices.SortFunc(out, func(a, b *recon.ProcessorEvent) int {
			return newestFirst(a.ReceivedAt, b.ReceivedAt, st.seq[a.ID], st.seq[b.ID])
		})
		return nil
	})
	return truncate(out, recon.NormalizeLimit(filter.Limit)), err
}

// InsertReplayAttempt implements recon.Storage
func (s *Storage) InsertReplayAttempt(ctx context.Context, attempt *recon.ReplayAttempt) error {
	if attempt == nil || attempt.ID == "" {
		return fmt.Errorf("invalid replay attempt")
	}
	return s.write(func(st *state) error {
		if _, ok := st.events[attempt.EventID]; !ok {
			return recon.ErrEventNotFound
		}
		cp := *attempt
		cp.Metadata = maps.Clone(attempt.Metadata)
		st.attempts[attempt.EventID] = append(st.attempts[attempt.EventID], &cp)
		return nil
	})
}

// ListReplayAttempts implements recon.Storage
func (s *Storage) ListReplayAttempts(ctx context.Context, eventID string) ([]*recon.ReplayAttempt, error) {
	var out []*recon.ReplayAttempt
	err := s.read(func(st *state) error {
		for _, a := range st.attempts[eventID] {
			cp := *a
			cp.Metadata = maps.Clone(a.Metadata)
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

// InsertStatement implements recon.Storage
func (s *Storage) InsertStatement(ctx context.Context, stmt *recon.Statement) error {
	if stmt == nil || stmt.ID == "" {
		return fmt.Errorf("invalid statement")
	}
	return s.write(func(st *state) error {
		key := statementKey(stmt.Processor, stmt.TransactionID)
		if _, ok := st.statementKeys[key]; ok {
			return recon.ErrDuplicateStatement
		}
		cp := *stmt
		st.statements[stmt.ID] = &cp
		st.statementKeys[key] = stmt.ID
		st.track(stmt.ID)
		return nil
	})
}

// GetStatement implements recon.Storage
func (s *Storage) GetStatement(ctx context.Context, processor, transactionID string) (*recon.Statement, error) {
	var out *recon.Statement
	err := s.read(func(st *state) error {
		id, ok := st.statementKeys[statementKey(processor, transactionID)]
		if !ok {
			return recon.ErrStatementNotFound
		}
		cp := *st.statements[id]
		out = &cp
		return nil
	})
	return out, err
}

// LinkStatement implements recon.Storage
func (s *Storage) LinkStatement(ctx context.Context, id, invoiceID, workspaceID string, at time.Time) error {
	return s.write(func(st *state) error {
		stmt, ok := st.statements[id]
		if !ok {
			return recon.ErrStatementNotFound
		}
		stmt.InvoiceID = invoiceID
		stmt.WorkspaceID = workspaceID
		stmt.UpdatedAt = at
		return nil
	})
}

// ListStatementTransactionIDs implements recon.Storage
func (s *Storage) ListStatementTransactionIDs(ctx context.Context, processor string, since, until time.Time) ([]string, error) {
	var out []string
	err := s.read(func(st *state) error {
		for _, stmt := range st.statements {
			if stmt.Processor != processor {
				continue
			}
			if !since.IsZero() && stmt.OccurredAt.Before(since) {
				continue
			}
			if !until.IsZero() && !stmt.OccurredAt.Before(until) {
				continue
			}
			out = append(out, stmt.TransactionID)
		}
		return nil
	})
	slices.Sort(out)
	return out, err
}

// InsertStaging implements recon.Storage
func (s *Storage) InsertStaging(ctx context.Context, entry *recon.Staging) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid staging entry")
	}
	return s.write(func(st *state) error {
		cp := *entry
		st.staging[entry.ID] = &cp
		st.track(entry.ID)
		return nil
	})
}

// GetStaging implements recon.Storage
func (s *Storage) GetStaging(ctx context.Context, id string) (*recon.Staging, error) {
	var out *recon.Staging
	err := s.read(func(st *state) error {
		entry, ok := st.staging[id]
		if !ok {
			return recon.ErrStagingNotFound
		}
		cp := *entry
		out = &cp
		return nil
	})
	return out, err
}

// FindStaging implements recon.Storage
func (s *Storage) FindStaging(ctx context.Context, processor, transactionID string, reason recon.StagingReason) (*recon.Staging, error) {
	var out *recon.Staging
	err := s.read(func(st *state) error {
		var best *recon.Staging
		for _, entry := range st.staging {
			if entry.Processor != processor || entry.TransactionID != transactionID || entry.Reason != reason {
				continue
			}
			if best == nil || st.seq[entry.ID] > st.seq[best.ID] {
				best = entry
			}
		}
		if best == nil {
			return recon.ErrStagingNotFound
		}
		cp := *best
		out = &cp
		return nil
	})
	return out, err
}

// UpdateStaging implements recon.Storage
func (s *Storage) UpdateStaging(ctx context.Context, entry *recon.Staging) error {
	return s.write(func(st *state) error {
		if _, ok := st.staging[entry.ID]; !ok {
			return recon.ErrStagingNotFound
		}
		cp := *entry
		st.staging[entry.ID] = &cp
		return nil
	})
}

// ListStaging implements recon.Storage
func (s *Storage) ListStaging(ctx context.Context, filter recon.StagingFilter) ([]*recon.Staging, error) {
	var out []*recon.Staging
	err := s.read(func(st *state) error {
		for _, entry := range st.staging {
			if filter.Status != "" && entry.Status != filter.Status {
				continue
			}
			if filter.Reason != "" && entry.Reason != filter.Reason {
				continue
			}
			cp := *entry
			out = append(out, &cp)
		}
		slices.SortFunc(out, func(a, b *recon.Staging) int {
			return newestFirst(a.LastObservedAt, b.LastObservedAt, st.seq[a.ID], st.seq[b.ID])
		})
		return nil
	})
	return truncate(out, recon.NormalizeLimit(filter.Limit)), err
}

// CreateRun implements recon.Storage
func (s *Storage) CreateRun(ctx context.Context, run *recon.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("invalid run")
	}
	return s.write(func(st *state) error {
		if run.Status == recon.RunRunning {
			for _, r := range st.runs {
				if r.Status == recon.RunRunning {
					return recon.ErrRunInProgress
				}
			}
		}
		cp := *run
		st.runs[run.ID] = &cp
		st.track(run.ID)
		return nil
	})
}

// GetRun implements recon.Storage
func (s *Storage) GetRun(ctx context.Context, id string) (*recon.Run, error) {
	var out *recon.Run
	err := s.read(func(st *state) error {
		r, ok := st.runs[id]
		if !ok {
			return recon.ErrRunNotFound
		}
		cp := *r
		out = &cp
		return nil
	})
	return out, err
}

// LatestRun implements recon.Storage
func (s *Storage) LatestRun(ctx context.Context) (*recon.Run, error) {
	var out *recon.Run
	err := s.read(func(st *state) error {
		var best *recon.Run
		for _, r := range st.runs {
			if best == nil || newestFirst(r.StartedAt, best.StartedAt, st.seq[r.ID], st.seq[best.ID]) < 0 {
				best = r
			}
		}
		if best == nil {
			return recon.ErrRunNotFound
		}
		cp := *best
		out = &cp
		return nil
	})
	return out, err
}

// UpdateRun implements recon.Storage
func (s *Storage) UpdateRun(ctx context.Context, run *recon.Run) error {
	return s.write(func(st *state) error {
		r, ok := st.runs[run.ID]
		if !ok {
			return recon.ErrRunNotFound
		}
		r.Status = run.Status
		r.CompletedAt = run.CompletedAt
		r.Notes = run.Notes
		return nil
	})
}

// IncrementRunCounters implements recon.Storage
func (s *Storage) IncrementRunCounters(ctx context.Context, id string, delta recon.RunCounters) error {
	return s.write(func(st *state) error {
		r, ok := st.runs[id]
		if !ok {
			return recon.ErrRunNotFound
		}
		r.TotalTransactions += delta.Total
		r.MatchedTransactions += delta.Matched
		r.DiscrepancyCount += delta.Discrepancies
		return nil
	})
}

// ListRuns implements recon.Storage
func (s *Storage) ListRuns(ctx context.Context, filter recon.RunFilter) ([]*recon.Run, error) {
	var out []*recon.Run
	err := s.read(func(st *state) error {
		for _, r := range st.runs {
			if filter.Status != "" && r.Status != filter.Status {
				continue
			}
			cp := *r
			out = append(out, &cp)
		}
		slices.SortFunc(out, func(a, b *recon.Run) int {
			return newestFirst(a.StartedAt, b.StartedAt, st.seq[a.ID], st.seq[b.ID])
		})
		return nil
	})
	return truncate(out, recon.NormalizeLimit(filter.Limit)), err
}

// InsertDiscrepancy implements recon.Storage
func (s *Storage) InsertDiscrepancy(ctx context.Context, d *recon.Discrepancy) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("invalid discrepancy")
	}
	return s.write(func(st *state) error {
		key := discrepancyKey(d.TransactionID, d.Type)
		if _, ok := st.discrepancyKeys[key]; ok {
			return recon.ErrDuplicateDiscrepancy
		}
		cp := *d
		st.discrepancies[d.ID] = &cp
		st.discrepancyKeys[key] = d.ID
		st.track(d.ID)
		return nil
	})
}

// GetDiscrepancy implements recon.Storage
func (s *Storage) GetDiscrepancy(ctx context.Context, id string) (*recon.Discrepancy, error) {
	var out *recon.Discrepancy
	err := s.read(func(st *state) error {
		d, ok := st.discrepancies[id]
		if !ok {
			return recon.ErrDiscrepancyNotFound
		}
		cp := *d
		out = &cp
		return nil
	})
	return out, err
}

// FindDiscrepancy implements recon.Storage
func (s *Storage) FindDiscrepancy(ctx context.Context, transactionID string, t recon.DiscrepancyType) (*recon.Discrepancy, error) {
	var out *recon.Discrepancy
	err := s.read(func(st *state) error {
		id, ok := st.discrepancyKeys[discrepancyKey(transactionID, t)]
		if !ok {
			return recon.ErrDiscrepancyNotFound
		}
		cp := *st.discrepancies[id]
		out = &cp
		return nil
	})
	return out, err
}

// UpdateDiscrepancy implements recon.Storage
func (s *Storage) UpdateDiscrepancy(ctx context.Context, d *recon.Discrepancy) error {
	return s.write(func(st *state) error {
		if _, ok := st.discrepancies[d.ID]; !ok {
			return recon.ErrDiscrepancyNotFound
		}
		cp := *d
		st.discrepancies[d.ID] = &cp
		return nil
	})
}

// ListDiscrepancies implements recon.Storage
func (s *Storage) ListDiscrepancies(ctx context.Context, filter recon.DiscrepancyFilter) ([]*recon.Discrepancy, error) {
	var out []*recon.Discrepancy
	err := s.read(func(st *state) error {
		for _, d := range st.discrepancies {
			if filter.Status != "" && d.Status != filter.Status {
				continue
			}
			if filter.Type != "" && d.Type != filter.Type {
				continue
			}
			if filter.RunID != "" && d.RunID != filter.RunID {
				continue
			}
			cp := *d
			out = append(out, &cp)
		}
		slices.SortFunc(out, func(a, b *recon.Discrepancy) int {
			return newestFirst(a.CreatedAt, b.CreatedAt, st.seq[a.ID], st.seq[b.ID])
		})
		return nil
	})
	return truncate(out, recon.NormalizeLimit(filter.Limit)), err
}

func newestFirst(a, b time.Time, seqA, seqB int64) int {
	if c := b.Compare(a); c != 0 {
		return c
	}
	return cmp.Compare(seqB, seqA)
}

func compareTimePtr(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
