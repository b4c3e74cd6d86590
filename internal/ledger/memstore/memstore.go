// Package memstore is an in-process ledger.Repository used for local runs and
// tests. Transactions are serialised: Begin blocks until the previous
// transaction commits or rolls back, which gives every Lock* call the same
// guarantee a row lock gives in Postgres.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
)

type Store struct {
	sem chan struct{}

	mu        sync.RWMutex
	charges   map[uuid.UUID]*charge.Charge
	batches   map[uuid.UUID]*batch.Batch
	artifacts map[uuid.UUID]*batch.Artifact
	events    []*ledger.Event
	eventSeq  map[uuid.UUID]int64
	sequences map[string]int64
}

var _ ledger.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		sem:       make(chan struct{}, 1),
		charges:   make(map[uuid.UUID]*charge.Charge),
		batches:   make(map[uuid.UUID]*batch.Batch),
		artifacts: make(map[uuid.UUID]*batch.Artifact),
		eventSeq:  make(map[uuid.UUID]int64),
		sequences: make(map[string]int64),
	}
}

func (s *Store) GetCharge(_ context.Context, id uuid.UUID) (*charge.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.charges[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", charge.ErrNotFound, id)
	}

	return c.Clone(), nil
}

func (s *Store) ListCharges(_ context.Context, q ledger.ChargeQuery) ([]*charge.Charge, int, error) {
	s.mu.RLock()

	matched := make([]*charge.Charge, 0, len(s.charges))
	for _, c := range s.charges {
		if matches(c, q) {
			matched = append(matched, c.Clone())
		}
	}

	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *charge.Charge) int {
		r := compareBy(q.Sort, a, b)
		if r == 0 {
			r = cmp.Compare(a.ID.String(), b.ID.String())
		}

		if q.Descending {
			return -r
		}

		return r
	})

	total := len(matched)

	if q.Offset >= total {
		return []*charge.Charge{}, total, nil
	}

	matched = matched[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}

	return matched, total, nil
}

func matches(c *charge.Charge, q ledger.ChargeQuery) bool {
	if len(q.IDs) > 0 && !slices.Contains(q.IDs, c.ID) {
		return false
	}

	if len(q.States) > 0 && !slices.Contains(q.States, c.State) {
		return false
	}

	if q.BankCode != "" && c.Routing.BankCode != q.BankCode {
		return false
	}

	if q.Kind != "" && c.Kind != q.Kind {
		return false
	}

	if q.DueFrom != nil && c.DueDate.Before(*q.DueFrom) {
		return false
	}

	if q.DueTo != nil && c.DueDate.After(*q.DueTo) {
		return false
	}

	if q.IssuedFrom != nil && c.IssueDate.Before(*q.IssuedFrom) {
		return false
	}

	if q.IssuedTo != nil && c.IssueDate.After(*q.IssuedTo) {
		return false
	}

	return true
}

func compareBy(field ledger.SortField, a, b *charge.Charge) int {
	switch field {
	case ledger.SortDueDate:
		return a.DueDate.Compare(b.DueDate)
	case ledger.SortIssueDate:
		return a.IssueDate.Compare(b.IssueDate)
	case ledger.SortPrincipal:
		return cmp.Compare(a.Principal, b.Principal)
	case ledger.SortInstrumentNumber:
		return cmp.Compare(a.InstrumentNumber, b.InstrumentNumber)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func (s *Store) GetBatch(_ context.Context, id uuid.UUID) (*batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", batch.ErrNotFound, id)
	}

	return b.Clone(), nil
}

func (s *Store) ListBatches(_ context.Context, q ledger.BatchQuery) ([]*batch.Batch, error) {
	s.mu.RLock()

	out := make([]*batch.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		if q.BankCode != "" && b.BankCode != q.BankCode {
			continue
		}

		if len(q.States) > 0 && !slices.Contains(q.States, b.State) {
			continue
		}

		out = append(out, b.Clone())
	}

	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *batch.Batch) int {
		if r := cmp.Compare(a.BankCode, b.BankCode); r != 0 {
			return r
		}

		return cmp.Compare(a.Sequence, b.Sequence)
	})

	return out, nil
}

func (s *Store) GetArtifact(_ context.Context, id uuid.UUID) (*batch.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", batch.ErrArtifactNotFound, id)
	}

	cp := *a
	cp.Content = slices.Clone(a.Content)

	return &cp, nil
}

func (s *Store) ListEvents(_ context.Context, entityID uuid.UUID) ([]*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.Event

	for _, e := range s.events {
		if e.EntityID == entityID {
			cp := *e
			out = append(out, &cp)
		}
	}

	return out, nil
}

// Begin waits for the running transaction, if any, to finish.
func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for transaction: %w", ctx.Err())
	}

	return &tx{
		store:     s,
		charges:   make(map[uuid.UUID]*charge.Charge),
		batches:   make(map[uuid.UUID]*batch.Batch),
		sequences: make(map[string]int64),
	}, nil
}
