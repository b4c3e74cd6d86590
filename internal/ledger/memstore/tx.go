package memstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
)

var errTxDone = errors.New("memstore: transaction already finished")

// tx stages writes until Commit. A nil entry in charges or batches is a
// staged delete.
type tx struct {
	store *Store
	done  bool

	charges   map[uuid.UUID]*charge.Charge
	batches   map[uuid.UUID]*batch.Batch
	artifacts []*batch.Artifact
	events    []*ledger.Event
	sequences map[string]int64
}

func (t *tx) charge(id uuid.UUID) (*charge.Charge, bool) {
	if c, staged := t.charges[id]; staged {
		return c, c != nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	c, ok := t.store.charges[id]

	return c, ok
}

func (t *tx) batch(id uuid.UUID) (*batch.Batch, bool) {
	if b, staged := t.batches[id]; staged {
		return b, b != nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	b, ok := t.store.batches[id]

	return b, ok
}

func (t *tx) LockCharge(_ context.Context, id uuid.UUID) (*charge.Charge, error) {
	c, ok := t.charge(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", charge.ErrNotFound, id)
	}

	return c.Clone(), nil
}

func (t *tx) InsertCharge(_ context.Context, c *charge.Charge) error {
	if _, ok := t.charge(c.ID); ok {
		return fmt.Errorf("insert charge %s: already exists", c.ID)
	}

	t.charges[c.ID] = c.Clone()

	return nil
}

func (t *tx) UpdateCharge(ctx context.Context, c *charge.Charge) error {
	current, ok := t.charge(c.ID)
	if !ok {
		return fmt.Errorf("%w: %s", charge.ErrNotFound, c.ID)
	}

	if current.Version != c.Version {
		return fmt.Errorf("%w: charge %s at %d, have %d", ledger.ErrVersionConflict, c.ID, current.Version, c.Version)
	}

	if c.InstrumentNumber != "" && c.InstrumentNumber != current.InstrumentNumber {
		exists, _ := t.InstrumentExists(ctx, c.InstrumentNumber)
		if exists {
			return fmt.Errorf("%w: %s", charge.ErrDuplicateInstrument, c.InstrumentNumber)
		}
	}

	c.Version++
	t.charges[c.ID] = c.Clone()

	return nil
}

func (t *tx) DeleteCharge(_ context.Context, c *charge.Charge) error {
	current, ok := t.charge(c.ID)
	if !ok {
		return fmt.Errorf("%w: %s", charge.ErrNotFound, c.ID)
	}

	if current.Version != c.Version {
		return fmt.Errorf("%w: charge %s", ledger.ErrVersionConflict, c.ID)
	}

	t.charges[c.ID] = nil

	return nil
}

func (t *tx) InstrumentExists(_ context.Context, number string) (bool, error) {
	for _, c := range t.charges {
		if c != nil && c.InstrumentNumber == number {
			return true, nil
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	for id, c := range t.store.charges {
		if _, staged := t.charges[id]; staged {
			continue
		}

		if c.InstrumentNumber == number {
			return true, nil
		}
	}

	return false, nil
}

func (t *tx) NextSequence(_ context.Context, name string) (int64, error) {
	next, staged := t.sequences[name]
	if !staged {
		t.store.mu.RLock()
		next = t.store.sequences[name]
		t.store.mu.RUnlock()
	}

	next++
	t.sequences[name] = next

	return next, nil
}

func (t *tx) LockBatch(_ context.Context, id uuid.UUID) (*batch.Batch, error) {
	b, ok := t.batch(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", batch.ErrNotFound, id)
	}

	return b.Clone(), nil
}

func (t *tx) InsertBatch(_ context.Context, b *batch.Batch) error {
	if _, ok := t.batch(b.ID); ok {
		return fmt.Errorf("insert batch %s: already exists", b.ID)
	}

	t.batches[b.ID] = b.Clone()

	return nil
}

func (t *tx) UpdateBatch(_ context.Context, b *batch.Batch) error {
	current, ok := t.batch(b.ID)
	if !ok {
		return fmt.Errorf("%w: %s", batch.ErrNotFound, b.ID)
	}

	if current.Version != b.Version {
		return fmt.Errorf("%w: batch %s at %d, have %d", ledger.ErrVersionConflict, b.ID, current.Version, b.Version)
	}

	b.Version++
	t.batches[b.ID] = b.Clone()

	return nil
}

func (t *tx) DeleteBatch(_ context.Context, b *batch.Batch) error {
	current, ok := t.batch(b.ID)
	if !ok {
		return fmt.Errorf("%w: %s", batch.ErrNotFound, b.ID)
	}

	if current.Version != b.Version {
		return fmt.Errorf("%w: batch %s", ledger.ErrVersionConflict, b.ID)
	}

	t.batches[b.ID] = nil

	return nil
}

func (t *tx) InsertArtifact(_ context.Context, a *batch.Artifact) error {
	cp := *a
	cp.Content = append([]byte(nil), a.Content...)
	t.artifacts = append(t.artifacts, &cp)

	return nil
}

func (t *tx) AppendEvent(_ context.Context, e *ledger.Event) error {
	cp := *e
	t.events = append(t.events, &cp)

	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}

	s := t.store
	s.mu.Lock()

	for id, c := range t.charges {
		if c == nil {
			delete(s.charges, id)
			continue
		}

		s.charges[id] = c
	}

	for id, b := range t.batches {
		if b == nil {
			delete(s.batches, id)
			continue
		}

		s.batches[id] = b
	}

	for _, a := range t.artifacts {
		s.artifacts[a.ID] = a
	}

	for _, e := range t.events {
		s.eventSeq[e.EntityID]++
		e.Seq = s.eventSeq[e.EntityID]
		s.events = append(s.events, e)
	}

	for name, v := range t.sequences {
		s.sequences[name] = v
	}

	s.mu.Unlock()

	t.finish()

	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}

	t.finish()

	return nil
}

func (t *tx) finish() {
	t.done = true
	<-t.store.sem
}
