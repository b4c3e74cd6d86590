package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/fault"
)

// ErrReasonRequired is returned by audited batch operations called without a reason.
var ErrReasonRequired = errors.New("ledger: reason required")

func batchSequence(bankCode string) string {
	return "batch:" + bankCode
}

// Eligible lists the charges of bankCode that batch assembly may pick, with
// their amounts computed as of the criteria snapshot date.
func (s *Service) Eligible(ctx context.Context, bankCode string, c batch.Criteria) ([]batch.Pick, error) {
	snapshotAt := s.Now()
	if c.SnapshotAt != nil {
		snapshotAt = *c.SnapshotAt
	}

	charges, _, err := s.repo.ListCharges(ctx, ChargeQuery{
		IDs:      c.ChargeIDs,
		States:   []charge.State{charge.StateIssued, charge.StateRejected},
		BankCode: bankCode,
		DueFrom:  c.DueFrom,
		DueTo:    c.DueTo,
		Sort:     SortDueDate,
	})
	if err != nil {
		return nil, fmt.Errorf("list eligible charges: %w", err)
	}

	picks := make([]batch.Pick, 0, len(charges))

	for _, ch := range charges {
		if !ch.State.Batchable() || ch.BatchID != nil {
			continue
		}

		amount := ch.AmountDue(snapshotAt)
		if c.MinAmount != nil && amount < *c.MinAmount {
			continue
		}

		picks = append(picks, batch.Pick{
			ChargeID:         ch.ID,
			InstrumentNumber: ch.InstrumentNumber,
			Version:          ch.Version,
			Amount:           amount,
		})

		if c.Limit > 0 && len(picks) == c.Limit {
			break
		}
	}

	return picks, nil
}

// OpenBatch reserves picks into a new Assembled batch. Picks whose charge
// changed since it was read are dropped; when none survive the result is
// ErrNothingReserved and nothing is written.
func (s *Service) OpenBatch(ctx context.Context, bankCode string, snapshotAt time.Time, picks []batch.Pick) (*batch.Batch, error) {
	ordered := slices.Clone(picks)
	slices.SortFunc(ordered, func(a, b batch.Pick) int {
		return cmp.Compare(a.ChargeID.String(), b.ChargeID.String())
	})

	var out *batch.Batch

	err := s.inTx(ctx, func(tx Tx) error {
		kept := make([]*charge.Charge, 0, len(ordered))

		for _, p := range ordered {
			c, err := tx.LockCharge(ctx, p.ChargeID)
			if errors.Is(err, charge.ErrNotFound) {
				continue
			}

			if err != nil {
				return fmt.Errorf("lock charge %s: %w", p.ChargeID, err)
			}

			if c.Version != p.Version || !c.State.Batchable() || c.BatchID != nil || c.Routing.BankCode != bankCode {
				s.logger.Debug("pick lost to a concurrent change", "charge_id", c.ID, "state", c.State)
				continue
			}

			kept = append(kept, c)
		}

		if len(kept) == 0 {
			return ErrNothingReserved
		}

		seq, err := tx.NextSequence(ctx, batchSequence(bankCode))
		if err != nil {
			return fmt.Errorf("next batch sequence: %w", err)
		}

		now := s.Now()
		b := &batch.Batch{
			ID:         uuid.New(),
			Sequence:   seq,
			BankCode:   bankCode,
			State:      batch.StateAssembled,
			SnapshotAt: snapshotAt,
			Version:    1,
			CreatedAt:  now,
		}

		for _, c := range kept {
			amount := c.AmountDue(snapshotAt)

			b.Items = append(b.Items, batch.Item{
				ChargeID:         c.ID,
				InstrumentNumber: c.InstrumentNumber,
				Amount:           amount,
				Resolution:       batch.ResolutionAwaiting,
			})
			b.Total += amount
		}

		b.Count = len(b.Items)

		if err := tx.InsertBatch(ctx, b); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		if err := s.recordBatch(ctx, tx, b, "", fmt.Sprintf("assembled %d charges", b.Count), false); err != nil {
			return err
		}

		for _, c := range kept {
			from := c.State
			if err := c.Transition(charge.StateReserved); err != nil {
				return fault.Validation("state", err)
			}

			c.BatchID = new(b.ID)
			c.UpdatedAt = now

			if err := tx.UpdateCharge(ctx, c); err != nil {
				return s.updateErr(err)
			}

			if err := s.recordCharge(ctx, tx, c, from, "reserved into "+b.Reference(), ""); err != nil {
				return err
			}
		}

		out = b

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// AbandonBatch releases the charges of an Assembled batch and removes it.
func (s *Service) AbandonBatch(ctx context.Context, id uuid.UUID) error {
	return s.inTx(ctx, func(tx Tx) error {
		b, err := s.lockBatch(ctx, tx, id)
		if err != nil {
			return err
		}

		if b.State != batch.StateAssembled {
			return fault.Validation("state", fmt.Errorf("%w: cannot abandon %s batch", batch.ErrInvalidTransition, b.State))
		}

		now := s.Now()

		for _, it := range b.Items {
			c, err := s.lockCharge(ctx, tx, it.ChargeID)
			if err != nil {
				return err
			}

			if c.State != charge.StateReserved || c.BatchID == nil || *c.BatchID != b.ID {
				continue
			}

			if err := c.Transition(charge.StateIssued); err != nil {
				return fault.Validation("state", err)
			}

			c.BatchID = nil
			c.UpdatedAt = now

			if err := tx.UpdateCharge(ctx, c); err != nil {
				return s.updateErr(err)
			}

			if err := s.recordCharge(ctx, tx, c, charge.StateReserved, "released from abandoned "+b.Reference(), ""); err != nil {
				return err
			}
		}

		if err := tx.DeleteBatch(ctx, b); err != nil {
			return s.updateErr(err)
		}

		return s.appendEvent(ctx, tx, &Event{
			EntityType: EntityBatch,
			EntityID:   b.ID,
			From:       string(batch.StateAssembled),
			Reason:     "abandoned " + b.Reference(),
		})
	})
}

// DispatchBatch stores the outbound artifact and moves the batch and every
// member charge to their dispatched states in one transaction. version is the
// batch revision the artifact was encoded from.
func (s *Service) DispatchBatch(ctx context.Context, id uuid.UUID, version int64, a *batch.Artifact) (*batch.Batch, error) {
	var out *batch.Batch

	err := s.inTx(ctx, func(tx Tx) error {
		b, err := s.lockBatch(ctx, tx, id)
		if err != nil {
			return err
		}

		if b.Version != version {
			return fault.Conflict(fmt.Errorf("%w: batch %s", ErrVersionConflict, b.Reference()))
		}

		from := b.State
		if err := b.Transition(batch.StateDispatched); err != nil {
			return fault.Validation("state", err)
		}

		now := s.Now()

		for _, it := range b.Items {
			c, err := s.lockCharge(ctx, tx, it.ChargeID)
			if err != nil {
				return err
			}

			if c.State != charge.StateReserved || c.BatchID == nil || *c.BatchID != b.ID {
				return fault.Fatal(fmt.Errorf("charge %s is %s outside batch %s", c.ID, c.State, b.Reference()))
			}

			if err := c.Transition(charge.StateInTransit); err != nil {
				return fault.Validation("state", err)
			}

			c.Freeze(it.Amount, b.SnapshotAt)
			c.UpdatedAt = now

			if err := tx.UpdateCharge(ctx, c); err != nil {
				return s.updateErr(err)
			}

			if err := s.recordCharge(ctx, tx, c, charge.StateReserved, "dispatched in "+b.Reference(), ""); err != nil {
				return err
			}
		}

		a.BatchID = b.ID
		a.Direction = batch.DirectionOutbound

		if err := s.insertArtifact(ctx, tx, a); err != nil {
			return err
		}

		b.OutboundArtifactID = new(a.ID)
		b.DispatchedAt = new(now)

		if err := tx.UpdateBatch(ctx, b); err != nil {
			return s.updateErr(err)
		}

		out = b

		return s.recordBatch(ctx, tx, b, from, "outbound "+a.Filename, false)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// RecordInbound stores a decoded return file against a Dispatched batch.
func (s *Service) RecordInbound(ctx context.Context, id uuid.UUID, a *batch.Artifact) (*batch.Batch, error) {
	var out *batch.Batch

	err := s.inTx(ctx, func(tx Tx) error {
		b, err := s.lockBatch(ctx, tx, id)
		if err != nil {
			return err
		}

		if b.State != batch.StateDispatched {
			return fault.Fatal(fmt.Errorf("%w: return file for %s batch", batch.ErrInvalidTransition, b.State))
		}

		a.BatchID = b.ID
		a.Direction = batch.DirectionInbound

		if err := s.insertArtifact(ctx, tx, a); err != nil {
			return err
		}

		b.InboundArtifactIDs = append(b.InboundArtifactIDs, a.ID)

		if err := tx.UpdateBatch(ctx, b); err != nil {
			return s.updateErr(err)
		}

		out = b

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// ApplyOutcome applies one bank outcome to its charge. Outcomes that cannot be
// applied are reported through Applied.Anomaly and never returned as errors.
func (s *Service) ApplyOutcome(ctx context.Context, batchID uuid.UUID, o batch.Outcome) (batch.Applied, error) {
	applied := batch.Applied{ChargeRef: o.ChargeRef, Kind: o.Kind}

	if !o.Kind.Valid() {
		applied.Anomaly = fmt.Sprintf("unknown outcome %q", o.Kind)
		return applied, nil
	}

	current, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return applied, err
	}

	member, ok := current.ItemByInstrument(o.ChargeRef)
	if !ok {
		applied.Anomaly = "charge not in batch"
		return applied, nil
	}

	applied.ChargeID = member.ChargeID

	err = s.inTx(ctx, func(tx Tx) error {
		// Charge before batch, the same order manual overrides use.
		c, err := s.lockCharge(ctx, tx, member.ChargeID)
		if err != nil {
			return err
		}

		b, err := s.lockBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}

		item, ok := b.Item(c.ID)
		if !ok {
			applied.Anomaly = "charge not in batch"
			return nil
		}

		applied.Resolution = item.Resolution

		switch {
		case item.Resolution != batch.ResolutionAwaiting:
			applied.Anomaly = "duplicate outcome, already " + string(item.Resolution)
			return nil
		case c.State != charge.StateInTransit || c.BatchID == nil || *c.BatchID != b.ID:
			applied.Anomaly = "charge no longer in transit, now " + string(c.State)
			return nil
		case o.Kind == batch.OutcomePending:
			return nil
		}

		at := o.BankTime
		if at.IsZero() {
			at = s.Now()
		}

		var reason string

		switch o.Kind {
		case batch.OutcomePaid:
			amount := item.Amount
			if o.Received > 0 {
				amount = o.Received
			}

			if err := c.Transition(charge.StatePaid); err != nil {
				return fault.Validation("state", err)
			}

			c.Freeze(amount, at)
			c.PaidAt = new(at)
			c.ProofRef = b.Reference()
			item.Resolution = batch.ResolutionPaid

			reason = "confirmed paid by " + b.Reference()
			if amount != item.Amount {
				applied.Note = fmt.Sprintf("received %d, expected %d", amount, item.Amount)
				reason += ", " + applied.Note
			}
		case batch.OutcomeRejected:
			if err := c.Transition(charge.StateRejected); err != nil {
				return fault.Validation("state", err)
			}

			c.Thaw()
			c.Rejection = &charge.Rejection{Reason: o.Reason, At: at, BatchID: b.ID}
			c.BatchID = nil
			item.Resolution = batch.ResolutionRejected

			reason = "rejected by " + b.Reference()
			if o.Reason != "" {
				reason += ": " + o.Reason
			}
		}

		c.UpdatedAt = s.Now()

		if err := tx.UpdateCharge(ctx, c); err != nil {
			return s.updateErr(err)
		}

		if err := tx.UpdateBatch(ctx, b); err != nil {
			return s.updateErr(err)
		}

		applied.Resolution = item.Resolution
		applied.Changed = true

		return s.recordCharge(ctx, tx, c, charge.StateInTransit, reason, "")
	})
	if err != nil {
		return batch.Applied{ChargeID: applied.ChargeID, ChargeRef: o.ChargeRef, Kind: o.Kind}, err
	}

	return applied, nil
}

// SettleBatch moves a Dispatched batch to Processed once no member is awaiting.
func (s *Service) SettleBatch(ctx context.Context, id uuid.UUID) (*batch.Batch, error) {
	var out *batch.Batch

	err := s.inTx(ctx, func(tx Tx) error {
		b, err := s.lockBatch(ctx, tx, id)
		if err != nil {
			return err
		}

		out = b

		if b.State != batch.StateDispatched || !b.Settled() {
			return nil
		}

		return s.saveBatch(ctx, tx, b, "all items resolved")
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// FailBatch stores an unreadable return file and parks the batch in Error.
func (s *Service) FailBatch(ctx context.Context, id uuid.UUID, a *batch.Artifact, anomaly string) (*batch.Batch, error) {
	var out *batch.Batch

	err := s.inTx(ctx, func(tx Tx) error {
		b, err := s.lockBatch(ctx, tx, id)
		if err != nil {
			return err
		}

		from := b.State
		if err := b.Transition(batch.StateError); err != nil {
			return fault.Fatal(err)
		}

		a.BatchID = b.ID
		a.Direction = batch.DirectionInbound

		if err := s.insertArtifact(ctx, tx, a); err != nil {
			return err
		}

		b.InboundArtifactIDs = append(b.InboundArtifactIDs, a.ID)
		b.Anomaly = anomaly

		if err := tx.UpdateBatch(ctx, b); err != nil {
			return s.updateErr(err)
		}

		out = b

		return s.recordBatch(ctx, tx, b, from, "unreadable return file: "+anomaly, false)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// ReopenBatch returns an Error batch to Dispatched after manual intervention.
func (s *Service) ReopenBatch(ctx context.Context, id uuid.UUID, reason string) (*batch.Batch, error) {
	if reason == "" {
		return nil, fault.Validation("reason", ErrReasonRequired)
	}

	var out *batch.Batch

	err := s.inTx(ctx, func(tx Tx) error {
		b, err := s.lockBatch(ctx, tx, id)
		if err != nil {
			return err
		}

		from := b.State
		if from != batch.StateError {
			return fault.Validation("state", fmt.Errorf("%w: cannot reopen %s batch", batch.ErrInvalidTransition, from))
		}

		if err := b.Transition(batch.StateDispatched); err != nil {
			return fault.Validation("state", err)
		}

		b.Anomaly = ""

		if err := tx.UpdateBatch(ctx, b); err != nil {
			return s.updateErr(err)
		}

		out = b

		return s.recordBatch(ctx, tx, b, from, reason, true)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*batch.Batch, error) {
	b, err := s.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}

	return b, nil
}

func (s *Service) ListBatches(ctx context.Context, q BatchQuery) ([]*batch.Batch, error) {
	for _, st := range q.States {
		if !st.Valid() {
			return nil, fault.Validation("state", fmt.Errorf("unknown batch state %q", st))
		}
	}

	batches, err := s.repo.ListBatches(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	return batches, nil
}

func (s *Service) Artifact(ctx context.Context, id uuid.UUID) (*batch.Artifact, error) {
	a, err := s.repo.GetArtifact(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}

	return a, nil
}

// saveBatch persists b, closing it first when it is Dispatched and settled.
func (s *Service) saveBatch(ctx context.Context, tx Tx, b *batch.Batch, reason string) error {
	from := b.State

	if b.State == batch.StateDispatched && b.Settled() {
		if err := b.Transition(batch.StateProcessed); err != nil {
			return fault.Validation("state", err)
		}

		b.ProcessedAt = new(s.Now())
	}

	if err := tx.UpdateBatch(ctx, b); err != nil {
		return s.updateErr(err)
	}

	if b.State == from {
		return nil
	}

	return s.recordBatch(ctx, tx, b, from, reason, false)
}

func (s *Service) insertArtifact(ctx context.Context, tx Tx, a *batch.Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.Now()
	}

	if err := tx.InsertArtifact(ctx, a); err != nil {
		return fmt.Errorf("insert %s artifact: %w", a.Direction, err)
	}

	return nil
}

func (s *Service) recordBatch(ctx context.Context, tx Tx, b *batch.Batch, from batch.State, reason string, override bool) error {
	return s.appendEvent(ctx, tx, &Event{
		EntityType: EntityBatch,
		EntityID:   b.ID,
		From:       string(from),
		To:         string(b.State),
		Reason:     reason,
		Override:   override,
	})
}
