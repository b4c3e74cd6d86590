// Package ledger owns the authoritative state of charges and batches. It is the
// only writer of either: every state change goes through a Service method that
// runs in a single-entity transaction and appends an Event.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/auth"
	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/clock"
	"github.com/MrJamesThe3rd/cobranca/internal/fault"
	"github.com/MrJamesThe3rd/cobranca/internal/metrics"
	"github.com/MrJamesThe3rd/cobranca/internal/policy"
)

const (
	defaultInstrumentPrefix = "BLT"
	instrumentSequence      = "instrument"
)

type Service struct {
	repo   Repository
	clock  clock.Clock
	prefix string
	logger *slog.Logger
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithInstrumentPrefix sets the prefix of generated instrument numbers.
func WithInstrumentPrefix(prefix string) Option {
	return func(s *Service) { s.prefix = prefix }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		clock:  clock.System{},
		prefix: defaultInstrumentPrefix,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Now is the ledger's reference time.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

type IssueParams struct {
	// InstrumentNumber is optional; when empty the next number is generated.
	InstrumentNumber string
}

type PaymentParams struct {
	PaidAt time.Time
	// Amount defaults to the amount due as of PaidAt.
	Amount   *int64
	ProofRef string
	// Override is the audited reason for paying an in-transit charge.
	Override string
}

type CancelParams struct {
	Reason string
	// Override is the audited reason for cancelling an in-transit charge.
	Override string
}

// Listed is a charge with its amount due computed for the listing.
type Listed struct {
	Charge *charge.Charge
	Quote  policy.Breakdown
}

type Page struct {
	Items  []Listed
	Total  int
	Limit  int
	Offset int
	AsOf   time.Time
}

func (s *Service) Create(ctx context.Context, d charge.Draft) (*charge.Charge, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	c := charge.NewCharge(d, s.Now())

	err := s.inTx(ctx, func(tx Tx) error {
		if err := tx.InsertCharge(ctx, c); err != nil {
			return fmt.Errorf("insert charge: %w", err)
		}

		return s.recordCharge(ctx, tx, c, "", "created", "")
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Issue numbers a draft and makes it payable and batchable.
func (s *Service) Issue(ctx context.Context, id uuid.UUID, p IssueParams) (*charge.Charge, error) {
	var out *charge.Charge

	err := s.inTx(ctx, func(tx Tx) error {
		c, err := s.lockCharge(ctx, tx, id)
		if err != nil {
			return err
		}

		from := c.State
		if err := c.Transition(charge.StateIssued); err != nil {
			return fault.Validation("state", err)
		}

		number, err := s.instrumentNumber(ctx, tx, p.InstrumentNumber)
		if err != nil {
			return err
		}

		c.InstrumentNumber = number
		if c.Routing.TrackingNumber == "" {
			c.Routing.TrackingNumber = number
		}

		c.UpdatedAt = s.Now()

		if err := tx.UpdateCharge(ctx, c); err != nil {
			if errors.Is(err, charge.ErrDuplicateInstrument) {
				return s.numberTaken(p.InstrumentNumber != "", err)
			}

			return s.updateErr(err)
		}

		out = c

		return s.recordCharge(ctx, tx, c, from, "issued "+number, "")
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Service) instrumentNumber(ctx context.Context, tx Tx, requested string) (string, error) {
	number := requested
	if number == "" {
		seq, err := tx.NextSequence(ctx, instrumentSequence)
		if err != nil {
			return "", fmt.Errorf("next instrument number: %w", err)
		}

		number = fmt.Sprintf("%s%010d", s.prefix, seq)
	}

	exists, err := tx.InstrumentExists(ctx, number)
	if err != nil {
		return "", fmt.Errorf("check instrument number: %w", err)
	}

	if exists {
		return "", s.numberTaken(requested != "", fmt.Errorf("%w: %s", charge.ErrDuplicateInstrument, number))
	}

	return number, nil
}

// numberTaken classifies an instrument number clash: a caller-supplied number
// is bad input, a generated one means the sequence is misconfigured.
func (s *Service) numberTaken(requested bool, err error) error {
	if requested {
		return fault.Validation("instrument_number", err)
	}

	s.logger.Error("generated instrument number collides", "error", err)

	return fault.Fatal(fmt.Errorf("%w: %w", charge.ErrInstrumentCollision, err))
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*charge.Charge, error) {
	c, err := s.repo.GetCharge(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}

	return c, nil
}

// Quote computes the amount due on c as of asOf.
func (s *Service) Quote(c *charge.Charge, asOf time.Time) policy.Breakdown {
	return c.Quote(asOf)
}

// List returns a page of charges with amounts due computed as of now.
func (s *Service) List(ctx context.Context, q ChargeQuery) (*Page, error) {
	if q.Sort != "" && !q.Sort.Valid() {
		return nil, fault.Validation("sort", fmt.Errorf("unknown sort field %q", q.Sort))
	}

	if q.Limit < 0 || q.Offset < 0 {
		return nil, fault.Validation("limit", errors.New("limit and offset must be >= 0"))
	}

	charges, total, err := s.repo.ListCharges(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}

	asOf := s.Now()
	page := &Page{
		Items:  make([]Listed, 0, len(charges)),
		Total:  total,
		Limit:  q.Limit,
		Offset: q.Offset,
		AsOf:   asOf,
	}

	for _, c := range charges {
		page.Items = append(page.Items, Listed{Charge: c, Quote: c.Quote(asOf)})
	}

	return page, nil
}

// MarkPaid records a payment made outside the batch flow.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, p PaymentParams) (*charge.Charge, error) {
	if p.PaidAt.IsZero() {
		return nil, fault.Validation("paid_at", charge.ErrPaidAtRequired)
	}

	if p.Amount != nil && *p.Amount < 0 {
		return nil, fault.Validation("amount", errors.New("must be >= 0"))
	}

	var out *charge.Charge

	err := s.inTx(ctx, func(tx Tx) error {
		c, err := s.lockCharge(ctx, tx, id)
		if err != nil {
			return err
		}

		from := c.State
		if from == charge.StateInTransit && p.Override == "" {
			return fault.Validation("override", charge.ErrOverrideRequired)
		}

		amount := c.AmountDue(p.PaidAt)
		if p.Amount != nil {
			amount = *p.Amount
		}

		if err := c.Transition(charge.StatePaid); err != nil {
			return fault.Validation("state", err)
		}

		c.Freeze(amount, p.PaidAt)
		c.PaidAt = new(p.PaidAt)
		c.ProofRef = p.ProofRef
		c.UpdatedAt = s.Now()

		if from == charge.StateInTransit {
			if err := s.resolveItem(ctx, tx, c, batch.ResolutionPaid, p.Override); err != nil {
				return err
			}
		}

		if err := tx.UpdateCharge(ctx, c); err != nil {
			return s.updateErr(err)
		}

		out = c

		reason := "manual payment"
		if p.ProofRef != "" {
			reason += " proof " + p.ProofRef
		}

		return s.recordCharge(ctx, tx, c, from, reason, p.Override)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Cancel terminates a charge. Paid charges cannot be cancelled, reserved ones
// must have their batch abandoned first and in-transit ones need an override.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, p CancelParams) (*charge.Charge, error) {
	if p.Reason == "" {
		return nil, fault.Validation("reason", charge.ErrReasonRequired)
	}

	var out *charge.Charge

	err := s.inTx(ctx, func(tx Tx) error {
		c, err := s.lockCharge(ctx, tx, id)
		if err != nil {
			return err
		}

		from := c.State
		if from == charge.StateInTransit && p.Override == "" {
			return fault.Validation("override", fmt.Errorf("%w: %w", charge.ErrInvalidTransition, charge.ErrOverrideRequired))
		}

		now := s.Now()
		amount := c.AmountDue(now)

		if err := c.Transition(charge.StateCancelled); err != nil {
			return fault.Validation("state", err)
		}

		c.Freeze(amount, now)
		c.CancelReason = p.Reason
		c.UpdatedAt = now

		if from == charge.StateInTransit {
			if err := s.resolveItem(ctx, tx, c, batch.ResolutionWithdrawn, p.Override); err != nil {
				return err
			}
		}

		if err := tx.UpdateCharge(ctx, c); err != nil {
			return s.updateErr(err)
		}

		out = c

		return s.recordCharge(ctx, tx, c, from, p.Reason, p.Override)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// DeleteDraft removes a charge that was never issued.
func (s *Service) DeleteDraft(ctx context.Context, id uuid.UUID) error {
	return s.inTx(ctx, func(tx Tx) error {
		c, err := s.lockCharge(ctx, tx, id)
		if err != nil {
			return err
		}

		if c.State != charge.StateDraft {
			return fault.Validation("state", fmt.Errorf("%w: %s", charge.ErrNotDraft, c.State))
		}

		if err := tx.DeleteCharge(ctx, c); err != nil {
			return s.updateErr(err)
		}

		return s.appendEvent(ctx, tx, &Event{
			EntityType: EntityCharge,
			EntityID:   c.ID,
			From:       string(charge.StateDraft),
			Reason:     "draft deleted",
		})
	})
}

// Events returns the audit trail of a charge or batch in commit order.
func (s *Service) Events(ctx context.Context, entityID uuid.UUID) ([]*Event, error) {
	events, err := s.repo.ListEvents(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	return events, nil
}

// resolveItem settles c's member entry in its in-transit batch after a manual
// override, closing the batch when nothing else is awaited.
func (s *Service) resolveItem(ctx context.Context, tx Tx, c *charge.Charge, res batch.Resolution, reason string) error {
	if c.BatchID == nil {
		return nil
	}

	b, err := s.lockBatch(ctx, tx, *c.BatchID)
	if err != nil {
		return err
	}

	item, ok := b.Item(c.ID)
	if !ok || item.Resolution != batch.ResolutionAwaiting {
		return nil
	}

	item.Resolution = res

	return s.saveBatch(ctx, tx, b, "override on "+c.InstrumentNumber+": "+reason)
}

func (s *Service) inTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}

	return nil
}

func (s *Service) lockCharge(ctx context.Context, tx Tx, id uuid.UUID) (*charge.Charge, error) {
	c, err := tx.LockCharge(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}

	return c, nil
}

func (s *Service) lockBatch(ctx context.Context, tx Tx, id uuid.UUID) (*batch.Batch, error) {
	b, err := tx.LockBatch(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}

	return b, nil
}

func (s *Service) recordCharge(ctx context.Context, tx Tx, c *charge.Charge, from charge.State, reason, override string) error {
	if override != "" {
		reason = reason + " (override: " + override + ")"
	}

	return s.appendEvent(ctx, tx, &Event{
		EntityType: EntityCharge,
		EntityID:   c.ID,
		From:       string(from),
		To:         string(c.State),
		Reason:     reason,
		Override:   override != "",
	})
}

func (s *Service) appendEvent(ctx context.Context, tx Tx, e *Event) error {
	e.ID = uuid.New()
	e.Actor = auth.Actor(ctx)
	e.At = s.Now()

	if err := tx.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if e.From != e.To {
		metrics.IncTransition(string(e.EntityType), e.To)
	}

	return nil
}

func (s *Service) updateErr(err error) error {
	if errors.Is(err, ErrVersionConflict) {
		return fault.Conflict(err)
	}

	return fmt.Errorf("update ledger: %w", err)
}

func notFound(err error) error {
	if errors.Is(err, charge.ErrNotFound) || errors.Is(err, batch.ErrNotFound) || errors.Is(err, batch.ErrArtifactNotFound) {
		return fault.NotFound(err)
	}

	return err
}
