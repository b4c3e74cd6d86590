// Package assembler groups eligible charges into batches for one bank.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/fault"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
	"github.com/MrJamesThe3rd/cobranca/internal/lock"
	"github.com/MrJamesThe3rd/cobranca/internal/metrics"
)

const defaultAttempts = 3

var (
	// ErrEmptySelection means no charge matched the criteria, or every match
	// was reserved by someone else before this assembler could.
	ErrEmptySelection = errors.New("assembler: no eligible charges")
	ErrBankRequired   = errors.New("assembler: bank code required")
)

//go:generate mockgen -source=assembler.go -destination=ledger_mock.go -package=assembler
type Ledger interface {
	Now() time.Time
	Eligible(ctx context.Context, bankCode string, c batch.Criteria) ([]batch.Pick, error)
	OpenBatch(ctx context.Context, bankCode string, snapshotAt time.Time, picks []batch.Pick) (*batch.Batch, error)
	AbandonBatch(ctx context.Context, id uuid.UUID) error
}

type Assembler struct {
	ledger   Ledger
	locker   lock.Locker
	attempts int
	logger   *slog.Logger
}

type Option func(*Assembler)

// WithAttempts bounds how often availability is re-read after every pick was lost.
func WithAttempts(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.attempts = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

func New(l Ledger, locker lock.Locker, opts ...Option) *Assembler {
	a := &Assembler{
		ledger:   l,
		locker:   locker,
		attempts: defaultAttempts,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Assemble snapshots the amounts of the charges matching c and reserves them
// into a new batch for bankCode.
func (a *Assembler) Assemble(ctx context.Context, bankCode string, c batch.Criteria) (*batch.Batch, error) {
	b, err := a.assemble(ctx, bankCode, c)
	if err != nil {
		metrics.ObserveAssemble(metrics.ResultError, 0)
		return nil, err
	}

	metrics.ObserveAssemble(metrics.ResultSuccess, b.Count)
	a.logger.Info("batch assembled", "batch_id", b.ID, "reference", b.Reference(), "charges", b.Count, "total", b.Total)

	return b, nil
}

func (a *Assembler) assemble(ctx context.Context, bankCode string, c batch.Criteria) (*batch.Batch, error) {
	if bankCode == "" {
		return nil, fault.Validation("bank_code", ErrBankRequired)
	}

	if c.Limit < 0 {
		return nil, fault.Validation("limit", errors.New("must be >= 0"))
	}

	if c.DueFrom != nil && c.DueTo != nil && c.DueTo.Before(*c.DueFrom) {
		return nil, fault.Validation("due_to", errors.New("must not be before due_from"))
	}

	unlock, err := a.locker.Lock(ctx, "assemble:"+bankCode)
	if err != nil {
		return nil, lockErr(err)
	}
	defer unlock()

	snapshotAt := a.ledger.Now()
	if c.SnapshotAt != nil {
		snapshotAt = *c.SnapshotAt
	}

	c.SnapshotAt = &snapshotAt

	for attempt := 1; attempt <= a.attempts; attempt++ {
		picks, err := a.ledger.Eligible(ctx, bankCode, c)
		if err != nil {
			return nil, fmt.Errorf("select eligible charges: %w", err)
		}

		if len(picks) == 0 {
			break
		}

		b, err := a.ledger.OpenBatch(ctx, bankCode, snapshotAt, picks)
		if errors.Is(err, ledger.ErrNothingReserved) {
			a.logger.Debug("every pick was taken, re-reading", "bank_code", bankCode, "attempt", attempt)
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("open batch: %w", err)
		}

		return b, nil
	}

	return nil, fault.Validation("criteria", ErrEmptySelection)
}

// Abandon discards an Assembled batch and releases its charges.
func (a *Assembler) Abandon(ctx context.Context, batchID uuid.UUID) error {
	unlock, err := a.locker.Lock(ctx, "batch:"+batchID.String())
	if err != nil {
		return lockErr(err)
	}
	defer unlock()

	if err := a.ledger.AbandonBatch(ctx, batchID); err != nil {
		return fmt.Errorf("abandon batch: %w", err)
	}

	a.logger.Info("batch abandoned", "batch_id", batchID)

	return nil
}

func lockErr(err error) error {
	if errors.Is(err, lock.ErrNotObtained) {
		return fault.Conflict(err)
	}

	return fault.Collaborator(err)
}
