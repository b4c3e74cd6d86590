// Package report aggregates ledger state for the back office. It only reads.
package report

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/fault"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
	"github.com/MrJamesThe3rd/cobranca/internal/policy"
)

var ErrInvalidRange = errors.New("report: range end before start")

//go:generate mockgen -source=report.go -destination=ledger_mock.go -package=report
type Ledger interface {
	Now() time.Time
	List(ctx context.Context, q ledger.ChargeQuery) (*ledger.Page, error)
	ListBatches(ctx context.Context, q ledger.BatchQuery) ([]*batch.Batch, error)
}

type Reporter struct {
	ledger Ledger
}

func New(l Ledger) *Reporter {
	return &Reporter{ledger: l}
}

// DateRange bounds charges by issue date, inclusive. Zero values are open.
type DateRange struct {
	From time.Time
	To   time.Time
}

type Bucket struct {
	Count     int   `json:"count"`
	Principal int64 `json:"principal"`
	Amount    int64 `json:"amount"`
}

func (b *Bucket) add(c *charge.Charge, amount int64) {
	b.Count++
	b.Principal += c.Principal
	b.Amount += amount
}

type Statistics struct {
	From    *time.Time              `json:"from,omitempty"`
	To      *time.Time              `json:"to,omitempty"`
	AsOf    time.Time               `json:"as_of"`
	Total   Bucket                  `json:"total"`
	ByState map[charge.State]Bucket `json:"by_state"`
	ByBank  map[string]Bucket       `json:"by_bank"`
	Batches map[batch.State]int     `json:"batches"`
}

// Statistics counts and sums charges issued in r per state and per bank.
// Amounts are as of now for live charges and the stored snapshot otherwise.
func (r *Reporter) Statistics(ctx context.Context, rng DateRange) (*Statistics, error) {
	if !rng.From.IsZero() && !rng.To.IsZero() && rng.To.Before(rng.From) {
		return nil, fault.Validation("to", ErrInvalidRange)
	}

	q := ledger.ChargeQuery{}
	stats := &Statistics{
		ByState: make(map[charge.State]Bucket, len(charge.States)),
		ByBank:  make(map[string]Bucket),
		Batches: make(map[batch.State]int, len(batch.States)),
	}

	if !rng.From.IsZero() {
		q.IssuedFrom = new(rng.From)
		stats.From = q.IssuedFrom
	}

	if !rng.To.IsZero() {
		q.IssuedTo = new(rng.To)
		stats.To = q.IssuedTo
	}

	page, err := r.ledger.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}

	stats.AsOf = page.AsOf

	for _, st := range charge.States {
		stats.ByState[st] = Bucket{}
	}

	for _, it := range page.Items {
		c := it.Charge
		amount := it.Quote.Total

		stats.Total.add(c, amount)

		byState := stats.ByState[c.State]
		byState.add(c, amount)
		stats.ByState[c.State] = byState

		byBank := stats.ByBank[c.Routing.BankCode]
		byBank.add(c, amount)
		stats.ByBank[c.Routing.BankCode] = byBank
	}

	batches, err := r.ledger.ListBatches(ctx, ledger.BatchQuery{})
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	for _, st := range batch.States {
		stats.Batches[st] = 0
	}

	for _, b := range batches {
		stats.Batches[b.State]++
	}

	return stats, nil
}

type OverdueItem struct {
	ChargeID         uuid.UUID        `json:"charge_id"`
	InstrumentNumber string           `json:"instrument_number"`
	DebtorName       string           `json:"debtor_name"`
	BankCode         string           `json:"bank_code"`
	State            charge.State     `json:"state"`
	DueDate          time.Time        `json:"due_date"`
	Breakdown        policy.Breakdown `json:"breakdown"`
}

type Overdue struct {
	AsOf      time.Time     `json:"as_of"`
	Count     int           `json:"count"`
	Principal int64         `json:"principal"`
	Total     int64         `json:"total"`
	Items     []OverdueItem `json:"items"`
}

// Overdue lists charges still owed past their due date, most overdue first,
// with amounts computed as of asOf. A zero asOf means now.
func (r *Reporter) Overdue(ctx context.Context, asOf time.Time) (*Overdue, error) {
	if asOf.IsZero() {
		asOf = r.ledger.Now()
	}

	page, err := r.ledger.List(ctx, ledger.ChargeQuery{
		States: []charge.State{charge.StateIssued, charge.StateReserved, charge.StateRejected},
		DueTo:  new(asOf),
		Sort:   ledger.SortDueDate,
	})
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}

	out := &Overdue{AsOf: asOf, Items: []OverdueItem{}}

	for _, it := range page.Items {
		c := it.Charge
		if !c.Overdue(asOf) {
			continue
		}

		b := c.Quote(asOf)

		out.Items = append(out.Items, OverdueItem{
			ChargeID:         c.ID,
			InstrumentNumber: c.InstrumentNumber,
			DebtorName:       c.Debtor.Name,
			BankCode:         c.Routing.BankCode,
			State:            c.State,
			DueDate:          c.DueDate,
			Breakdown:        b,
		})
		out.Count++
		out.Principal += c.Principal
		out.Total += b.Total
	}

	return out, nil
}

type BatchSummary struct {
	ID           uuid.UUID   `json:"id"`
	Reference    string      `json:"reference"`
	BankCode     string      `json:"bank_code"`
	State        batch.State `json:"state"`
	Count        int         `json:"count"`
	Total        int64       `json:"total"`
	Awaiting     int         `json:"awaiting"`
	Paid         int         `json:"paid"`
	Rejected     int         `json:"rejected"`
	Withdrawn    int         `json:"withdrawn"`
	Anomaly      string      `json:"anomaly,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	DispatchedAt *time.Time  `json:"dispatched_at,omitempty"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
}

// Batches summarises batches with their item resolution tallies, newest first.
func (r *Reporter) Batches(ctx context.Context, q ledger.BatchQuery) ([]BatchSummary, error) {
	batches, err := r.ledger.ListBatches(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	out := make([]BatchSummary, 0, len(batches))

	for _, b := range batches {
		tally := b.Tally()

		out = append(out, BatchSummary{
			ID:           b.ID,
			Reference:    b.Reference(),
			BankCode:     b.BankCode,
			State:        b.State,
			Count:        b.Count,
			Total:        b.Total,
			Awaiting:     tally[batch.ResolutionAwaiting],
			Paid:         tally[batch.ResolutionPaid],
			Rejected:     tally[batch.ResolutionRejected],
			Withdrawn:    tally[batch.ResolutionWithdrawn],
			Anomaly:      b.Anomaly,
			CreatedAt:    b.CreatedAt,
			DispatchedAt: b.DispatchedAt,
			ProcessedAt:  b.ProcessedAt,
		})
	}

	slices.SortStableFunc(out, func(a, b BatchSummary) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return out, nil
}
