package remittance

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/fault"
	"github.com/MrJamesThe3rd/cobranca/internal/lock"
	"github.com/MrJamesThe3rd/cobranca/internal/metrics"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrBatchMismatch is a return file that names another batch.
	ErrBatchMismatch = errors.New("remittance: return file belongs to another batch")
	ErrCodecTimeout  = errors.New("remittance: codec timed out")
	ErrUnreadable    = errors.New("remittance: unreadable return file")
	ErrNotDispatched = errors.New("remittance: batch is not awaiting returns")

	// ErrOutcomesFailed reports outcomes the ledger could not apply. They stay
	// awaiting and are listed as anomalies in the Result.
	ErrOutcomesFailed = errors.New("remittance: outcomes not applied")
)

// Ledger is the subset of the charge ledger the exchange drives.
type Ledger interface {
	Get(ctx context.Context, id uuid.UUID) (*charge.Charge, error)
	GetBatch(ctx context.Context, id uuid.UUID) (*batch.Batch, error)
	DispatchBatch(ctx context.Context, id uuid.UUID, version int64, a *batch.Artifact) (*batch.Batch, error)
	RecordInbound(ctx context.Context, id uuid.UUID, a *batch.Artifact) (*batch.Batch, error)
	ApplyOutcome(ctx context.Context, batchID uuid.UUID, o batch.Outcome) (batch.Applied, error)
	SettleBatch(ctx context.Context, id uuid.UUID) (*batch.Batch, error)
	FailBatch(ctx context.Context, id uuid.UUID, a *batch.Artifact, anomaly string) (*batch.Batch, error)
	ReopenBatch(ctx context.Context, id uuid.UUID, reason string) (*batch.Batch, error)
}

// Result summarises one ingested return file.
type Result struct {
	BatchID    uuid.UUID       `json:"batch_id"`
	Reference  string          `json:"reference"`
	Confirmed  int             `json:"confirmed"`
	Rejected   int             `json:"rejected"`
	Pending    int             `json:"pending"`
	Anomalous  int             `json:"anomalous"`
	Items      []batch.Applied `json:"items"`
	Anomalies  []string        `json:"anomalies"`
	BatchState batch.State     `json:"batch_state"`
}

type Exchange struct {
	ledger  Ledger
	codecs  *Registry
	locker  lock.Locker
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Exchange)

// WithTimeout bounds every codec call unless the caller's context is tighter.
func WithTimeout(d time.Duration) Option {
	return func(e *Exchange) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Exchange) { e.logger = l }
}

func NewExchange(l Ledger, codecs *Registry, locker lock.Locker, opts ...Option) *Exchange {
	e := &Exchange{
		ledger:  l,
		codecs:  codecs,
		locker:  locker,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Dispatch encodes an Assembled batch and, only if encoding succeeds, records
// the outbound artifact and moves the batch and its charges to in transit.
func (e *Exchange) Dispatch(ctx context.Context, batchID uuid.UUID) (*batch.Artifact, error) {
	start := time.Now()

	a, err := e.dispatch(ctx, batchID)
	if err != nil {
		metrics.ObserveDispatch(metrics.ResultError, time.Since(start))
		return nil, err
	}

	metrics.ObserveDispatch(metrics.ResultSuccess, time.Since(start))

	return a, nil
}

func (e *Exchange) dispatch(ctx context.Context, batchID uuid.UUID) (*batch.Artifact, error) {
	unlock, err := e.lock(ctx, batchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := e.ledger.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	if b.State != batch.StateAssembled {
		return nil, fault.Validation("state", fmt.Errorf("%w: cannot dispatch %s batch", batch.ErrInvalidTransition, b.State))
	}

	codec, err := e.codecs.For(b.BankCode)
	if err != nil {
		return nil, fault.Fatal(err)
	}

	out, err := e.outbound(ctx, b)
	if err != nil {
		return nil, err
	}

	content, err := run(ctx, e.timeout, func(ctx context.Context) ([]byte, error) {
		return codec.Encode(ctx, out)
	})
	if err != nil {
		e.logger.Error("encode remittance failed", "batch_id", b.ID, "reference", b.Reference(), "layout", codec.Layout(), "error", err)
		return nil, fault.Collaborator(fmt.Errorf("encode %s: %w", b.Reference(), err))
	}

	a := newArtifact(b.Reference()+codec.Extension(), content)

	dispatched, err := e.ledger.DispatchBatch(ctx, b.ID, b.Version, a)
	if err != nil {
		return nil, fmt.Errorf("record dispatch: %w", err)
	}

	e.logger.Info("batch dispatched",
		"batch_id", dispatched.ID,
		"reference", dispatched.Reference(),
		"charges", dispatched.Count,
		"total", dispatched.Total,
		"artifact_id", a.ID,
	)

	return a, nil
}

func (e *Exchange) outbound(ctx context.Context, b *batch.Batch) (Outbound, error) {
	out := Outbound{
		Reference:  b.Reference(),
		BankCode:   b.BankCode,
		Sequence:   b.Sequence,
		SnapshotAt: b.SnapshotAt,
		Count:      b.Count,
		Total:      b.Total,
		Items:      make([]OutboundItem, 0, len(b.Items)),
	}

	for _, it := range b.Items {
		c, err := e.ledger.Get(ctx, it.ChargeID)
		if err != nil {
			return Outbound{}, fmt.Errorf("load charge %s: %w", it.ChargeID, err)
		}

		out.Items = append(out.Items, OutboundItem{
			InstrumentNumber: it.InstrumentNumber,
			TrackingNumber:   c.Routing.TrackingNumber,
			Amount:           it.Amount,
			DueDate:          c.DueDate,
			DebtorName:       c.Debtor.Name,
			DebtorTaxID:      c.Debtor.TaxID,
		})
	}

	return out, nil
}

// Ingest decodes a return file in full and then applies its outcomes one
// charge at a time. Unknown, duplicate or stale outcomes are reported as
// anomalies in the result. If ctx is cancelled between outcomes, the outcomes
// applied so far stay applied and the partial result is returned alongside a
// collaborator error. An outcome the ledger fails to apply is listed as an
// anomaly and the remaining outcomes are still applied; the full result then
// comes back with an anomaly error.
func (e *Exchange) Ingest(ctx context.Context, batchID uuid.UUID, filename string, r io.Reader) (*Result, error) {
	start := time.Now()

	res, err := e.ingest(ctx, batchID, filename, r)
	if err != nil {
		metrics.ObserveIngest(metrics.ResultError, time.Since(start))
		return res, err
	}

	metrics.ObserveIngest(metrics.ResultSuccess, time.Since(start))

	return res, nil
}

func (e *Exchange) ingest(ctx context.Context, batchID uuid.UUID, filename string, r io.Reader) (*Result, error) {
	unlock, err := e.lock(ctx, batchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.Collaborator(fmt.Errorf("read return file: %w", err))
	}

	b, err := e.ledger.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	if b.State != batch.StateDispatched {
		return nil, fault.Fatal(fmt.Errorf("%w: %s is %s", ErrNotDispatched, b.Reference(), b.State))
	}

	codec, err := e.codecs.For(b.BankCode)
	if err != nil {
		return nil, fault.Fatal(err)
	}

	if filename == "" {
		filename = b.Reference() + ".ret"
	}

	ret, err := run(ctx, e.timeout, func(ctx context.Context) (*batch.Return, error) {
		return codec.Decode(ctx, bytes.NewReader(raw))
	})
	if errors.Is(err, ErrCodecTimeout) {
		return nil, fault.Collaborator(fmt.Errorf("decode %s: %w", filename, err))
	}

	if err != nil {
		e.logger.Error("return file unreadable", "batch_id", b.ID, "reference", b.Reference(), "filename", filename, "error", err)

		if _, failErr := e.ledger.FailBatch(context.WithoutCancel(ctx), b.ID, newArtifact(filename, raw), err.Error()); failErr != nil {
			return nil, fmt.Errorf("park batch in error: %w", failErr)
		}

		return nil, fault.Fatal(fmt.Errorf("%w: %w", ErrUnreadable, err))
	}

	if ret.BatchRef != b.Reference() {
		return nil, fault.Fatal(fmt.Errorf("%w: file names %q, batch is %q", ErrBatchMismatch, ret.BatchRef, b.Reference()))
	}

	if _, err := e.ledger.RecordInbound(context.WithoutCancel(ctx), b.ID, newArtifact(filename, raw)); err != nil {
		return nil, fmt.Errorf("store return file: %w", err)
	}

	res := &Result{
		BatchID:    b.ID,
		Reference:  b.Reference(),
		Items:      make([]batch.Applied, 0, len(ret.Outcomes)),
		BatchState: b.State,
	}

	var (
		cancelled error
		failed    int
	)

	for _, o := range ret.Outcomes {
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}

		applied, err := e.ledger.ApplyOutcome(context.WithoutCancel(ctx), b.ID, o)
		if err != nil {
			e.logger.Error("failed to apply outcome", "batch_id", b.ID, "charge_ref", o.ChargeRef, "error", err)

			applied.Changed = false
			applied.Anomaly = "not applied: " + err.Error()
			failed++
		}

		e.tally(res, b, applied)
	}

	settled, err := e.ledger.SettleBatch(context.WithoutCancel(ctx), b.ID)
	if err != nil {
		return res, fmt.Errorf("settle batch: %w", err)
	}

	res.BatchState = settled.State

	metrics.AddReconciled(string(batch.OutcomePaid), res.Confirmed)
	metrics.AddReconciled(string(batch.OutcomeRejected), res.Rejected)
	metrics.AddReconciled(string(batch.OutcomePending), res.Pending)
	metrics.AddReconciled("anomaly", res.Anomalous)

	e.logger.Info("return file applied",
		"batch_id", b.ID,
		"reference", res.Reference,
		"confirmed", res.Confirmed,
		"rejected", res.Rejected,
		"pending", res.Pending,
		"anomalous", res.Anomalous,
		"batch_state", res.BatchState,
	)

	if cancelled != nil {
		return res, fault.Collaborator(fmt.Errorf("ingest interrupted after %d of %d outcomes: %w", len(res.Items), len(ret.Outcomes), cancelled))
	}

	if failed > 0 {
		return res, fault.Anomaly(fmt.Errorf("%w: %d of %d", ErrOutcomesFailed, failed, len(ret.Outcomes)))
	}

	return res, nil
}

func (e *Exchange) tally(res *Result, b *batch.Batch, applied batch.Applied) {
	res.Items = append(res.Items, applied)

	if applied.Anomaly != "" {
		res.Anomalous++
		res.Anomalies = append(res.Anomalies, applied.ChargeRef+": "+applied.Anomaly)

		e.logger.Warn("return file anomaly",
			"batch_id", b.ID,
			"reference", b.Reference(),
			"charge_ref", applied.ChargeRef,
			"charge_id", applied.ChargeID,
			"anomaly", applied.Anomaly,
		)

		return
	}

	switch applied.Kind {
	case batch.OutcomePaid:
		res.Confirmed++
	case batch.OutcomeRejected:
		res.Rejected++
	case batch.OutcomePending:
		res.Pending++
	}

	if applied.Note != "" {
		e.logger.Warn("paid amount differs from snapshot", "batch_id", b.ID, "charge_ref", applied.ChargeRef, "note", applied.Note)
	}
}

// Reopen moves an Error batch back to Dispatched so a corrected return file
// can be ingested.
func (e *Exchange) Reopen(ctx context.Context, batchID uuid.UUID, reason string) (*batch.Batch, error) {
	unlock, err := e.lock(ctx, batchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := e.ledger.ReopenBatch(ctx, batchID, reason)
	if err != nil {
		return nil, err
	}

	e.logger.Info("batch reopened", "batch_id", b.ID, "reference", b.Reference(), "reason", reason)

	return b, nil
}

func (e *Exchange) lock(ctx context.Context, batchID uuid.UUID) (func(), error) {
	unlock, err := e.locker.Lock(ctx, "batch:"+batchID.String())
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, fault.Conflict(err)
	}

	if err != nil {
		return nil, fault.Collaborator(err)
	}

	return unlock, nil
}

func newArtifact(filename string, content []byte) *batch.Artifact {
	sum := sha256.Sum256(content)

	return &batch.Artifact{
		ID:       uuid.New(),
		Filename: filename,
		Checksum: hex.EncodeToString(sum[:]),
		Content:  content,
	}
}

// run calls fn under a timeout and gives up waiting once it expires, even if
// fn ignores its context.
func run[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}

	done := make(chan outcome, 1)

	go func() {
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()

	var zero T

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %w", ErrCodecTimeout, ctx.Err())
		}

		return o.v, o.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %w", ErrCodecTimeout, ctx.Err())
	}
}
