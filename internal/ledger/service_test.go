package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/MrJamesThe3rd/cobranca/internal/auth"
	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/clock"
	"github.com/MrJamesThe3rd/cobranca/internal/fault"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger/memstore"
)

// now is 40 days after the default due date.
var now = time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newDraft() charge.Draft {
	return charge.Draft{
		Debtor:              charge.Debtor{Name: "Fulano de Tal", TaxID: "12345678901", TaxIDKind: charge.TaxIDCPF},
		Principal:           100000,
		IssueDate:           day(2025, 2, 1),
		DueDate:             day(2025, 3, 1),
		Kind:                charge.KindFine,
		PenaltyRate:         decimal.NewFromInt(2),
		MonthlyInterestRate: decimal.NewFromInt(1),
		Routing:             charge.Routing{BankCode: "001", Branch: "1234", Account: "99999"},
	}
}

func newLedger(t *testing.T) *ledger.Service {
	t.Helper()

	return ledger.NewService(memstore.New(), ledger.WithClock(clock.Fixed(now)))
}

func issued(t *testing.T, svc *ledger.Service) *charge.Charge {
	t.Helper()

	ctx := context.Background()

	c, err := svc.Create(ctx, newDraft())
	require.NoError(t, err)

	c, err = svc.Issue(ctx, c.ID, ledger.IssueParams{})
	require.NoError(t, err)

	return c
}

func TestService_CreateAndIssue(t *testing.T) {
	svc := newLedger(t)
	ctx := auth.WithActor(context.Background(), "maria")

	c, err := svc.Create(ctx, newDraft())
	require.NoError(t, err)
	assert.Equal(t, charge.StateDraft, c.State)
	assert.Empty(t, c.InstrumentNumber)
	assert.Equal(t, int64(1), c.Version)

	c, err = svc.Issue(ctx, c.ID, ledger.IssueParams{})
	require.NoError(t, err)
	assert.Equal(t, charge.StateIssued, c.State)
	assert.Equal(t, "BLT0000000001", c.InstrumentNumber)
	assert.Equal(t, "BLT0000000001", c.Routing.TrackingNumber)
	assert.Equal(t, int64(2), c.Version)

	events, err := svc.Events(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "draft", events[1].From)
	assert.Equal(t, "issued", events[1].To)
	assert.Equal(t, "maria", events[1].Actor)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
}

func TestService_CreateRejectsInvalidDraft(t *testing.T) {
	svc := newLedger(t)

	d := newDraft()
	d.Principal = -1

	_, err := svc.Create(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Contains(t, fault.FieldsOf(err), "principal")
}

func TestService_IssueNumbering(t *testing.T) {
	ctx := context.Background()

	t.Run("DuplicateRequestedNumberIsValidation", func(t *testing.T) {
		svc := newLedger(t)

		first, err := svc.Create(ctx, newDraft())
		require.NoError(t, err)
		_, err = svc.Issue(ctx, first.ID, ledger.IssueParams{InstrumentNumber: "X-1"})
		require.NoError(t, err)

		second, err := svc.Create(ctx, newDraft())
		require.NoError(t, err)
		_, err = svc.Issue(ctx, second.ID, ledger.IssueParams{InstrumentNumber: "X-1"})

		require.Error(t, err)
		assert.ErrorIs(t, err, charge.ErrDuplicateInstrument)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err))

		got, err := svc.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, charge.StateDraft, got.State)
	})

	t.Run("GeneratedCollisionIsFatal", func(t *testing.T) {
		svc := newLedger(t)

		first, err := svc.Create(ctx, newDraft())
		require.NoError(t, err)
		_, err = svc.Issue(ctx, first.ID, ledger.IssueParams{InstrumentNumber: "BLT0000000001"})
		require.NoError(t, err)

		second, err := svc.Create(ctx, newDraft())
		require.NoError(t, err)
		_, err = svc.Issue(ctx, second.ID, ledger.IssueParams{})

		require.Error(t, err)
		assert.ErrorIs(t, err, charge.ErrInstrumentCollision)
		assert.Equal(t, fault.KindFatal, fault.KindOf(err))
		assert.False(t, fault.Retryable(err))
	})

	t.Run("IssueTwiceIsInvalidTransition", func(t *testing.T) {
		svc := newLedger(t)
		c := issued(t, svc)

		_, err := svc.Issue(ctx, c.ID, ledger.IssueParams{})
		assert.ErrorIs(t, err, charge.ErrInvalidTransition)
	})
}

func TestService_GetNotFound(t *testing.T) {
	svc := newLedger(t)

	_, err := svc.Get(context.Background(), uuid.New())
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestService_ListComputesAmounts(t *testing.T) {
	svc := newLedger(t)
	ctx := context.Background()

	issued(t, svc)
	issued(t, svc)

	_, err := svc.Create(ctx, newDraft())
	require.NoError(t, err)

	page, err := svc.List(ctx, ledger.ChargeQuery{States: []charge.State{charge.StateIssued}, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(103333), page.Items[0].Quote.Total)

	_, err = svc.List(ctx, ledger.ChargeQuery{Sort: "colour"})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestService_MarkPaid(t *testing.T) {
	ctx := context.Background()
	paidAt := day(2025, 2, 20)

	type testCase struct {
		name       string
		params     ledger.PaymentParams
		wantErr    error
		wantAmount int64
	}

	tests := []testCase{
		{name: "BeforeDueUsesPrincipal", params: ledger.PaymentParams{PaidAt: paidAt, ProofRef: "pix-1"}, wantAmount: 100000},
		{name: "ExplicitAmount", params: ledger.PaymentParams{PaidAt: paidAt, Amount: new(int64(90000))}, wantAmount: 90000},
		{name: "LateUsesAdjustedAmount", params: ledger.PaymentParams{PaidAt: now}, wantAmount: 103333},
		{name: "MissingPaidAt", params: ledger.PaymentParams{}, wantErr: charge.ErrPaidAtRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newLedger(t)
			c := issued(t, svc)

			got, err := svc.MarkPaid(ctx, c.ID, tt.params)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, fault.KindValidation, fault.KindOf(err))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, charge.StatePaid, got.State)
			require.NotNil(t, got.SnapshotAmount)
			assert.Equal(t, tt.wantAmount, *got.SnapshotAmount)
			assert.Equal(t, tt.wantAmount, got.AmountDue(now.AddDate(1, 0, 0)))
		})
	}
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("ReasonRequired", func(t *testing.T) {
		svc := newLedger(t)
		c := issued(t, svc)

		_, err := svc.Cancel(ctx, c.ID, ledger.CancelParams{})
		assert.ErrorIs(t, err, charge.ErrReasonRequired)
	})

	t.Run("IssuedFreezesAdjustedAmount", func(t *testing.T) {
		svc := newLedger(t)
		c := issued(t, svc)

		got, err := svc.Cancel(ctx, c.ID, ledger.CancelParams{Reason: "debt forgiven"})
		require.NoError(t, err)
		assert.Equal(t, charge.StateCancelled, got.State)
		assert.Equal(t, "debt forgiven", got.CancelReason)
		assert.Equal(t, int64(103333), *got.SnapshotAmount)
	})

	t.Run("PaidCannotBeCancelled", func(t *testing.T) {
		svc := newLedger(t)
		c := issued(t, svc)

		_, err := svc.MarkPaid(ctx, c.ID, ledger.PaymentParams{PaidAt: now})
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, c.ID, ledger.CancelParams{Reason: "late"})
		assert.ErrorIs(t, err, charge.ErrInvalidTransition)

		got, err := svc.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, charge.StatePaid, got.State)
	})

	t.Run("ReservedMustBeReleasedFirst", func(t *testing.T) {
		svc := newLedger(t)
		c := issued(t, svc)

		_, err := svc.OpenBatch(ctx, "001", now, []batch.Pick{{ChargeID: c.ID, Version: c.Version}})
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, c.ID, ledger.CancelParams{Reason: "oops"})
		assert.ErrorIs(t, err, charge.ErrInvalidTransition)
	})
}

func TestService_DeleteDraft(t *testing.T) {
	svc := newLedger(t)
	ctx := context.Background()

	d, err := svc.Create(ctx, newDraft())
	require.NoError(t, err)
	require.NoError(t, svc.DeleteDraft(ctx, d.ID))

	_, err = svc.Get(ctx, d.ID)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	c := issued(t, svc)
	err = svc.DeleteDraft(ctx, c.ID)
	assert.ErrorIs(t, err, charge.ErrNotDraft)
}

func TestService_VersionConflictIsRetryable(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := ledger.NewMockRepository(ctrl)
	tx := ledger.NewMockTx(ctrl)

	c := charge.NewCharge(newDraft(), now)
	c.State = charge.StateIssued
	c.InstrumentNumber = "BLT0000000009"

	repo.EXPECT().Begin(gomock.Any()).Return(tx, nil)
	tx.EXPECT().LockCharge(gomock.Any(), c.ID).Return(c, nil)
	tx.EXPECT().UpdateCharge(gomock.Any(), gomock.Any()).Return(ledger.ErrVersionConflict)
	tx.EXPECT().Rollback().Return(nil)

	svc := ledger.NewService(repo, ledger.WithClock(clock.Fixed(now)))

	_, err := svc.Cancel(context.Background(), c.ID, ledger.CancelParams{Reason: "dup"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrVersionConflict)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
	assert.True(t, fault.Retryable(err))
}

func TestService_BeginFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := ledger.NewMockRepository(ctrl)

	repo.EXPECT().Begin(gomock.Any()).Return(nil, errors.New("connection refused"))

	svc := ledger.NewService(repo)

	_, err := svc.Create(context.Background(), newDraft())
	assert.ErrorContains(t, err, "begin ledger tx")
}
