package assembler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/MrJamesThe3rd/cobranca/internal/assembler"
	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/clock"
	"github.com/MrJamesThe3rd/cobranca/internal/fault"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger/memstore"
	"github.com/MrJamesThe3rd/cobranca/internal/lock"
)

var now = time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)

func TestAssemble_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := assembler.New(assembler.NewMockLedger(ctrl), lock.NewLocal())

	from := now
	to := now.AddDate(0, 0, -1)

	type testCase struct {
		name     string
		bank     string
		criteria batch.Criteria
		field    string
	}

	tests := []testCase{
		{name: "MissingBank", criteria: batch.Criteria{}, field: "bank_code"},
		{name: "NegativeLimit", bank: "001", criteria: batch.Criteria{Limit: -1}, field: "limit"},
		{name: "InvertedRange", bank: "001", criteria: batch.Criteria{DueFrom: &from, DueTo: &to}, field: "due_to"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Assemble(context.Background(), tt.bank, tt.criteria)
			require.Error(t, err)
			assert.Equal(t, fault.KindValidation, fault.KindOf(err))
			assert.Contains(t, fault.FieldsOf(err), tt.field)
		})
	}
}

func TestAssemble_RetriesWhenEveryPickIsLost(t *testing.T) {
	ctrl := gomock.NewController(t)
	l := assembler.NewMockLedger(ctrl)

	first := []batch.Pick{{ChargeID: uuid.New(), Version: 2}}
	second := []batch.Pick{{ChargeID: uuid.New(), Version: 3}}
	want := &batch.Batch{ID: uuid.New(), BankCode: "001", Sequence: 7, Count: 1}

	l.EXPECT().Now().Return(now)
	gomock.InOrder(
		l.EXPECT().Eligible(gomock.Any(), "001", gomock.Any()).Return(first, nil),
		l.EXPECT().OpenBatch(gomock.Any(), "001", now, first).Return(nil, ledger.ErrNothingReserved),
		l.EXPECT().Eligible(gomock.Any(), "001", gomock.Any()).Return(second, nil),
		l.EXPECT().OpenBatch(gomock.Any(), "001", now, second).Return(want, nil),
	)

	got, err := assembler.New(l, lock.NewLocal()).Assemble(context.Background(), "001", batch.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAssemble_GivesUpAfterAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	l := assembler.NewMockLedger(ctrl)

	picks := []batch.Pick{{ChargeID: uuid.New()}}

	l.EXPECT().Now().Return(now)
	l.EXPECT().Eligible(gomock.Any(), "001", gomock.Any()).Return(picks, nil).Times(2)
	l.EXPECT().OpenBatch(gomock.Any(), "001", now, picks).Return(nil, ledger.ErrNothingReserved).Times(2)

	_, err := assembler.New(l, lock.NewLocal(), assembler.WithAttempts(2)).Assemble(context.Background(), "001", batch.Criteria{})
	assert.ErrorIs(t, err, assembler.ErrEmptySelection)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestAssemble_PassesSnapshotDate(t *testing.T) {
	ctrl := gomock.NewController(t)
	l := assembler.NewMockLedger(ctrl)

	snap := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	picks := []batch.Pick{{ChargeID: uuid.New()}}

	l.EXPECT().Now().Return(now)
	l.EXPECT().Eligible(gomock.Any(), "001", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, c batch.Criteria) ([]batch.Pick, error) {
			require.NotNil(t, c.SnapshotAt)
			assert.Equal(t, snap, *c.SnapshotAt)

			return picks, nil
		})
	l.EXPECT().OpenBatch(gomock.Any(), "001", snap, picks).Return(&batch.Batch{}, nil)

	_, err := assembler.New(l, lock.NewLocal()).Assemble(context.Background(), "001", batch.Criteria{SnapshotAt: &snap})
	require.NoError(t, err)
}

func TestAssemble_LedgerError(t *testing.T) {
	ctrl := gomock.NewController(t)
	l := assembler.NewMockLedger(ctrl)

	l.EXPECT().Now().Return(now)
	l.EXPECT().Eligible(gomock.Any(), "001", gomock.Any()).Return(nil, errors.New("db down"))

	_, err := assembler.New(l, lock.NewLocal()).Assemble(context.Background(), "001", batch.Criteria{})
	assert.ErrorContains(t, err, "select eligible charges")
}

func TestAbandon(t *testing.T) {
	ctrl := gomock.NewController(t)
	l := assembler.NewMockLedger(ctrl)
	id := uuid.New()

	l.EXPECT().AbandonBatch(gomock.Any(), id).Return(nil)

	require.NoError(t, assembler.New(l, lock.NewLocal()).Abandon(context.Background(), id))
}

func TestAssemble_NoDoubleReservation(t *testing.T) {
	ctx := context.Background()
	svc := ledger.NewService(memstore.New(), ledger.WithClock(clock.Fixed(now)))

	const charges = 30

	for range charges {
		c, err := svc.Create(ctx, charge.Draft{
			Debtor:              charge.Debtor{Name: "Ciclano", TaxID: "12345678000199", TaxIDKind: charge.TaxIDCNPJ},
			Principal:           5000,
			IssueDate:           now.AddDate(0, -2, 0),
			DueDate:             now.AddDate(0, -1, 0),
			Kind:                charge.KindFee,
			MonthlyInterestRate: decimal.NewFromInt(1),
			Routing:             charge.Routing{BankCode: "001"},
		})
		require.NoError(t, err)

		_, err = svc.Issue(ctx, c.ID, ledger.IssueParams{})
		require.NoError(t, err)
	}

	// Separate lockers so only the ledger keeps the assemblers apart.
	const workers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		batches []*batch.Batch
	)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			a := assembler.New(svc, lock.NewLocal())

			b, err := a.Assemble(ctx, "001", batch.Criteria{Limit: 10})
			if err != nil {
				assert.ErrorIs(t, err, assembler.ErrEmptySelection)
				return
			}

			mu.Lock()
			batches = append(batches, b)
			mu.Unlock()
		}()
	}

	wg.Wait()

	seen := make(map[uuid.UUID]uuid.UUID)
	reserved := 0

	for _, b := range batches {
		for _, it := range b.Items {
			other, dup := seen[it.ChargeID]
			assert.False(t, dup, "charge %s in batches %s and %s", it.ChargeID, other, b.ID)
			seen[it.ChargeID] = b.ID
			reserved++
		}
	}

	assert.Positive(t, reserved)

	page, err := svc.List(ctx, ledger.ChargeQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, charges)

	for _, it := range page.Items {
		c := it.Charge

		batchID, inBatch := seen[c.ID]
		if !inBatch {
			assert.Equal(t, charge.StateIssued, c.State)
			continue
		}

		assert.Equal(t, charge.StateReserved, c.State)
		assert.Equal(t, batchID, *c.BatchID)
	}
}
