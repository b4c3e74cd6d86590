package remittance_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/clock"
	"github.com/MrJamesThe3rd/cobranca/internal/fault"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger/memstore"
	"github.com/MrJamesThe3rd/cobranca/internal/lock"
	"github.com/MrJamesThe3rd/cobranca/internal/remittance"
	"github.com/MrJamesThe3rd/cobranca/internal/remittance/textfile"
)

var now = time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ledger *ledger.Service
	batch  *batch.Batch
}

// assembled issues n charges and reserves them into one batch for bank 001.
func assembled(t *testing.T, n int) fixture {
	t.Helper()

	ctx := context.Background()
	svc := ledger.NewService(memstore.New(), ledger.WithClock(clock.Fixed(now)))

	for range n {
		c, err := svc.Create(ctx, charge.Draft{
			Debtor:              charge.Debtor{Name: "Fulano", TaxID: "12345678901", TaxIDKind: charge.TaxIDCPF},
			Principal:           100000,
			IssueDate:           time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
			DueDate:             time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			Kind:                charge.KindFine,
			PenaltyRate:         decimal.NewFromInt(2),
			MonthlyInterestRate: decimal.NewFromInt(1),
			Routing:             charge.Routing{BankCode: "001"},
		})
		require.NoError(t, err)

		_, err = svc.Issue(ctx, c.ID, ledger.IssueParams{})
		require.NoError(t, err)
	}

	picks, err := svc.Eligible(ctx, "001", batch.Criteria{})
	require.NoError(t, err)

	b, err := svc.OpenBatch(ctx, "001", now, picks)
	require.NoError(t, err)

	return fixture{ledger: svc, batch: b}
}

func newExchange(f fixture, codec remittance.Codec, opts ...remittance.Option) *remittance.Exchange {
	return remittance.NewExchange(f.ledger, remittance.NewRegistry(codec), lock.NewLocal(), opts...)
}

func returnFile(ref string, lines ...string) string {
	var sb strings.Builder

	sb.WriteString("RETORNO;" + ref + ";001;11-04-2025\n")

	for _, l := range lines {
		sb.WriteString(l + "\n")
	}

	fmt.Fprintf(&sb, "T;%d\n", len(lines))

	return sb.String()
}

func detail(it batch.Item, status string) string {
	return fmt.Sprintf("D;%s;%s;%s;10-04-2025 10:00;", it.InstrumentNumber, status, strings.Replace(decimal.New(it.Amount, -2).StringFixed(2), ".", ",", 1))
}

func assertStates(t *testing.T, f fixture, want charge.State) {
	t.Helper()

	for _, it := range f.batch.Items {
		c, err := f.ledger.Get(context.Background(), it.ChargeID)
		require.NoError(t, err)
		assert.Equal(t, want, c.State, "charge %s", it.InstrumentNumber)
	}
}

func TestExchange_Dispatch(t *testing.T) {
	f := assembled(t, 2)
	ex := newExchange(f, textfile.New())

	a, err := ex.Dispatch(context.Background(), f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "001-000001.rem", a.Filename)
	assert.Equal(t, batch.DirectionOutbound, a.Direction)

	sum := sha256.Sum256(a.Content)
	assert.Equal(t, hex.EncodeToString(sum[:]), a.Checksum)
	assert.Contains(t, string(a.Content), "REMESSA;001-000001;001;1;10-04-2025")
	assert.Contains(t, string(a.Content), "T;2;2066,66")

	b, err := f.ledger.GetBatch(context.Background(), f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StateDispatched, b.State)
	assert.Equal(t, a.ID, *b.OutboundArtifactID)

	assertStates(t, f, charge.StateInTransit)

	_, err = ex.Dispatch(context.Background(), f.batch.ID)
	assert.ErrorIs(t, err, batch.ErrInvalidTransition)
}

func TestExchange_DispatchIsAtomic(t *testing.T) {
	type testCase struct {
		name  string
		setup func(codec *remittance.MockCodec)
	}

	tests := []testCase{
		{
			name: "CodecFails",
			setup: func(codec *remittance.MockCodec) {
				codec.EXPECT().Encode(gomock.Any(), gomock.Any()).Return(nil, errors.New("printer on fire"))
			},
		},
		{
			name: "CodecHangs",
			setup: func(codec *remittance.MockCodec) {
				codec.EXPECT().Encode(gomock.Any(), gomock.Any()).DoAndReturn(
					func(ctx context.Context, _ remittance.Outbound) ([]byte, error) {
						<-ctx.Done()
						return nil, ctx.Err()
					})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			codec := remittance.NewMockCodec(ctrl)
			codec.EXPECT().Layout().Return("mock").AnyTimes()
			tt.setup(codec)

			f := assembled(t, 3)
			ex := newExchange(f, codec, remittance.WithTimeout(20*time.Millisecond))

			_, err := ex.Dispatch(context.Background(), f.batch.ID)
			require.Error(t, err)
			assert.Equal(t, fault.KindCollaborator, fault.KindOf(err))
			assert.True(t, fault.Retryable(err))

			b, err := f.ledger.GetBatch(context.Background(), f.batch.ID)
			require.NoError(t, err)
			assert.Equal(t, batch.StateAssembled, b.State)
			assert.Nil(t, b.OutboundArtifactID)
			assert.Equal(t, f.batch.Version, b.Version)

			assertStates(t, f, charge.StateReserved)
		})
	}
}

func TestExchange_IngestPartialThenComplete(t *testing.T) {
	ctx := context.Background()
	f := assembled(t, 3)
	ex := newExchange(f, textfile.New())

	_, err := ex.Dispatch(ctx, f.batch.ID)
	require.NoError(t, err)

	items := f.batch.Items
	first := returnFile("001-000001",
		detail(items[0], "PAGO"),
		detail(items[1], "PAGO"),
		detail(items[2], "PENDENTE"),
	)

	res, err := ex.Ingest(ctx, f.batch.ID, "ret1.txt", strings.NewReader(first))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Confirmed)
	assert.Equal(t, 1, res.Pending)
	assert.Zero(t, res.Anomalous)
	assert.Equal(t, batch.StateDispatched, res.BatchState)

	c, err := f.ledger.Get(ctx, items[2].ChargeID)
	require.NoError(t, err)
	assert.Equal(t, charge.StateInTransit, c.State)

	second := returnFile("001-000001", detail(items[2], "PAGO"))

	res, err = ex.Ingest(ctx, f.batch.ID, "ret2.txt", strings.NewReader(second))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, batch.StateProcessed, res.BatchState)

	assertStates(t, f, charge.StatePaid)

	b, err := f.ledger.GetBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Len(t, b.InboundArtifactIDs, 2)
}

func TestExchange_IngestReplayIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := assembled(t, 2)
	ex := newExchange(f, textfile.New())

	_, err := ex.Dispatch(ctx, f.batch.ID)
	require.NoError(t, err)

	items := f.batch.Items
	file := returnFile("001-000001", detail(items[0], "PAGO"), detail(items[1], "PENDENTE"))

	_, err = ex.Ingest(ctx, f.batch.ID, "", strings.NewReader(file))
	require.NoError(t, err)

	before, err := f.ledger.Get(ctx, items[0].ChargeID)
	require.NoError(t, err)

	res, err := ex.Ingest(ctx, f.batch.ID, "", strings.NewReader(file))
	require.NoError(t, err)
	assert.Zero(t, res.Confirmed)
	assert.Equal(t, 1, res.Anomalous)
	assert.Equal(t, 1, res.Pending)
	require.Len(t, res.Anomalies, 1)
	assert.Contains(t, res.Anomalies[0], "duplicate outcome")

	after, err := f.ledger.Get(ctx, items[0].ChargeID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, charge.StatePaid, after.State)
}

func TestExchange_IngestRejectedAndUnknown(t *testing.T) {
	ctx := context.Background()
	f := assembled(t, 2)
	ex := newExchange(f, textfile.New())

	_, err := ex.Dispatch(ctx, f.batch.ID)
	require.NoError(t, err)

	items := f.batch.Items
	file := returnFile("001-000001",
		detail(items[0], "REJEITADO"),
		"D;BLT9999999999;PAGO;1,00;;",
		detail(items[1], "PAGO"),
		detail(items[1], "PAGO"),
	)

	res, err := ex.Ingest(ctx, f.batch.ID, "", strings.NewReader(file))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 2, res.Anomalous)
	assert.Len(t, res.Items, 4)
	assert.Equal(t, batch.StateProcessed, res.BatchState)

	c, err := f.ledger.Get(ctx, items[0].ChargeID)
	require.NoError(t, err)
	assert.Equal(t, charge.StateRejected, c.State)
}

func TestExchange_IngestReferenceMismatch(t *testing.T) {
	ctx := context.Background()
	f := assembled(t, 1)
	ex := newExchange(f, textfile.New())

	_, err := ex.Dispatch(ctx, f.batch.ID)
	require.NoError(t, err)

	file := returnFile("001-000099", detail(f.batch.Items[0], "PAGO"))

	_, err = ex.Ingest(ctx, f.batch.ID, "", strings.NewReader(file))
	require.Error(t, err)
	assert.ErrorIs(t, err, remittance.ErrBatchMismatch)
	assert.Equal(t, fault.KindFatal, fault.KindOf(err))

	b, err := f.ledger.GetBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StateDispatched, b.State)
	assert.Empty(t, b.InboundArtifactIDs)

	assertStates(t, f, charge.StateInTransit)
}

func TestExchange_IngestUnreadable(t *testing.T) {
	ctx := context.Background()
	f := assembled(t, 1)
	ex := newExchange(f, textfile.New())

	_, err := ex.Dispatch(ctx, f.batch.ID)
	require.NoError(t, err)

	_, err = ex.Ingest(ctx, f.batch.ID, "ret.txt", strings.NewReader("this is not a return file"))
	require.Error(t, err)
	assert.ErrorIs(t, err, remittance.ErrUnreadable)
	assert.Equal(t, fault.KindFatal, fault.KindOf(err))

	b, err := f.ledger.GetBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StateError, b.State)
	assert.Contains(t, b.Anomaly, "missing RETORNO header")
	require.Len(t, b.InboundArtifactIDs, 1)

	a, err := f.ledger.Artifact(ctx, b.InboundArtifactIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "this is not a return file", string(a.Content))

	_, err = ex.Ingest(ctx, f.batch.ID, "", strings.NewReader(returnFile("001-000001")))
	assert.ErrorIs(t, err, remittance.ErrNotDispatched)

	reopened, err := ex.Reopen(ctx, f.batch.ID, "bank resent the file")
	require.NoError(t, err)
	assert.Equal(t, batch.StateDispatched, reopened.State)

	res, err := ex.Ingest(ctx, f.batch.ID, "", strings.NewReader(returnFile("001-000001", detail(f.batch.Items[0], "PAGO"))))
	require.NoError(t, err)
	assert.Equal(t, batch.StateProcessed, res.BatchState)
}

func TestExchange_IngestDecodeTimeout(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	codec := remittance.NewMockCodec(ctrl)

	f := assembled(t, 1)
	ex := newExchange(f, textfile.New())

	_, err := ex.Dispatch(ctx, f.batch.ID)
	require.NoError(t, err)

	codec.EXPECT().Decode(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ io.Reader) (*batch.Return, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	slow := remittance.NewExchange(f.ledger, remittance.NewRegistry(codec), lock.NewLocal(), remittance.WithTimeout(20*time.Millisecond))

	_, err = slow.Ingest(ctx, f.batch.ID, "", strings.NewReader("whatever"))
	require.Error(t, err)
	assert.ErrorIs(t, err, remittance.ErrCodecTimeout)
	assert.Equal(t, fault.KindCollaborator, fault.KindOf(err))

	b, err := f.ledger.GetBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StateDispatched, b.State)
	assert.Empty(t, b.InboundArtifactIDs)
}

// cancellingLedger cancels the ingest context after the first applied outcome.
type cancellingLedger struct {
	*ledger.Service
	cancel context.CancelFunc
}

func (l cancellingLedger) ApplyOutcome(ctx context.Context, batchID uuid.UUID, o batch.Outcome) (batch.Applied, error) {
	defer l.cancel()

	return l.Service.ApplyOutcome(ctx, batchID, o)
}

func TestExchange_IngestHonoursCancellationBetweenItems(t *testing.T) {
	f := assembled(t, 3)

	_, err := newExchange(f, textfile.New()).Dispatch(context.Background(), f.batch.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ex := remittance.NewExchange(cancellingLedger{Service: f.ledger, cancel: cancel}, remittance.NewRegistry(textfile.New()), lock.NewLocal())

	items := f.batch.Items
	file := returnFile("001-000001", detail(items[0], "PAGO"), detail(items[1], "PAGO"), detail(items[2], "PAGO"))

	res, err := ex.Ingest(ctx, f.batch.ID, "", strings.NewReader(file))
	require.Error(t, err)
	assert.Equal(t, fault.KindCollaborator, fault.KindOf(err))
	require.NotNil(t, res)
	assert.Len(t, res.Items, 1)
	assert.Equal(t, batch.StateDispatched, res.BatchState)

	c, err := f.ledger.Get(context.Background(), items[0].ChargeID)
	require.NoError(t, err)
	assert.Equal(t, charge.StatePaid, c.State)

	c, err = f.ledger.Get(context.Background(), items[1].ChargeID)
	require.NoError(t, err)
	assert.Equal(t, charge.StateInTransit, c.State)
}

// flakyLedger fails to apply the outcome for one instrument number.
type flakyLedger struct {
	*ledger.Service
	failRef string
}

func (l flakyLedger) ApplyOutcome(ctx context.Context, batchID uuid.UUID, o batch.Outcome) (batch.Applied, error) {
	if o.ChargeRef == l.failRef {
		return batch.Applied{ChargeRef: o.ChargeRef, Kind: o.Kind}, errors.New("connection reset by peer")
	}

	return l.Service.ApplyOutcome(ctx, batchID, o)
}

func TestExchange_IngestContinuesPastFailedOutcome(t *testing.T) {
	ctx := context.Background()
	f := assembled(t, 3)

	_, err := newExchange(f, textfile.New()).Dispatch(ctx, f.batch.ID)
	require.NoError(t, err)

	items := f.batch.Items
	ex := remittance.NewExchange(
		flakyLedger{Service: f.ledger, failRef: items[1].InstrumentNumber},
		remittance.NewRegistry(textfile.New()),
		lock.NewLocal(),
	)

	file := returnFile("001-000001", detail(items[0], "PAGO"), detail(items[1], "PAGO"), detail(items[2], "REJEITADO"))

	res, err := ex.Ingest(ctx, f.batch.ID, "", strings.NewReader(file))
	require.Error(t, err)
	assert.ErrorIs(t, err, remittance.ErrOutcomesFailed)
	assert.Equal(t, fault.KindAnomaly, fault.KindOf(err))

	require.NotNil(t, res)
	require.Len(t, res.Items, 3)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.Anomalous)
	assert.Contains(t, res.Items[1].Anomaly, "connection reset by peer")
	assert.False(t, res.Items[1].Changed)
	assert.Equal(t, batch.StateDispatched, res.BatchState)

	want := map[uuid.UUID]charge.State{
		items[0].ChargeID: charge.StatePaid,
		items[1].ChargeID: charge.StateInTransit,
		items[2].ChargeID: charge.StateRejected,
	}

	for id, state := range want {
		c, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state, c.State, "charge %s", c.InstrumentNumber)
	}

	b, err := f.ledger.GetBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Len(t, b.InboundArtifactIDs, 1)

	retry := returnFile("001-000001", detail(items[1], "PAGO"))

	res, err = newExchange(f, textfile.New()).Ingest(ctx, f.batch.ID, "", strings.NewReader(retry))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, batch.StateProcessed, res.BatchState)
}

func TestRegistry(t *testing.T) {
	ctrl := gomock.NewController(t)
	special := remittance.NewMockCodec(ctrl)

	r := remittance.NewRegistry(nil)
	r.Register("341", special)

	got, err := r.For("341")
	require.NoError(t, err)
	assert.Same(t, special, got)

	_, err = r.For("001")
	assert.ErrorIs(t, err, remittance.ErrNoCodec)

	fallback := remittance.NewRegistry(textfile.New())
	got, err = fallback.For("001")
	require.NoError(t, err)
	assert.Equal(t, textfile.Layout, got.Layout())
}
