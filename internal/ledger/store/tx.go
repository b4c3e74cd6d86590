package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
)

const (
	uniqueViolation      = "23505"
	instrumentConstraint = "charges_instrument_number_key"
)

type tx struct {
	tx *sql.Tx
}

func (t *tx) Commit() error   { return t.tx.Commit() }
func (t *tx) Rollback() error { return t.tx.Rollback() }

func (t *tx) LockCharge(ctx context.Context, id uuid.UUID) (*charge.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE id = $1 FOR UPDATE`

	c, err := scanCharge(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", charge.ErrNotFound, id)
		}

		return nil, fmt.Errorf("locking charge: %w", err)
	}

	return c, nil
}

func (t *tx) InsertCharge(ctx context.Context, c *charge.Charge) error {
	query := `
		INSERT INTO charges (` + chargeColumns + `)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34)`

	args := append([]any{c.ID}, chargeArgs(c)...)
	args = append(args, c.Version, c.CreatedAt, c.UpdatedAt)

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting charge: %w", uniqueErr(err, c.InstrumentNumber))
	}

	return nil
}

func (t *tx) UpdateCharge(ctx context.Context, c *charge.Charge) error {
	query := `
		UPDATE charges SET
			instrument_number = NULLIF($1, ''), debtor_name = $2, debtor_tax_id = $3, debtor_tax_id_kind = $4,
			principal = $5, issue_date = $6, due_date = $7, kind = $8, process_ref = $9, fine_ref = $10,
			penalty_rate = $11, monthly_interest_rate = $12, discount_rate = $13, discount_deadline = $14,
			bank_code = $15, branch = $16, account = $17, tracking_number = $18, barcode = $19, digit_line = $20,
			state = $21, batch_id = $22, snapshot_amount = $23, snapshot_at = $24, paid_at = $25,
			proof_ref = $26, cancel_reason = $27,
			rejection_reason = $28, rejected_at = $29, rejection_batch_id = $30,
			updated_at = $31, version = version + 1
		WHERE id = $32 AND version = $33`

	args := append(chargeArgs(c), c.UpdatedAt, c.ID, c.Version)

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating charge: %w", uniqueErr(err, c.InstrumentNumber))
	}

	if err := versioned(res, "charge", c.ID); err != nil {
		return err
	}

	c.Version++

	return nil
}

func (t *tx) DeleteCharge(ctx context.Context, c *charge.Charge) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM charges WHERE id = $1 AND version = $2`, c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("deleting charge: %w", err)
	}

	return versioned(res, "charge", c.ID)
}

func (t *tx) InstrumentExists(ctx context.Context, number string) (bool, error) {
	var exists bool

	query := `SELECT EXISTS (SELECT 1 FROM charges WHERE instrument_number = $1)`
	if err := t.tx.QueryRowContext(ctx, query, number).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking instrument number: %w", err)
	}

	return exists, nil
}

func (t *tx) NextSequence(ctx context.Context, name string) (int64, error) {
	query := `
		INSERT INTO sequences (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
		RETURNING value`

	var next int64
	if err := t.tx.QueryRowContext(ctx, query, name).Scan(&next); err != nil {
		return 0, fmt.Errorf("advancing sequence %s: %w", name, err)
	}

	return next, nil
}

func (t *tx) LockBatch(ctx context.Context, id uuid.UUID) (*batch.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1 FOR UPDATE`

	b, err := scanBatch(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", batch.ErrNotFound, id)
		}

		return nil, fmt.Errorf("locking batch: %w", err)
	}

	return b, nil
}

func batchJSON(b *batch.Batch) ([]byte, []byte, error) {
	items, err := json.Marshal(b.Items)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding batch items: %w", err)
	}

	inbound := b.InboundArtifactIDs
	if inbound == nil {
		inbound = []uuid.UUID{}
	}

	ids, err := json.Marshal(inbound)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding inbound artifact ids: %w", err)
	}

	return items, ids, nil
}

func (t *tx) InsertBatch(ctx context.Context, b *batch.Batch) error {
	items, inbound, err := batchJSON(b)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO batches (` + batchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = t.tx.ExecContext(ctx, query,
		b.ID, b.Sequence, b.BankCode, string(b.State), items, b.Count, b.Total, b.SnapshotAt,
		b.OutboundArtifactID, inbound, b.Anomaly, b.Version,
		b.CreatedAt, b.DispatchedAt, b.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}

	return nil
}

func (t *tx) UpdateBatch(ctx context.Context, b *batch.Batch) error {
	items, inbound, err := batchJSON(b)
	if err != nil {
		return err
	}

	query := `
		UPDATE batches SET
			state = $1, items = $2, item_count = $3, total = $4,
			outbound_artifact_id = $5, inbound_artifact_ids = $6, anomaly = $7,
			dispatched_at = $8, processed_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`

	res, err := t.tx.ExecContext(ctx, query,
		string(b.State), items, b.Count, b.Total,
		b.OutboundArtifactID, inbound, b.Anomaly,
		b.DispatchedAt, b.ProcessedAt, b.ID, b.Version,
	)
	if err != nil {
		return fmt.Errorf("updating batch: %w", err)
	}

	if err := versioned(res, "batch", b.ID); err != nil {
		return err
	}

	b.Version++

	return nil
}

func (t *tx) DeleteBatch(ctx context.Context, b *batch.Batch) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM batches WHERE id = $1 AND version = $2`, b.ID, b.Version)
	if err != nil {
		return fmt.Errorf("deleting batch: %w", err)
	}

	return versioned(res, "batch", b.ID)
}

func (t *tx) InsertArtifact(ctx context.Context, a *batch.Artifact) error {
	query := `
		INSERT INTO artifacts (id, batch_id, direction, filename, checksum, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := t.tx.ExecContext(ctx, query,
		a.ID, a.BatchID, string(a.Direction), a.Filename, a.Checksum, a.Content, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting artifact: %w", err)
	}

	return nil
}

// AppendEvent numbers e after the entity's last event. The entity row is
// locked by the caller, so the read of MAX(seq) cannot race.
func (t *tx) AppendEvent(ctx context.Context, e *ledger.Event) error {
	query := `
		INSERT INTO ledger_events (id, seq, entity_type, entity_id, from_state, to_state, actor, reason, override, at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9
		FROM ledger_events WHERE entity_id = $3
		RETURNING seq`

	err := t.tx.QueryRowContext(ctx, query,
		e.ID, string(e.EntityType), e.EntityID, e.From, e.To, e.Actor, e.Reason, e.Override, e.At,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	return nil
}

func versioned(res sql.Result, entity string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s %s", ledger.ErrVersionConflict, entity, id)
	}

	return nil
}

func uniqueErr(err error, number string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == instrumentConstraint {
		return fmt.Errorf("%w: %s", charge.ErrDuplicateInstrument, number)
	}

	return err
}
