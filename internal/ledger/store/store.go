// Package store is the Postgres implementation of ledger.Repository.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

var _ ledger.Repository = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func schemaLockKey() int64 {
	h := fnv.New64a()
	h.Write([]byte("cobranca"))
	h.Write([]byte{0})
	h.Write([]byte("schema"))

	return int64(h.Sum64())
}

// EnsureSchema creates missing tables. Concurrent callers are serialised on
// an advisory lock so only one runs the DDL at a time.
func (s *Store) EnsureSchema(ctx context.Context) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning schema tx: %w", err)
	}
	defer dbTx.Rollback()

	if _, err := dbTx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", schemaLockKey()); err != nil {
		return fmt.Errorf("acquiring schema lock: %w", err)
	}

	if _, err := dbTx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("committing schema: %w", err)
	}

	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const chargeColumns = `
	id, instrument_number, debtor_name, debtor_tax_id, debtor_tax_id_kind, principal,
	issue_date, due_date, kind, process_ref, fine_ref,
	penalty_rate, monthly_interest_rate, discount_rate, discount_deadline,
	bank_code, branch, account, tracking_number, barcode, digit_line,
	state, batch_id, snapshot_amount, snapshot_at, paid_at, proof_ref, cancel_reason,
	rejection_reason, rejected_at, rejection_batch_id, version, created_at, updated_at
`

func scanCharge(s scanner) (*charge.Charge, error) {
	var (
		c                 charge.Charge
		number            sql.NullString
		discountDeadline  sql.NullTime
		batchID           uuid.NullUUID
		snapshotAmount    sql.NullInt64
		snapshotAt        sql.NullTime
		paidAt            sql.NullTime
		rejectionReason   sql.NullString
		rejectedAt        sql.NullTime
		rejectionBatchID  uuid.NullUUID
		kind, state, taxK string
	)

	if err := s.Scan(
		&c.ID, &number, &c.Debtor.Name, &c.Debtor.TaxID, &taxK, &c.Principal,
		&c.IssueDate, &c.DueDate, &kind, &c.ProcessRef, &c.FineRef,
		&c.PenaltyRate, &c.MonthlyInterestRate, &c.DiscountRate, &discountDeadline,
		&c.Routing.BankCode, &c.Routing.Branch, &c.Routing.Account, &c.Routing.TrackingNumber, &c.Routing.Barcode, &c.Routing.DigitLine,
		&state, &batchID, &snapshotAmount, &snapshotAt, &paidAt, &c.ProofRef, &c.CancelReason,
		&rejectionReason, &rejectedAt, &rejectionBatchID, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.InstrumentNumber = number.String
	c.Debtor.TaxIDKind = charge.TaxIDKind(taxK)
	c.Kind = charge.Kind(kind)
	c.State = charge.State(state)

	if discountDeadline.Valid {
		c.DiscountDeadline = new(discountDeadline.Time)
	}

	if batchID.Valid {
		c.BatchID = new(batchID.UUID)
	}

	if snapshotAmount.Valid {
		c.SnapshotAmount = new(snapshotAmount.Int64)
	}

	if snapshotAt.Valid {
		c.SnapshotAt = new(snapshotAt.Time)
	}

	if paidAt.Valid {
		c.PaidAt = new(paidAt.Time)
	}

	if rejectionReason.Valid {
		c.Rejection = &charge.Rejection{
			Reason:  rejectionReason.String,
			At:      rejectedAt.Time,
			BatchID: rejectionBatchID.UUID,
		}
	}

	return &c, nil
}

// chargeArgs returns every column after id in chargeColumns order, except
// version and the timestamps.
func chargeArgs(c *charge.Charge) []any {
	var (
		rejectionReason  *string
		rejectedAt       any
		rejectionBatchID *uuid.UUID
	)

	if c.Rejection != nil {
		rejectionReason = &c.Rejection.Reason
		rejectedAt = c.Rejection.At
		rejectionBatchID = &c.Rejection.BatchID
	}

	return []any{
		c.InstrumentNumber, c.Debtor.Name, c.Debtor.TaxID, string(c.Debtor.TaxIDKind), c.Principal,
		c.IssueDate, c.DueDate, string(c.Kind), c.ProcessRef, c.FineRef,
		c.PenaltyRate, c.MonthlyInterestRate, c.DiscountRate, c.DiscountDeadline,
		c.Routing.BankCode, c.Routing.Branch, c.Routing.Account, c.Routing.TrackingNumber, c.Routing.Barcode, c.Routing.DigitLine,
		string(c.State), c.BatchID, c.SnapshotAmount, c.SnapshotAt, c.PaidAt, c.ProofRef, c.CancelReason,
		rejectionReason, rejectedAt, rejectionBatchID,
	}
}

func (s *Store) GetCharge(ctx context.Context, id uuid.UUID) (*charge.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE id = $1`

	c, err := scanCharge(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", charge.ErrNotFound, id)
		}

		return nil, fmt.Errorf("getting charge: %w", err)
	}

	return c, nil
}

var sortColumns = map[ledger.SortField]string{
	ledger.SortDueDate:          "due_date",
	ledger.SortIssueDate:        "issue_date",
	ledger.SortPrincipal:        "principal",
	ledger.SortInstrumentNumber: "instrument_number",
	ledger.SortCreatedAt:        "created_at",
}

// placeholders appends args and returns "$n, $n+1, ..." for them.
func placeholders[T any](args []any, values []T, conv func(T) any) ([]any, string) {
	marks := make([]string, len(values))
	for i, v := range values {
		args = append(args, conv(v))
		marks[i] = fmt.Sprintf("$%d", len(args))
	}

	return args, strings.Join(marks, ", ")
}

func chargeFilter(q ledger.ChargeQuery) (string, []any) {
	var (
		where []string
		args  []any
		marks string
	)

	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if len(q.IDs) > 0 {
		args, marks = placeholders(args, q.IDs, func(id uuid.UUID) any { return id })
		where = append(where, "id IN ("+marks+")")
	}

	if len(q.States) > 0 {
		args, marks = placeholders(args, q.States, func(st charge.State) any { return string(st) })
		where = append(where, "state IN ("+marks+")")
	}

	if q.BankCode != "" {
		add("bank_code = $%d", q.BankCode)
	}

	if q.Kind != "" {
		add("kind = $%d", string(q.Kind))
	}

	if q.DueFrom != nil {
		add("due_date >= $%d", *q.DueFrom)
	}

	if q.DueTo != nil {
		add("due_date <= $%d", *q.DueTo)
	}

	if q.IssuedFrom != nil {
		add("issue_date >= $%d", *q.IssuedFrom)
	}

	if q.IssuedTo != nil {
		add("issue_date <= $%d", *q.IssuedTo)
	}

	if len(where) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *Store) ListCharges(ctx context.Context, q ledger.ChargeQuery) ([]*charge.Charge, int, error) {
	where, args := chargeFilter(q)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM charges`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting charges: %w", err)
	}

	column, ok := sortColumns[q.Sort]
	if !ok {
		column = "created_at"
	}

	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}

	query := `SELECT ` + chargeColumns + ` FROM charges` + where +
		fmt.Sprintf(" ORDER BY %s %s, id %s", column, dir, dir)

	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing charges: %w", err)
	}
	defer rows.Close()

	charges := []*charge.Charge{}

	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning charge: %w", err)
		}

		charges = append(charges, c)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating charge rows: %w", err)
	}

	return charges, total, nil
}

const batchColumns = `
	id, sequence, bank_code, state, items, item_count, total, snapshot_at,
	outbound_artifact_id, inbound_artifact_ids, anomaly, version,
	created_at, dispatched_at, processed_at
`

func scanBatch(s scanner) (*batch.Batch, error) {
	var (
		b            batch.Batch
		state        string
		items        []byte
		inbound      []byte
		outbound     uuid.NullUUID
		dispatchedAt sql.NullTime
		processedAt  sql.NullTime
	)

	if err := s.Scan(
		&b.ID, &b.Sequence, &b.BankCode, &state, &items, &b.Count, &b.Total, &b.SnapshotAt,
		&outbound, &inbound, &b.Anomaly, &b.Version,
		&b.CreatedAt, &dispatchedAt, &processedAt,
	); err != nil {
		return nil, err
	}

	b.State = batch.State(state)

	if err := json.Unmarshal(items, &b.Items); err != nil {
		return nil, fmt.Errorf("decoding batch items: %w", err)
	}

	if err := json.Unmarshal(inbound, &b.InboundArtifactIDs); err != nil {
		return nil, fmt.Errorf("decoding inbound artifact ids: %w", err)
	}

	if outbound.Valid {
		b.OutboundArtifactID = new(outbound.UUID)
	}

	if dispatchedAt.Valid {
		b.DispatchedAt = new(dispatchedAt.Time)
	}

	if processedAt.Valid {
		b.ProcessedAt = new(processedAt.Time)
	}

	return &b, nil
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*batch.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`

	b, err := scanBatch(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", batch.ErrNotFound, id)
		}

		return nil, fmt.Errorf("getting batch: %w", err)
	}

	return b, nil
}

func (s *Store) ListBatches(ctx context.Context, q ledger.BatchQuery) ([]*batch.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE TRUE`

	var (
		args  []any
		marks string
	)

	if q.BankCode != "" {
		args = append(args, q.BankCode)
		query += fmt.Sprintf(" AND bank_code = $%d", len(args))
	}

	if len(q.States) > 0 {
		args, marks = placeholders(args, q.States, func(st batch.State) any { return string(st) })
		query += " AND state IN (" + marks + ")"
	}

	query += " ORDER BY bank_code ASC, sequence ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	batches := []*batch.Batch{}

	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}

		batches = append(batches, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batch rows: %w", err)
	}

	return batches, nil
}

func (s *Store) GetArtifact(ctx context.Context, id uuid.UUID) (*batch.Artifact, error) {
	query := `
		SELECT id, batch_id, direction, filename, checksum, content, created_at
		FROM artifacts WHERE id = $1`

	var (
		a         batch.Artifact
		direction string
	)

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.BatchID, &direction, &a.Filename, &a.Checksum, &a.Content, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", batch.ErrArtifactNotFound, id)
		}

		return nil, fmt.Errorf("getting artifact: %w", err)
	}

	a.Direction = batch.Direction(direction)

	return &a, nil
}

func (s *Store) ListEvents(ctx context.Context, entityID uuid.UUID) ([]*ledger.Event, error) {
	query := `
		SELECT id, seq, entity_type, entity_id, from_state, to_state, actor, reason, override, at
		FROM ledger_events
		WHERE entity_id = $1
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*ledger.Event

	for rows.Next() {
		var (
			e          ledger.Event
			entityType string
		)

		if err := rows.Scan(
			&e.ID, &e.Seq, &entityType, &e.EntityID, &e.From, &e.To, &e.Actor, &e.Reason, &e.Override, &e.At,
		); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		e.EntityType = ledger.EntityType(entityType)
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	return events, nil
}

func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning tx: %w", err)
	}

	return &tx{tx: dbTx}, nil
}
