package charge

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
	"github.com/MrJamesThe3rd/cobranca/internal/policy"
)

type rejectionResponse struct {
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
	BatchID uuid.UUID `json:"batch_id"`
}

type chargeResponse struct {
	ID                  uuid.UUID          `json:"id"`
	InstrumentNumber    string             `json:"instrument_number,omitempty"`
	Debtor              charge.Debtor      `json:"debtor"`
	Principal           int64              `json:"principal"`
	IssueDate           time.Time          `json:"issue_date"`
	DueDate             time.Time          `json:"due_date"`
	Kind                charge.Kind        `json:"kind"`
	ProcessRef          string             `json:"process_ref,omitempty"`
	FineRef             string             `json:"fine_ref,omitempty"`
	PenaltyRate         decimal.Decimal    `json:"penalty_rate"`
	MonthlyInterestRate decimal.Decimal    `json:"monthly_interest_rate"`
	DiscountRate        decimal.Decimal    `json:"discount_rate"`
	DiscountDeadline    *time.Time         `json:"discount_deadline,omitempty"`
	Routing             charge.Routing     `json:"routing"`
	State               charge.State       `json:"state"`
	BatchID             *uuid.UUID         `json:"batch_id,omitempty"`
	SnapshotAmount      *int64             `json:"snapshot_amount,omitempty"`
	SnapshotAt          *time.Time         `json:"snapshot_at,omitempty"`
	PaidAt              *time.Time         `json:"paid_at,omitempty"`
	ProofRef            string             `json:"proof_ref,omitempty"`
	CancelReason        string             `json:"cancel_reason,omitempty"`
	Rejection           *rejectionResponse `json:"rejection,omitempty"`
	AmountDue           *policy.Breakdown  `json:"amount_due,omitempty"`
	Version             int64              `json:"version"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

func toResponse(c *charge.Charge, quote *policy.Breakdown) chargeResponse {
	resp := chargeResponse{
		ID:                  c.ID,
		InstrumentNumber:    c.InstrumentNumber,
		Debtor:              c.Debtor,
		Principal:           c.Principal,
		IssueDate:           c.IssueDate,
		DueDate:             c.DueDate,
		Kind:                c.Kind,
		ProcessRef:          c.ProcessRef,
		FineRef:             c.FineRef,
		PenaltyRate:         c.PenaltyRate,
		MonthlyInterestRate: c.MonthlyInterestRate,
		DiscountRate:        c.DiscountRate,
		DiscountDeadline:    c.DiscountDeadline,
		Routing:             c.Routing,
		State:               c.State,
		BatchID:             c.BatchID,
		SnapshotAmount:      c.SnapshotAmount,
		SnapshotAt:          c.SnapshotAt,
		PaidAt:              c.PaidAt,
		ProofRef:            c.ProofRef,
		CancelReason:        c.CancelReason,
		AmountDue:           quote,
		Version:             c.Version,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}

	if c.Rejection != nil {
		resp.Rejection = &rejectionResponse{
			Reason:  c.Rejection.Reason,
			At:      c.Rejection.At,
			BatchID: c.Rejection.BatchID,
		}
	}

	return resp
}

type pageResponse struct {
	Items  []chargeResponse `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
	AsOf   time.Time        `json:"as_of"`
}

func toPageResponse(p *ledger.Page) pageResponse {
	resp := pageResponse{
		Items:  make([]chargeResponse, len(p.Items)),
		Total:  p.Total,
		Limit:  p.Limit,
		Offset: p.Offset,
		AsOf:   p.AsOf,
	}

	for i, it := range p.Items {
		resp.Items[i] = toResponse(it.Charge, &it.Quote)
	}

	return resp
}

type eventResponse struct {
	Seq      int64     `json:"seq"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to"`
	Actor    string    `json:"actor"`
	Reason   string    `json:"reason,omitempty"`
	Override bool      `json:"override,omitempty"`
	At       time.Time `json:"at"`
}

func toEventResponses(events []*ledger.Event) []eventResponse {
	resp := make([]eventResponse, len(events))
	for i, e := range events {
		resp[i] = eventResponse{
			Seq:      e.Seq,
			From:     e.From,
			To:       e.To,
			Actor:    e.Actor,
			Reason:   e.Reason,
			Override: e.Override,
			At:       e.At,
		}
	}

	return resp
}
