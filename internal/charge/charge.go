package charge

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MrJamesThe3rd/cobranca/internal/policy"
)

// Kind is the reason a charge exists.
type Kind string

const (
	KindFine       Kind = "fine"
	KindFee        Kind = "fee"
	KindInterest   Kind = "interest"
	KindCorrection Kind = "correction"
)

// TaxIDKind distinguishes individual (CPF) from company (CNPJ) tax ids.
type TaxIDKind string

const (
	TaxIDCPF  TaxIDKind = "cpf"
	TaxIDCNPJ TaxIDKind = "cnpj"
)

type Debtor struct {
	Name      string    `json:"name" validate:"required,max=120"`
	TaxID     string    `json:"tax_id" validate:"required,numeric"`
	TaxIDKind TaxIDKind `json:"tax_id_kind" validate:"required,oneof=cpf cnpj"`
}

// Routing holds the bank-side identifiers of a charge. Barcode and DigitLine
// are opaque and never parsed here.
type Routing struct {
	BankCode       string `json:"bank_code" validate:"required,len=3,numeric"`
	Branch         string `json:"branch" validate:"max=10"`
	Account        string `json:"account" validate:"max=20"`
	TrackingNumber string `json:"tracking_number" validate:"max=30"`
	Barcode        string `json:"barcode" validate:"max=64"`
	DigitLine      string `json:"digit_line" validate:"max=64"`
}

// Rejection records the last time a bank refused to process the charge. It
// survives later batch attempts for audit.
type Rejection struct {
	Reason  string
	At      time.Time
	BatchID uuid.UUID
}

// Charge is a single billable instrument ("boleto") owed by a debtor.
type Charge struct {
	ID               uuid.UUID
	InstrumentNumber string
	Debtor           Debtor
	Principal        int64 // cents
	IssueDate        time.Time
	DueDate          time.Time
	Kind             Kind
	ProcessRef       string
	FineRef          string

	PenaltyRate         decimal.Decimal
	MonthlyInterestRate decimal.Decimal
	DiscountRate        decimal.Decimal
	DiscountDeadline    *time.Time

	Routing Routing

	State   State
	BatchID *uuid.UUID

	// SnapshotAmount is authoritative while the charge is frozen.
	SnapshotAmount *int64
	SnapshotAt     *time.Time

	PaidAt       *time.Time
	ProofRef     string
	CancelReason string
	Rejection    *Rejection

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terms extracts the monetary terms used by the adjustment policy.
func (c *Charge) Terms() policy.Terms {
	return policy.Terms{
		Principal:           c.Principal,
		DueDate:             c.DueDate,
		PenaltyRate:         c.PenaltyRate,
		MonthlyInterestRate: c.MonthlyInterestRate,
		DiscountRate:        c.DiscountRate,
		DiscountDeadline:    c.DiscountDeadline,
	}
}

// Quote returns the amount due as of asOf. Frozen charges report their
// snapshot verbatim instead of recomputing.
func (c *Charge) Quote(asOf time.Time) policy.Breakdown {
	if c.State.Frozen() && c.SnapshotAmount != nil {
		b := policy.Breakdown{
			Principal: c.Principal,
			Total:     *c.SnapshotAmount,
			AsOf:      asOf,
		}
		if c.SnapshotAt != nil {
			b.AsOf = *c.SnapshotAt
		}

		return b
	}

	return policy.Compute(c.Terms(), asOf)
}

// AmountDue is Quote(asOf).Total.
func (c *Charge) AmountDue(asOf time.Time) int64 {
	return c.Quote(asOf).Total
}

// Overdue reports whether a charge still owed by the back office is past due.
func (c *Charge) Overdue(asOf time.Time) bool {
	switch c.State {
	case StateIssued, StateReserved, StateRejected:
		return policy.DaysBetween(c.DueDate, asOf) > 0
	default:
		return false
	}
}

// Freeze pins the authoritative amount.
func (c *Charge) Freeze(amount int64, at time.Time) {
	c.SnapshotAmount = &amount
	c.SnapshotAt = &at
}

// Thaw drops the snapshot so the amount is recomputed again.
func (c *Charge) Thaw() {
	c.SnapshotAmount = nil
	c.SnapshotAt = nil
}

// Clone returns a deep copy, so stores can hand out values callers may mutate.
func (c *Charge) Clone() *Charge {
	cp := *c

	if c.DiscountDeadline != nil {
		cp.DiscountDeadline = new(*c.DiscountDeadline)
	}

	if c.BatchID != nil {
		cp.BatchID = new(*c.BatchID)
	}

	if c.SnapshotAmount != nil {
		cp.SnapshotAmount = new(*c.SnapshotAmount)
	}

	if c.SnapshotAt != nil {
		cp.SnapshotAt = new(*c.SnapshotAt)
	}

	if c.PaidAt != nil {
		cp.PaidAt = new(*c.PaidAt)
	}

	if c.Rejection != nil {
		cp.Rejection = new(*c.Rejection)
	}

	return &cp
}
