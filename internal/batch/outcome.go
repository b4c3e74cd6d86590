package batch

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeKind is the bank's verdict on one charge.
type OutcomeKind string

const (
	OutcomePaid     OutcomeKind = "confirmed-paid"
	OutcomeRejected OutcomeKind = "rejected"
	OutcomePending  OutcomeKind = "pending"
)

func (k OutcomeKind) Valid() bool {
	return k == OutcomePaid || k == OutcomeRejected || k == OutcomePending
}

// Outcome is one line of a decoded return file. ChargeRef is the instrument
// number the bank echoes back.
type Outcome struct {
	ChargeRef string
	Kind      OutcomeKind
	Received  int64
	BankTime  time.Time
	Reason    string
}

// Return is a fully decoded inbound artifact.
type Return struct {
	BatchRef string
	Outcomes []Outcome
}

// Applied is the result of applying one outcome to the ledger.
type Applied struct {
	ChargeID   uuid.UUID   `json:"charge_id"`
	ChargeRef  string      `json:"charge_ref"`
	Kind       OutcomeKind `json:"kind"`
	Resolution Resolution  `json:"resolution,omitempty"`
	// Changed is false for pending outcomes and anomalies.
	Changed bool   `json:"changed"`
	Anomaly string `json:"anomaly,omitempty"`
	// Note flags a paid amount that differs from the dispatched snapshot.
	Note string `json:"note,omitempty"`
}

// Criteria narrows which charges batch assembly may pick.
type Criteria struct {
	DueFrom   *time.Time
	DueTo     *time.Time
	MinAmount *int64
	ChargeIDs []uuid.UUID
	// SnapshotAt is the reference date for amount snapshots; defaults to now.
	SnapshotAt *time.Time
	Limit      int
}

// Pick is a charge chosen for a batch at a known version.
type Pick struct {
	ChargeID         uuid.UUID
	InstrumentNumber string
	Version          int64
	Amount           int64
}
