package batch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a batch (remessa).
type State string

const (
	// StateAssembled batches hold reserved charges and can still be abandoned.
	StateAssembled  State = "assembled"
	StateDispatched State = "dispatched"
	StateProcessed  State = "processed"
	// StateError batches received an unreadable return file and wait for an operator.
	StateError State = "error"
)

var States = []State{StateAssembled, StateDispatched, StateProcessed, StateError}

var transitions = map[State][]State{
	StateAssembled:  {StateDispatched},
	StateDispatched: {StateProcessed, StateError},
	StateError:      {StateDispatched},
}

func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}

	return false
}

// Transition moves b to the next state or returns ErrInvalidTransition.
func (b *Batch) Transition(to State) error {
	for _, next := range transitions[b.State] {
		if next == to {
			b.State = to
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.State, to)
}

// Resolution is what became of one charge inside a dispatched batch.
type Resolution string

const (
	ResolutionAwaiting Resolution = "awaiting"
	ResolutionPaid     Resolution = "paid"
	ResolutionRejected Resolution = "rejected"
	// ResolutionWithdrawn marks a charge cancelled by override while in transit.
	ResolutionWithdrawn Resolution = "withdrawn"
)

// Item is one member of a batch with the amount snapshot taken at assembly.
type Item struct {
	ChargeID         uuid.UUID
	InstrumentNumber string
	Amount           int64
	Resolution       Resolution
}

// Batch is a named group of charges submitted together to one bank.
type Batch struct {
	ID                 uuid.UUID
	Sequence           int64
	BankCode           string
	State              State
	Items              []Item
	Count              int
	Total              int64
	SnapshotAt         time.Time
	OutboundArtifactID *uuid.UUID
	InboundArtifactIDs []uuid.UUID
	Anomaly            string
	Version            int64
	CreatedAt          time.Time
	DispatchedAt       *time.Time
	ProcessedAt        *time.Time
}

// Reference identifies the batch inside bank files.
func (b *Batch) Reference() string {
	return Reference(b.BankCode, b.Sequence)
}

// Reference formats a bank code and sequence as a batch reference.
func Reference(bankCode string, sequence int64) string {
	return fmt.Sprintf("%s-%06d", bankCode, sequence)
}

// Item returns the member for chargeID.
func (b *Batch) Item(chargeID uuid.UUID) (*Item, bool) {
	for i := range b.Items {
		if b.Items[i].ChargeID == chargeID {
			return &b.Items[i], true
		}
	}

	return nil, false
}

// ItemByInstrument returns the member with the given instrument number.
func (b *Batch) ItemByInstrument(number string) (*Item, bool) {
	for i := range b.Items {
		if b.Items[i].InstrumentNumber == number {
			return &b.Items[i], true
		}
	}

	return nil, false
}

// Settled reports whether no member is still awaiting a bank outcome.
func (b *Batch) Settled() bool {
	for _, it := range b.Items {
		if it.Resolution == ResolutionAwaiting {
			return false
		}
	}

	return true
}

// Tally counts members per resolution.
func (b *Batch) Tally() map[Resolution]int {
	out := make(map[Resolution]int, 4)
	for _, it := range b.Items {
		out[it.Resolution]++
	}

	return out
}

// Clone returns a deep copy.
func (b *Batch) Clone() *Batch {
	cp := *b
	cp.Items = append([]Item(nil), b.Items...)
	cp.InboundArtifactIDs = append([]uuid.UUID(nil), b.InboundArtifactIDs...)

	if b.OutboundArtifactID != nil {
		cp.OutboundArtifactID = new(*b.OutboundArtifactID)
	}

	if b.DispatchedAt != nil {
		cp.DispatchedAt = new(*b.DispatchedAt)
	}

	if b.ProcessedAt != nil {
		cp.ProcessedAt = new(*b.ProcessedAt)
	}

	return &cp
}

// Direction tells outbound remittance files from inbound return files.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Artifact is a stored remittance or return file. Its content is opaque.
type Artifact struct {
	ID        uuid.UUID
	BatchID   uuid.UUID
	Direction Direction
	Filename  string
	Checksum  string
	Content   []byte
	CreatedAt time.Time
}
