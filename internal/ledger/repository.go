package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/charge"
)

var (
	// ErrVersionConflict is returned by stores when an update or delete finds a
	// different revision than the one the caller read.
	ErrVersionConflict = errors.New("ledger: version conflict")
	// ErrNothingReserved means every pick was claimed by someone else.
	ErrNothingReserved = errors.New("ledger: no charge could be reserved")
)

//go:generate mockgen -source=repository.go -destination=repository_mock.go -package=ledger
type Repository interface {
	GetCharge(ctx context.Context, id uuid.UUID) (*charge.Charge, error)
	ListCharges(ctx context.Context, q ChargeQuery) ([]*charge.Charge, int, error)
	GetBatch(ctx context.Context, id uuid.UUID) (*batch.Batch, error)
	ListBatches(ctx context.Context, q BatchQuery) ([]*batch.Batch, error)
	GetArtifact(ctx context.Context, id uuid.UUID) (*batch.Artifact, error)
	ListEvents(ctx context.Context, entityID uuid.UUID) ([]*Event, error)

	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work scoped to one charge or one batch. Lock* methods take
// a row lock held until Commit or Rollback. Update* and Delete* compare the
// entity's Version with the stored one and return ErrVersionConflict on
// mismatch; on success the entity's Version is bumped.
type Tx interface {
	LockCharge(ctx context.Context, id uuid.UUID) (*charge.Charge, error)
	InsertCharge(ctx context.Context, c *charge.Charge) error
	UpdateCharge(ctx context.Context, c *charge.Charge) error
	DeleteCharge(ctx context.Context, c *charge.Charge) error
	InstrumentExists(ctx context.Context, number string) (bool, error)
	NextSequence(ctx context.Context, name string) (int64, error)

	LockBatch(ctx context.Context, id uuid.UUID) (*batch.Batch, error)
	InsertBatch(ctx context.Context, b *batch.Batch) error
	UpdateBatch(ctx context.Context, b *batch.Batch) error
	DeleteBatch(ctx context.Context, b *batch.Batch) error
	InsertArtifact(ctx context.Context, a *batch.Artifact) error

	AppendEvent(ctx context.Context, e *Event) error

	Commit() error
	Rollback() error
}

// SortField orders charge listings.
type SortField string

const (
	SortDueDate          SortField = "due_date"
	SortIssueDate        SortField = "issue_date"
	SortPrincipal        SortField = "principal"
	SortInstrumentNumber SortField = "instrument_number"
	SortCreatedAt        SortField = "created_at"
)

func (f SortField) Valid() bool {
	switch f {
	case SortDueDate, SortIssueDate, SortPrincipal, SortInstrumentNumber, SortCreatedAt:
		return true
	}

	return false
}

type ChargeQuery struct {
	IDs        []uuid.UUID
	States     []charge.State
	BankCode   string
	Kind       charge.Kind
	DueFrom    *time.Time
	DueTo      *time.Time
	IssuedFrom *time.Time
	IssuedTo   *time.Time

	Sort       SortField
	Descending bool
	// Limit 0 returns every match.
	Limit  int
	Offset int
}

type BatchQuery struct {
	BankCode string
	States   []batch.State
}

// EntityType names what an Event is about.
type EntityType string

const (
	EntityCharge EntityType = "charge"
	EntityBatch  EntityType = "batch"
)

// Event is an append-only record of one state transition.
type Event struct {
	ID         uuid.UUID
	Seq        int64
	EntityType EntityType
	EntityID   uuid.UUID
	From       string
	To         string
	Actor      string
	Reason     string
	Override   bool
	At         time.Time
}
