package charge

import "errors"

var (
	ErrNotFound = errors.New("charge: not found")
	// ErrInvalidTransition is returned when a state change is not an allowed edge.
	ErrInvalidTransition = errors.New("charge: invalid transition")
	// ErrOverrideRequired is returned when touching an in-transit charge
	// without an audited override reason.
	ErrOverrideRequired = errors.New("charge: override reason required while in transit")
	ErrReasonRequired   = errors.New("charge: reason required")
	ErrPaidAtRequired   = errors.New("charge: payment timestamp required")
	ErrNotDraft         = errors.New("charge: not a draft")
	// ErrDuplicateInstrument is a caller-supplied instrument number that already exists.
	ErrDuplicateInstrument = errors.New("charge: duplicate instrument number")
	// ErrInstrumentCollision is a generated instrument number that already
	// exists, which means the numbering sequence is misconfigured.
	ErrInstrumentCollision = errors.New("charge: instrument number collision")
	ErrInvalidDraft        = errors.New("charge: invalid draft")
)
