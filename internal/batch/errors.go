package batch

import "errors"

var (
	ErrNotFound          = errors.New("batch: not found")
	ErrInvalidTransition = errors.New("batch: invalid transition")
	ErrArtifactNotFound  = errors.New("batch: artifact not found")
)
