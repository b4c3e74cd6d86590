// Package fault classifies engine errors so callers can decide between retry,
// re-fetch and human intervention without inspecting message text.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the category of an engine error.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindCollaborator Kind = "collaborator"
	KindAnomaly      Kind = "anomaly"
	KindFatal        Kind = "fatal"
	KindNotFound     Kind = "not_found"
	KindInternal     Kind = "internal"
)

// Error carries a Kind and, for validation failures, per-field reasons.
type Error struct {
	Kind   Kind
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return e.Err.Error()
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}

	return fmt.Sprintf("%s (%s)", e.Err.Error(), strings.Join(parts, ", "))
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Err: err}
}

// Validation marks err as bad input. field may be empty.
func Validation(field string, err error) error {
	if err == nil {
		return nil
	}

	e := &Error{Kind: KindValidation, Err: err}
	if field != "" {
		e.Fields = map[string]string{field: err.Error()}
	}

	return e
}

// Fields builds a validation error from a set of field reasons.
func Fields(err error, fields map[string]string) error {
	return &Error{Kind: KindValidation, Fields: fields, Err: err}
}

func Conflict(err error) error     { return wrap(KindConflict, err) }
func Collaborator(err error) error { return wrap(KindCollaborator, err) }
func Anomaly(err error) error      { return wrap(KindAnomaly, err) }
func Fatal(err error) error        { return wrap(KindFatal, err) }
func NotFound(err error) error     { return wrap(KindNotFound, err) }

// KindOf reports the outermost Kind attached to err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// FieldsOf returns the field reasons of a validation error, if any.
func FieldsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}

	return nil
}

// Retryable reports whether the caller may re-fetch and retry the operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindCollaborator:
		return true
	default:
		return false
	}
}
