package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MrJamesThe3rd/cobranca/internal/fault"
)

var errBase = errors.New("base")

func TestKindOf(t *testing.T) {
	type testCase struct {
		name      string
		err       error
		want      fault.Kind
		retryable bool
	}

	tests := []testCase{
		{name: "Plain", err: errBase, want: fault.KindInternal},
		{name: "Validation", err: fault.Validation("amount", errBase), want: fault.KindValidation},
		{name: "Conflict", err: fault.Conflict(errBase), want: fault.KindConflict, retryable: true},
		{name: "Collaborator", err: fault.Collaborator(errBase), want: fault.KindCollaborator, retryable: true},
		{name: "Fatal", err: fault.Fatal(errBase), want: fault.KindFatal},
		{name: "Wrapped", err: fmt.Errorf("dispatch batch: %w", fault.Collaborator(errBase)), want: fault.KindCollaborator, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fault.KindOf(tt.err))
			assert.Equal(t, tt.retryable, fault.Retryable(tt.err))
			assert.ErrorIs(t, tt.err, errBase)
		})
	}
}

func TestValidationFields(t *testing.T) {
	err := fault.Fields(errors.New("invalid draft"), map[string]string{
		"principal":   "must be >= 0",
		"debtor.name": "required",
	})

	assert.Equal(t, "invalid draft (debtor.name: required, principal: must be >= 0)", err.Error())
	assert.Equal(t, "required", fault.FieldsOf(err)["debtor.name"])
	assert.Nil(t, fault.FieldsOf(errBase))
}

func TestNilPassthrough(t *testing.T) {
	assert.NoError(t, fault.Conflict(nil))
	assert.NoError(t, fault.Validation("x", nil))
}
