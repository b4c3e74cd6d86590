package charge

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MrJamesThe3rd/cobranca/internal/fault"
)

// Draft is the input for creating a charge.
type Draft struct {
	Debtor     Debtor    `json:"debtor" validate:"required"`
	Principal  int64     `json:"principal" validate:"gte=0"`
	IssueDate  time.Time `json:"issue_date" validate:"required"`
	DueDate    time.Time `json:"due_date" validate:"required,gtefield=IssueDate"`
	Kind       Kind      `json:"kind" validate:"required,oneof=fine fee interest correction"`
	ProcessRef string    `json:"process_ref" validate:"max=64"`
	FineRef    string    `json:"fine_ref" validate:"max=64"`

	PenaltyRate         decimal.Decimal `json:"penalty_rate" validate:"gte=0,lte=100"`
	MonthlyInterestRate decimal.Decimal `json:"monthly_interest_rate" validate:"gte=0,lte=100"`
	DiscountRate        decimal.Decimal `json:"discount_rate" validate:"gte=0,lte=100"`
	DiscountDeadline    *time.Time      `json:"discount_deadline"`

	Routing Routing `json:"routing" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		d, ok := field.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}

		f, _ := d.Float64()

		return f
	}, decimal.Decimal{})

	return v
}

// Validate checks the draft and returns a validation fault listing every
// offending field.
func (d Draft) Validate() error {
	fields := make(map[string]string)

	if err := validate.Struct(d); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("validating draft: %w", err)
		}

		for _, fe := range verrs {
			fields[fieldPath(fe.Namespace())] = reason(fe)
		}
	}

	if _, bad := fields["debtor.tax_id"]; !bad && d.Debtor.TaxID != "" {
		if want := taxIDLength(d.Debtor.TaxIDKind); want > 0 && len(d.Debtor.TaxID) != want {
			fields["debtor.tax_id"] = fmt.Sprintf("must have %d digits for %s", want, d.Debtor.TaxIDKind)
		}
	}

	if d.DiscountDeadline != nil {
		if d.DiscountDeadline.After(d.DueDate) {
			fields["discount_deadline"] = "must not be after due_date"
		}

		if !d.DiscountRate.IsPositive() {
			fields["discount_rate"] = "must be positive when discount_deadline is set"
		}
	}

	if len(fields) > 0 {
		return fault.Fields(ErrInvalidDraft, fields)
	}

	return nil
}

// NewCharge builds a Draft-state charge from a validated draft.
func NewCharge(d Draft, now time.Time) *Charge {
	c := &Charge{
		ID:                  uuid.New(),
		Debtor:              d.Debtor,
		Principal:           d.Principal,
		IssueDate:           d.IssueDate,
		DueDate:             d.DueDate,
		Kind:                d.Kind,
		ProcessRef:          d.ProcessRef,
		FineRef:             d.FineRef,
		PenaltyRate:         d.PenaltyRate,
		MonthlyInterestRate: d.MonthlyInterestRate,
		DiscountRate:        d.DiscountRate,
		Routing:             d.Routing,
		State:               StateDraft,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if d.DiscountDeadline != nil {
		c.DiscountDeadline = new(*d.DiscountDeadline)
	}

	return c
}

func taxIDLength(k TaxIDKind) int {
	switch k {
	case TaxIDCPF:
		return 11
	case TaxIDCNPJ:
		return 14
	}

	return 0
}

// fieldPath turns "Draft.debtor.name" into "debtor.name".
func fieldPath(ns string) string {
	_, rest, found := strings.Cut(ns, ".")
	if !found {
		return ns
	}

	return rest
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "gtefield":
		return "must not be before " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "max":
		return "must have at most " + fe.Param() + " characters"
	case "numeric":
		return "must contain only digits"
	default:
		return "failed " + fe.Tag()
	}
}
