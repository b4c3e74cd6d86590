package textfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	enc "github.com/MrJamesThe3rd/cobranca/internal/encoding"
)

var (
	ErrMissingHeader  = errors.New("textfile: missing RETORNO header")
	ErrMissingTrailer = errors.New("textfile: missing trailer")
)

// statuses maps the bank's status column to outcome kinds. Banks send either
// the Portuguese word or its two-digit occurrence code.
var statuses = map[string]batch.OutcomeKind{
	"PAGO":           batch.OutcomePaid,
	"LIQUIDADO":      batch.OutcomePaid,
	"06":             batch.OutcomePaid,
	"REJEITADO":      batch.OutcomeRejected,
	"03":             batch.OutcomeRejected,
	"PENDENTE":       batch.OutcomePending,
	"02":             batch.OutcomePending,
	"CONFIRMED-PAID": batch.OutcomePaid,
	"REJECTED":       batch.OutcomeRejected,
	"PENDING":        batch.OutcomePending,
}

// Decode reads a whole return file. Any malformed record fails the file.
func (c *Codec) Decode(ctx context.Context, r io.Reader) (*batch.Return, error) {
	utf8r, err := enc.NewUTF8Reader(r)
	if err != nil {
		return nil, fmt.Errorf("detect encoding: %w", err)
	}

	reader := csv.NewReader(utf8r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var (
		ret     *batch.Return
		trailer bool
		line    int
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		line++

		if err != nil {
			return nil, fmt.Errorf("line %d: read csv: %w", line, err)
		}

		kind := strings.ToUpper(strings.TrimSpace(row[0]))
		if kind == "" && len(row) == 1 {
			continue
		}

		if trailer {
			return nil, fmt.Errorf("line %d: record after trailer", line)
		}

		switch {
		case ret == nil:
			if kind != recInboundHeader || len(row) < 2 || strings.TrimSpace(row[1]) == "" {
				return nil, fmt.Errorf("line %d: %w", line, ErrMissingHeader)
			}

			ret = &batch.Return{BatchRef: strings.TrimSpace(row[1])}
		case kind == recDetail:
			o, err := parseDetail(row)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}

			ret.Outcomes = append(ret.Outcomes, o)
		case kind == recTrailer:
			if err := checkTrailer(row, len(ret.Outcomes)); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}

			trailer = true
		default:
			return nil, fmt.Errorf("line %d: unknown record type %q", line, row[0])
		}
	}

	if ret == nil {
		return nil, ErrMissingHeader
	}

	if !trailer {
		return nil, ErrMissingTrailer
	}

	return ret, nil
}

func parseDetail(row []string) (batch.Outcome, error) {
	if len(row) < 5 {
		return batch.Outcome{}, fmt.Errorf("detail has %d fields, want at least 5", len(row))
	}

	ref := strings.TrimSpace(row[1])
	if ref == "" {
		return batch.Outcome{}, errors.New("detail without instrument number")
	}

	status := strings.ToUpper(strings.TrimSpace(row[2]))

	kind, ok := statuses[status]
	if !ok {
		return batch.Outcome{}, fmt.Errorf("unknown status %q", row[2])
	}

	o := batch.Outcome{ChargeRef: ref, Kind: kind}

	if s := strings.TrimSpace(row[3]); s != "" {
		amount, err := parseAmount(s)
		if err != nil {
			return batch.Outcome{}, fmt.Errorf("parse amount %q: %w", s, err)
		}

		if amount < 0 {
			return batch.Outcome{}, fmt.Errorf("negative amount %q", s)
		}

		o.Received = amount
	}

	if s := strings.TrimSpace(row[4]); s != "" {
		at, err := parseBankTime(s)
		if err != nil {
			return batch.Outcome{}, err
		}

		o.BankTime = at
	}

	if len(row) > 5 {
		o.Reason = strings.TrimSpace(row[5])
	}

	return o, nil
}

func parseBankTime(s string) (time.Time, error) {
	if at, err := time.Parse(dateTimeLayout, s); err == nil {
		return at, nil
	}

	at, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse bank time %q: %w", s, err)
	}

	return at, nil
}

func checkTrailer(row []string, details int) error {
	if len(row) < 2 {
		return errors.New("trailer without record count")
	}

	n, err := strconv.Atoi(strings.TrimSpace(row[1]))
	if err != nil {
		return fmt.Errorf("trailer count %q: %w", row[1], err)
	}

	if n != details {
		return fmt.Errorf("trailer declares %d records, file has %d", n, details)
	}

	return nil
}
