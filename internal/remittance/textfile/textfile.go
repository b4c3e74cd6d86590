// Package textfile is a semicolon-separated remittance layout.
//
// Outbound (remessa):
//
//	REMESSA;<reference>;<bank>;<sequence>;<snapshot dd-mm-yyyy>
//	D;<instrument>;<tracking>;<due dd-mm-yyyy>;<amount>;<debtor name>;<tax id>
//	T;<count>;<total>
//
// Inbound (retorno):
//
//	RETORNO;<reference>;<bank>;<generated dd-mm-yyyy>
//	D;<instrument>;<status>;<amount received>;<bank time dd-mm-yyyy HH:MM>;<reason>
//	T;<count>
//
// Amounts use a decimal comma. Inbound files may be UTF-8 or Latin-1;
// outbound files are written in Windows-1252.
package textfile

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	enc "github.com/MrJamesThe3rd/cobranca/internal/encoding"
	"github.com/MrJamesThe3rd/cobranca/internal/remittance"
)

const (
	Layout = "textfile"

	dateLayout     = "02-01-2006"
	dateTimeLayout = "02-01-2006 15:04"

	recOutboundHeader = "REMESSA"
	recInboundHeader  = "RETORNO"
	recDetail         = "D"
	recTrailer        = "T"
)

type Codec struct{}

var _ remittance.Codec = (*Codec)(nil)

func New() *Codec {
	return &Codec{}
}

func (c *Codec) Layout() string    { return Layout }
func (c *Codec) Extension() string { return ".rem" }

func (c *Codec) Encode(ctx context.Context, out remittance.Outbound) ([]byte, error) {
	var buf bytes.Buffer

	w := csv.NewWriter(&buf)
	w.Comma = ';'
	w.UseCRLF = true

	records := make([][]string, 0, len(out.Items)+2)
	records = append(records, []string{
		recOutboundHeader,
		out.Reference,
		out.BankCode,
		strconv.FormatInt(out.Sequence, 10),
		out.SnapshotAt.Format(dateLayout),
	})

	var total int64

	for _, it := range out.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		records = append(records, []string{
			recDetail,
			it.InstrumentNumber,
			it.TrackingNumber,
			it.DueDate.Format(dateLayout),
			formatAmount(it.Amount),
			sanitize(it.DebtorName),
			it.DebtorTaxID,
		})
		total += it.Amount
	}

	records = append(records, []string{
		recTrailer,
		strconv.Itoa(len(out.Items)),
		formatAmount(total),
	})

	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("write remittance: %w", err)
	}

	encoded, err := enc.ToWindows1252(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encode remittance charset: %w", err)
	}

	return encoded, nil
}

// sanitize keeps free text from breaking the record layout.
func sanitize(s string) string {
	return strings.NewReplacer(";", " ", "\r", " ", "\n", " ").Replace(strings.TrimSpace(s))
}
