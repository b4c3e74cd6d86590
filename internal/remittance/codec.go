// Package remittance exchanges batches with banks: it encodes outbound
// remittance files and applies inbound return files back onto the ledger.
package remittance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
)

var ErrNoCodec = errors.New("remittance: no codec for bank")

// Outbound is what a codec needs to write a remittance file.
type Outbound struct {
	Reference  string
	BankCode   string
	Sequence   int64
	SnapshotAt time.Time
	Count      int
	Total      int64
	Items      []OutboundItem
}

type OutboundItem struct {
	InstrumentNumber string
	TrackingNumber   string
	Amount           int64
	DueDate          time.Time
	DebtorName       string
	DebtorTaxID      string
}

// Codec translates between batches and a bank file layout. Decode must read
// the whole file before returning, so nothing is applied from a file that
// fails halfway.
//
//go:generate mockgen -source=codec.go -destination=codec_mock.go -package=remittance
type Codec interface {
	Layout() string
	Extension() string
	Encode(ctx context.Context, out Outbound) ([]byte, error)
	Decode(ctx context.Context, r io.Reader) (*batch.Return, error)
}

// Registry picks a codec per bank, falling back to a default layout.
type Registry struct {
	mu       sync.RWMutex
	byBank   map[string]Codec
	fallback Codec
}

func NewRegistry(fallback Codec) *Registry {
	return &Registry{
		byBank:   make(map[string]Codec),
		fallback: fallback,
	}
}

func (r *Registry) Register(bankCode string, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byBank[bankCode] = c
}

func (r *Registry) For(bankCode string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.byBank[bankCode]; ok {
		return c, nil
	}

	if r.fallback != nil {
		return r.fallback, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNoCodec, bankCode)
}
