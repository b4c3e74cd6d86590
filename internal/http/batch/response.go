package batch

import (
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
)

type itemResponse struct {
	ChargeID         uuid.UUID        `json:"charge_id"`
	InstrumentNumber string           `json:"instrument_number"`
	Amount           int64            `json:"amount"`
	Resolution       batch.Resolution `json:"resolution"`
}

type batchResponse struct {
	ID                 uuid.UUID      `json:"id"`
	Reference          string         `json:"reference"`
	Sequence           int64          `json:"sequence"`
	BankCode           string         `json:"bank_code"`
	State              batch.State    `json:"state"`
	Count              int            `json:"count"`
	Total              int64          `json:"total"`
	SnapshotAt         time.Time      `json:"snapshot_at"`
	Items              []itemResponse `json:"items"`
	OutboundArtifactID *uuid.UUID     `json:"outbound_artifact_id,omitempty"`
	InboundArtifactIDs []uuid.UUID    `json:"inbound_artifact_ids"`
	Anomaly            string         `json:"anomaly,omitempty"`
	Version            int64          `json:"version"`
	CreatedAt          time.Time      `json:"created_at"`
	DispatchedAt       *time.Time     `json:"dispatched_at,omitempty"`
	ProcessedAt        *time.Time     `json:"processed_at,omitempty"`
}

func toResponse(b *batch.Batch) batchResponse {
	resp := batchResponse{
		ID:                 b.ID,
		Reference:          b.Reference(),
		Sequence:           b.Sequence,
		BankCode:           b.BankCode,
		State:              b.State,
		Count:              b.Count,
		Total:              b.Total,
		SnapshotAt:         b.SnapshotAt,
		Items:              make([]itemResponse, len(b.Items)),
		OutboundArtifactID: b.OutboundArtifactID,
		InboundArtifactIDs: b.InboundArtifactIDs,
		Anomaly:            b.Anomaly,
		Version:            b.Version,
		CreatedAt:          b.CreatedAt,
		DispatchedAt:       b.DispatchedAt,
		ProcessedAt:        b.ProcessedAt,
	}

	if resp.InboundArtifactIDs == nil {
		resp.InboundArtifactIDs = []uuid.UUID{}
	}

	for i, it := range b.Items {
		resp.Items[i] = itemResponse{
			ChargeID:         it.ChargeID,
			InstrumentNumber: it.InstrumentNumber,
			Amount:           it.Amount,
			Resolution:       it.Resolution,
		}
	}

	return resp
}

func toResponseList(batches []*batch.Batch) []batchResponse {
	resp := make([]batchResponse, len(batches))
	for i, b := range batches {
		resp[i] = toResponse(b)
	}

	return resp
}

type eventResponse struct {
	Seq      int64     `json:"seq"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to"`
	Actor    string    `json:"actor"`
	Reason   string    `json:"reason,omitempty"`
	Override bool      `json:"override,omitempty"`
	At       time.Time `json:"at"`
}

func toEventResponses(events []*ledger.Event) []eventResponse {
	resp := make([]eventResponse, len(events))
	for i, e := range events {
		resp[i] = eventResponse{
			Seq:      e.Seq,
			From:     e.From,
			To:       e.To,
			Actor:    e.Actor,
			Reason:   e.Reason,
			Override: e.Override,
			At:       e.At,
		}
	}

	return resp
}
