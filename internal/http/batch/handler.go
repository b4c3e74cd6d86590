package batch

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/assembler"
	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/fault"
	"github.com/MrJamesThe3rd/cobranca/internal/http/respond"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
	"github.com/MrJamesThe3rd/cobranca/internal/remittance"
)

const maxReturnFile = 10 << 20

type Handler struct {
	assembler *assembler.Assembler
	exchange  *remittance.Exchange
	ledger    *ledger.Service
}

func NewHandler(a *assembler.Assembler, e *remittance.Exchange, l *ledger.Service) *Handler {
	return &Handler{
		assembler: a,
		exchange:  e,
		ledger:    l,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.assemble)
	r.Get("/", h.list)
	r.Get("/artifacts/{id}", h.artifact)
	r.Get("/{id}", h.get)
	r.Delete("/{id}", h.abandon)
	r.Get("/{id}/events", h.events)
	r.Post("/{id}/dispatch", h.dispatch)
	r.Post("/{id}/returns", h.ingest)
	r.Post("/{id}/reopen", h.reopen)
}

type assembleRequest struct {
	BankCode   string      `json:"bank_code"`
	DueFrom    string      `json:"due_from"`
	DueTo      string      `json:"due_to"`
	MinAmount  *int64      `json:"min_amount"`
	ChargeIDs  []uuid.UUID `json:"charge_ids"`
	SnapshotAt string      `json:"snapshot_at"`
	Limit      int         `json:"limit"`
}

func (req assembleRequest) criteria() (batch.Criteria, error) {
	c := batch.Criteria{
		MinAmount: req.MinAmount,
		ChargeIDs: req.ChargeIDs,
		Limit:     req.Limit,
	}

	dates := []struct {
		field string
		value string
		dst   **time.Time
	}{
		{"due_from", req.DueFrom, &c.DueFrom},
		{"due_to", req.DueTo, &c.DueTo},
		{"snapshot_at", req.SnapshotAt, &c.SnapshotAt},
	}

	for _, d := range dates {
		if d.value == "" {
			continue
		}

		t, err := time.Parse(time.DateOnly, d.value)
		if err != nil {
			return c, fault.Validation(d.field, fmt.Errorf("want YYYY-MM-DD: %w", err))
		}

		*d.dst = new(t)
	}

	return c, nil
}

func (h *Handler) assemble(w http.ResponseWriter, r *http.Request) {
	var req assembleRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}

	criteria, err := req.criteria()
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	b, err := h.assembler.Assemble(r.Context(), req.BankCode, criteria)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusCreated, toResponse(b))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := ledger.BatchQuery{BankCode: r.URL.Query().Get("bank_code")}

	if s := r.URL.Query().Get("state"); s != "" {
		for part := range strings.SplitSeq(s, ",") {
			q.States = append(q.States, batch.State(strings.TrimSpace(part)))
		}
	}

	batches, err := h.ledger.ListBatches(r.Context(), q)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, toResponseList(batches))
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.BadRequest(w, "invalid id")
		return uuid.Nil, false
	}

	return id, true
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	b, err := h.ledger.GetBatch(r.Context(), id)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, toResponse(b))
}

func (h *Handler) abandon(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.assembler.Abandon(r.Context(), id); err != nil {
		respond.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if _, err := h.ledger.GetBatch(r.Context(), id); err != nil {
		respond.Error(w, r, err)
		return
	}

	events, err := h.ledger.Events(r.Context(), id)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, toEventResponses(events))
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	a, err := h.exchange.Dispatch(r.Context(), id)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	writeArtifact(w, a)
}

type ingestErrorResponse struct {
	respond.ErrorBody
	Result *remittance.Result `json:"result,omitempty"`
}

// ingest accepts the return file either as the "file" field of a multipart
// form or as the raw request body.
func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var (
		body     io.Reader
		filename = r.URL.Query().Get("filename")
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxReturnFile); err != nil {
			respond.BadRequest(w, "failed to parse form: "+err.Error())
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			respond.BadRequest(w, "file field is required")
			return
		}
		defer file.Close()

		body = file

		if filename == "" {
			filename = header.Filename
		}
	} else {
		body = http.MaxBytesReader(w, r.Body, maxReturnFile)
	}

	res, err := h.exchange.Ingest(r.Context(), id, filename, body)
	if err != nil {
		if res == nil {
			respond.Error(w, r, err)
			return
		}

		respond.JSON(w, respond.Status(err), ingestErrorResponse{
			ErrorBody: respond.ErrorBody{Error: err.Error(), Kind: fault.KindOf(err)},
			Result:    res,
		})

		return
	}

	respond.JSON(w, http.StatusOK, res)
}

type reopenRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) reopen(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req reopenRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}

	b, err := h.exchange.Reopen(r.Context(), id, req.Reason)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, toResponse(b))
}

func (h *Handler) artifact(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	a, err := h.ledger.Artifact(r.Context(), id)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	writeArtifact(w, a)
}

func writeArtifact(w http.ResponseWriter, a *batch.Artifact) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Artifact-ID", a.ID.String())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	w.Header().Set("X-Checksum-SHA256", a.Checksum)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(a.Content); err != nil {
		slog.Error("failed to write artifact", "artifact_id", a.ID, "error", err)
	}
}
