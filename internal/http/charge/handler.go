package charge

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/cobranca/internal/charge"
	"github.com/MrJamesThe3rd/cobranca/internal/http/respond"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
)

type Handler struct {
	svc *ledger.Service
}

func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Delete("/{id}", h.delete)
	r.Get("/{id}/quote", h.quote)
	r.Get("/{id}/events", h.events)
	r.Post("/{id}/issue", h.issue)
	r.Post("/{id}/pay", h.markPaid)
	r.Post("/{id}/cancel", h.cancel)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var d charge.Draft
	if err := respond.Decode(r, &d); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}

	c, err := h.svc.Create(r.Context(), d)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusCreated, toResponse(c, nil))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		respond.BadRequest(w, err.Error())
		return
	}

	page, err := h.svc.List(r.Context(), q)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, toPageResponse(page))
}

type queryError struct {
	param string
	err   error
}

func (e *queryError) Error() string { return "invalid " + e.param + ": " + e.err.Error() }

func parseQuery(r *http.Request) (ledger.ChargeQuery, error) {
	v := r.URL.Query()

	q := ledger.ChargeQuery{
		BankCode:   v.Get("bank_code"),
		Kind:       charge.Kind(v.Get("kind")),
		Sort:       ledger.SortField(v.Get("sort")),
		Descending: v.Get("order") == "desc",
	}

	if s := v.Get("state"); s != "" {
		for part := range strings.SplitSeq(s, ",") {
			st := charge.State(strings.TrimSpace(part))
			if !st.Valid() {
				return q, &queryError{param: "state", err: fmt.Errorf("unknown state %q", st)}
			}

			q.States = append(q.States, st)
		}
	}

	dates := []struct {
		param string
		dst   **time.Time
	}{
		{"due_from", &q.DueFrom},
		{"due_to", &q.DueTo},
		{"issued_from", &q.IssuedFrom},
		{"issued_to", &q.IssuedTo},
	}

	for _, d := range dates {
		s := v.Get(d.param)
		if s == "" {
			continue
		}

		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return q, &queryError{param: d.param, err: err}
		}

		*d.dst = new(t)
	}

	ints := []struct {
		param string
		dst   *int
	}{
		{"limit", &q.Limit},
		{"offset", &q.Offset},
	}

	for _, i := range ints {
		s := v.Get(i.param)
		if s == "" {
			continue
		}

		n, err := strconv.Atoi(s)
		if err != nil {
			return q, &queryError{param: i.param, err: err}
		}

		*i.dst = n
	}

	return q, nil
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

	c, err := h.svc.Get(r.Context(), id)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	quote := h.svc.Quote(c, h.svc.Now())
	respond.JSON(w, http.StatusOK, toResponse(c, &quote))
}

func (h *Handler) quote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	asOf := h.svc.Now()

	if s := r.URL.Query().Get("as_of"); s != "" {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			respond.BadRequest(w, "invalid as_of: "+err.Error())
			return
		}

		asOf = t
	}

	c, err := h.svc.Get(r.Context(), id)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, h.svc.Quote(c, asOf))
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if _, err := h.svc.Get(r.Context(), id); err != nil {
		respond.Error(w, r, err)
		return
	}

	events, err := h.svc.Events(r.Context(), id)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, toEventResponses(events))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.svc.DeleteDraft(r.Context(), id); err != nil {
		respond.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type issueRequest struct {
	InstrumentNumber string `json:"instrument_number"`
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req issueRequest
	if r.ContentLength != 0 {
		if err := respond.Decode(r, &req); err != nil {
			respond.BadRequest(w, err.Error())
			return
		}
	}

	c, err := h.svc.Issue(r.Context(), id, ledger.IssueParams{InstrumentNumber: req.InstrumentNumber})
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, toResponse(c, nil))
}

type paymentRequest struct {
	PaidAt   time.Time `json:"paid_at"`
	Amount   *int64    `json:"amount,omitempty"`
	ProofRef string    `json:"proof_ref"`
	Override string    `json:"override"`
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req paymentRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}

	c, err := h.svc.MarkPaid(r.Context(), id, ledger.PaymentParams{
		PaidAt:   req.PaidAt,
		Amount:   req.Amount,
		ProofRef: req.ProofRef,
		Override: req.Override,
	})
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, toResponse(c, nil))
}

type cancelRequest struct {
	Reason   string `json:"reason"`
	Override string `json:"override"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}

	c, err := h.svc.Cancel(r.Context(), id, ledger.CancelParams{Reason: req.Reason, Override: req.Override})
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, toResponse(c, nil))
}
