package report

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrJamesThe3rd/cobranca/internal/batch"
	"github.com/MrJamesThe3rd/cobranca/internal/http/respond"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
	"github.com/MrJamesThe3rd/cobranca/internal/report"
)

type Handler struct {
	reporter *report.Reporter
}

func NewHandler(reporter *report.Reporter) *Handler {
	return &Handler{reporter: reporter}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/statistics", h.statistics)
	r.Get("/overdue", h.overdue)
	r.Get("/batches", h.batches)
}

func parseDate(r *http.Request, param string) (time.Time, bool) {
	s := r.URL.Query().Get(param)
	if s == "" {
		return time.Time{}, true
	}

	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	from, ok := parseDate(r, "from")
	if !ok {
		respond.BadRequest(w, "invalid from: want YYYY-MM-DD")
		return
	}

	to, ok := parseDate(r, "to")
	if !ok {
		respond.BadRequest(w, "invalid to: want YYYY-MM-DD")
		return
	}

	stats, err := h.reporter.Statistics(r.Context(), report.DateRange{From: from, To: to})
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, stats)
}

func (h *Handler) overdue(w http.ResponseWriter, r *http.Request) {
	asOf, ok := parseDate(r, "as_of")
	if !ok {
		respond.BadRequest(w, "invalid as_of: want YYYY-MM-DD")
		return
	}

	out, err := h.reporter.Overdue(r.Context(), asOf)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, out)
}

func (h *Handler) batches(w http.ResponseWriter, r *http.Request) {
	q := ledger.BatchQuery{BankCode: r.URL.Query().Get("bank_code")}

	if s := r.URL.Query().Get("state"); s != "" {
		for part := range strings.SplitSeq(s, ",") {
			q.States = append(q.States, batch.State(strings.TrimSpace(part)))
		}
	}

	out, err := h.reporter.Batches(r.Context(), q)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, out)
}
