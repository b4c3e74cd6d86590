package http_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJamesThe3rd/cobranca/internal/assembler"
	"github.com/MrJamesThe3rd/cobranca/internal/auth"
	"github.com/MrJamesThe3rd/cobranca/internal/clock"
	cobrancaHttp "github.com/MrJamesThe3rd/cobranca/internal/http"
	batchHandler "github.com/MrJamesThe3rd/cobranca/internal/http/batch"
	chargeHandler "github.com/MrJamesThe3rd/cobranca/internal/http/charge"
	reportHandler "github.com/MrJamesThe3rd/cobranca/internal/http/report"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger"
	"github.com/MrJamesThe3rd/cobranca/internal/ledger/memstore"
	"github.com/MrJamesThe3rd/cobranca/internal/lock"
	"github.com/MrJamesThe3rd/cobranca/internal/remittance"
	"github.com/MrJamesThe3rd/cobranca/internal/remittance/textfile"
	"github.com/MrJamesThe3rd/cobranca/internal/report"
)

var now = time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)

const draftJSON = `{
	"debtor": {"name": "Fulano de Tal", "tax_id": "12345678901", "tax_id_kind": "cpf"},
	"principal": 100000,
	"issue_date": "2025-02-01T00:00:00Z",
	"due_date": "2025-03-01T00:00:00Z",
	"kind": "fine",
	"penalty_rate": "2",
	"monthly_interest_rate": "1",
	"discount_rate": "0",
	"routing": {"bank_code": "001", "branch": "1234", "account": "99999"}
}`

func newServer(t *testing.T, opts cobrancaHttp.Options) *httptest.Server {
	t.Helper()

	svc := ledger.NewService(memstore.New(), ledger.WithClock(clock.Fixed(now)))
	locker := lock.NewLocal()
	exchange := remittance.NewExchange(svc, remittance.NewRegistry(textfile.New()), locker)

	router := cobrancaHttp.New(
		chargeHandler.NewHandler(svc),
		batchHandler.NewHandler(assembler.New(svc, locker), exchange, svc),
		reportHandler.NewHandler(report.New(svc)),
		opts,
	)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return srv
}

type client struct {
	t    *testing.T
	base string
	auth func(*http.Request)
}

func (c client) do(method, path, contentType, body string) (int, []byte) {
	c.t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.auth != nil {
		c.auth(req)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)

	return resp.StatusCode, out
}

func (c client) json(method, path, body string, want int) map[string]any {
	c.t.Helper()

	status, raw := c.do(method, path, "application/json", body)
	require.Equal(c.t, want, status, string(raw))

	var out map[string]any
	if len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, &out), string(raw))
	}

	return out
}

func operator(name string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(auth.ActorHeader, name) }
}

func TestRouter_BillingCycle(t *testing.T) {
	srv := newServer(t, cobrancaHttp.Options{})
	c := client{t: t, base: srv.URL, auth: operator("maria")}

	created := c.json(http.MethodPost, "/api/v1/charges", draftJSON, http.StatusCreated)
	assert.Equal(t, "draft", created["state"])
	id := created["id"].(string)

	issued := c.json(http.MethodPost, "/api/v1/charges/"+id+"/issue", "", http.StatusOK)
	assert.Equal(t, "BLT0000000001", issued["instrument_number"])

	got := c.json(http.MethodGet, "/api/v1/charges/"+id, "", http.StatusOK)
	assert.InDelta(t, 103333, got["amount_due"].(map[string]any)["total"], 0)

	quote := c.json(http.MethodGet, "/api/v1/charges/"+id+"/quote?as_of=2025-03-31", "", http.StatusOK)
	assert.InDelta(t, 103000, quote["total"], 0)

	b := c.json(http.MethodPost, "/api/v1/batches", `{"bank_code": "001"}`, http.StatusCreated)
	assert.Equal(t, "001-000001", b["reference"])
	assert.Equal(t, "assembled", b["state"])
	batchID := b["id"].(string)

	status, content := c.do(http.MethodPost, "/api/v1/batches/"+batchID+"/dispatch", "", "")
	require.Equal(t, http.StatusOK, status, string(content))
	assert.True(t, bytes.HasPrefix(content, []byte("REMESSA;001-000001;001;1;")), string(content))

	dispatched := c.json(http.MethodGet, "/api/v1/batches/"+batchID, "", http.StatusOK)
	assert.Equal(t, "dispatched", dispatched["state"])

	status, download := c.do(http.MethodGet, "/api/v1/batches/artifacts/"+dispatched["outbound_artifact_id"].(string), "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, content, download)

	inTransit := c.json(http.MethodGet, "/api/v1/charges/"+id, "", http.StatusOK)
	assert.Equal(t, "in_transit", inTransit["state"])

	ret := "RETORNO;001-000001;001;11-04-2025\nD;BLT0000000001;PAGO;1033,33;10-04-2025 09:30;\nT;1\n"
	status, raw := c.do(http.MethodPost, "/api/v1/batches/"+batchID+"/returns?filename=ret.txt", "text/plain", ret)
	require.Equal(t, http.StatusOK, status, string(raw))

	var result remittance.Result
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, 1, result.Confirmed)
	assert.Equal(t, "processed", string(result.BatchState))

	paid := c.json(http.MethodGet, "/api/v1/charges/"+id, "", http.StatusOK)
	assert.Equal(t, "paid", paid["state"])

	status, raw = c.do(http.MethodGet, "/api/v1/charges/"+id+"/events", "", "")
	require.Equal(t, http.StatusOK, status)

	var events []map[string]any
	require.NoError(t, json.Unmarshal(raw, &events))
	require.Len(t, events, 5)
	assert.Equal(t, "maria", events[0]["actor"])
	assert.Equal(t, "paid", events[4]["to"])

	stats := c.json(http.MethodGet, "/api/v1/reports/statistics", "", http.StatusOK)
	byState := stats["by_state"].(map[string]any)
	assert.InDelta(t, 1, byState["paid"].(map[string]any)["count"], 0)

	status, raw = c.do(http.MethodGet, "/api/v1/reports/batches?bank_code=001", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), `"paid":1`)
}

func TestRouter_Errors(t *testing.T) {
	srv := newServer(t, cobrancaHttp.Options{})
	c := client{t: t, base: srv.URL}

	type testCase struct {
		name     string
		method   string
		path     string
		body     string
		want     int
		wantKind string
	}

	tests := []testCase{
		{
			name:     "InvalidDraft",
			method:   http.MethodPost,
			path:     "/api/v1/charges",
			body:     strings.Replace(draftJSON, `"principal": 100000`, `"principal": -5`, 1),
			want:     http.StatusUnprocessableEntity,
			wantKind: "validation",
		},
		{
			name:     "UnknownField",
			method:   http.MethodPost,
			path:     "/api/v1/charges",
			body:     `{"amount": 1}`,
			want:     http.StatusBadRequest,
			wantKind: "validation",
		},
		{name: "BadID", method: http.MethodGet, path: "/api/v1/charges/nope", want: http.StatusBadRequest, wantKind: "validation"},
		{
			name:     "MissingCharge",
			method:   http.MethodGet,
			path:     "/api/v1/charges/7f1d2c3e-0000-4000-8000-000000000000",
			want:     http.StatusNotFound,
			wantKind: "not_found",
		},
		{name: "BadState", method: http.MethodGet, path: "/api/v1/charges?state=lost", want: http.StatusBadRequest, wantKind: "validation"},
		{name: "BadSort", method: http.MethodGet, path: "/api/v1/charges?sort=color", want: http.StatusUnprocessableEntity, wantKind: "validation"},
		{
			name:     "EmptySelection",
			method:   http.MethodPost,
			path:     "/api/v1/batches",
			body:     `{"bank_code": "001"}`,
			want:     http.StatusUnprocessableEntity,
			wantKind: "validation",
		},
		{
			name:     "InvalidRange",
			method:   http.MethodGet,
			path:     "/api/v1/reports/statistics?from=2025-04-01&to=2025-03-01",
			want:     http.StatusUnprocessableEntity,
			wantKind: "validation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := c.json(tt.method, tt.path, tt.body, tt.want)
			assert.Equal(t, tt.wantKind, body["kind"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRouter_CancelNeedsReason(t *testing.T) {
	srv := newServer(t, cobrancaHttp.Options{})
	c := client{t: t, base: srv.URL}

	created := c.json(http.MethodPost, "/api/v1/charges", draftJSON, http.StatusCreated)
	id := created["id"].(string)
	c.json(http.MethodPost, "/api/v1/charges/"+id+"/issue", "", http.StatusOK)

	body := c.json(http.MethodPost, "/api/v1/charges/"+id+"/cancel", `{"reason": ""}`, http.StatusUnprocessableEntity)
	assert.Contains(t, body["fields"], "reason")

	cancelled := c.json(http.MethodPost, "/api/v1/charges/"+id+"/cancel", `{"reason": "duplicated"}`, http.StatusOK)
	assert.Equal(t, "cancelled", cancelled["state"])

	status, _ := c.do(http.MethodDelete, "/api/v1/charges/"+id, "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	draft := c.json(http.MethodPost, "/api/v1/charges", draftJSON, http.StatusCreated)
	status, _ = c.do(http.MethodDelete, "/api/v1/charges/"+draft["id"].(string), "", "")
	assert.Equal(t, http.StatusNoContent, status)
}

func TestRouter_Auth(t *testing.T) {
	secret := []byte("test-secret")
	srv := newServer(t, cobrancaHttp.Options{JWTSecret: secret})

	status, _ := client{t: t, base: srv.URL}.do(http.MethodGet, "/api/v1/charges", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	token, err := auth.IssueToken("joana", secret, time.Hour)
	require.NoError(t, err)

	c := client{t: t, base: srv.URL, auth: func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}}

	created := c.json(http.MethodPost, "/api/v1/charges", draftJSON, http.StatusCreated)

	status, raw := c.do(http.MethodGet, "/api/v1/charges/"+created["id"].(string)+"/events", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), `"actor":"joana"`)
}

func TestRouter_OperationalEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	srv := newServer(t, cobrancaHttp.Options{
		Gatherer:       reg,
		AllowedOrigins: []string{"https://console.example"},
	})
	c := client{t: t, base: srv.URL}

	status, _ := c.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, status)

	status, raw := c.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), "go_goroutines")

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/charges", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "https://console.example", resp.Header.Get("Access-Control-Allow-Origin"))
}
