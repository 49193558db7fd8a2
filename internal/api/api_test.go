package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refreshg/Vian/internal/alerts"
	"github.com/refreshg/Vian/internal/analytics"
	"github.com/refreshg/Vian/internal/api"
	"github.com/refreshg/Vian/internal/compute"
	"github.com/refreshg/Vian/internal/sla"
	"github.com/refreshg/Vian/internal/stream"
	"github.com/refreshg/Vian/pkg/types"
)

// --- test helpers -----------------------------------------------------------

var now = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

type fakeLoader struct {
	mu      sync.Mutex
	snap    *types.Snapshot
	err     error
	queries []types.Query
}

func (f *fakeLoader) Load(_ context.Context, q types.Query) (*types.Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, false, f.err
	}
	s := *f.snap
	s.Query = q
	return &s, len(f.queries) > 1, nil
}

type fakeAlerts []*alerts.Alert

func (f fakeAlerts) Active(time.Time) []*alerts.Alert { return f }

type countCache int

func (c countCache) Count() int { return int(c) }

type recordingObserver struct {
	mu     sync.Mutex
	routes []string
	codes  []int
	hits   []bool
}

func (o *recordingObserver) ObserveHTTP(route string, code int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes = append(o.routes, route)
	o.codes = append(o.codes, code)
}

func (o *recordingObserver) ObserveCache(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits = append(o.hits, hit)
}

func snapshot() *types.Snapshot {
	created := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	return &types.Snapshot{
		Deals: []types.Deal{
			{ID: "1", StageID: "C1:PREPARATION", CategoryID: "1", CreatedAt: created, Department: "10"},
			{ID: "2", StageID: "C1:LOSE", CategoryID: "1", CreatedAt: created, Department: "10"},
		},
		Events: []types.StageChangeEvent{
			{DealID: "1", StageID: "C1:NEW", At: created},
			{DealID: "1", StageID: "C1:PREPARATION", At: created.Add(30 * time.Minute)},
			{DealID: "2", StageID: "C1:LOSE", At: created.Add(3 * time.Hour)},
		},
		Lookups: types.LookupMaps{
			StageNames:  map[string]string{"C1:NEW": "New", "C1:PREPARATION": "Contacted", "C1:LOSE": "Lost"},
			StageOrder:  []string{"C1:NEW", "C1:PREPARATION", "C1:LOSE"},
			Departments: map[string]string{"10": "Cardiology"},
		},
	}
}

func newHandler(t *testing.T, loader *fakeLoader, mutate ...func(*api.Deps)) *api.Handler {
	t.Helper()
	calc, err := sla.New(sla.DefaultConfig())
	require.NoError(t, err)
	deps := api.Deps{
		Loader:          loader,
		Reports:         compute.NewEngine(calc),
		Alerts:          fakeAlerts{},
		Cache:           countCache(3),
		DefaultCategory: "1",
		Now:             func() time.Time { return now },
	}
	for _, m := range mutate {
		m(&deps)
	}
	return api.New(deps)
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v), "body: %s", rr.Body.String())
}

const window = "?startDate=2024-01-01&endDate=2024-01-31"

// --- /api/v1/deals ----------------------------------------------------------

func TestDeals_OK(t *testing.T) {
	loader := &fakeLoader{snap: snapshot()}
	rr := do(t, newHandler(t, loader), http.MethodGet, "/api/v1/deals"+window)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.NotEmpty(t, rr.Header().Get(api.RequestIDHeader))

	var body map[string]json.RawMessage
	decode(t, rr, &body)
	for _, k := range []string{
		"result", "total", "stageNameMap", "allStageIdsInOrder", "departmentIdToName",
		"slaMetrics", "stageHistoryCount", "stageHistorySample",
	} {
		assert.Contains(t, body, k)
	}

	var total, historyCount int
	require.NoError(t, json.Unmarshal(body["total"], &total))
	require.NoError(t, json.Unmarshal(body["stageHistoryCount"], &historyCount))
	assert.Equal(t, 2, total)
	assert.Equal(t, 3, historyCount)

	var summary sla.Summary
	require.NoError(t, json.Unmarshal(body["slaMetrics"], &summary))
	assert.Equal(t, 2, summary.FirstCommunication.TotalCount)
	assert.Equal(t, 1, summary.FirstCommunication.OnTimeCount)
	assert.Equal(t, 50.0, summary.FirstCommunication.Rate)

	require.Len(t, loader.queries, 1)
	q := loader.queries[0]
	assert.Equal(t, "1", q.CategoryID, "default category applied")
	assert.Equal(t, "2024-01-01", q.Start.Format(types.DateLayout))
	assert.Equal(t, "2024-01-31", q.End.Format(types.DateLayout))
}

func TestDeals_CategoryPassedThrough(t *testing.T) {
	loader := &fakeLoader{snap: snapshot()}
	rr := do(t, newHandler(t, loader), http.MethodGet, "/api/v1/deals"+window+"&categoryId=7")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "7", loader.queries[0].CategoryID)
}

func TestDeals_BadQuery(t *testing.T) {
	cases := map[string]string{
		"missing both":    "",
		"missing end":     "?startDate=2024-01-01",
		"malformed start": "?startDate=01/01/2024&endDate=2024-01-31",
		"impossible date": "?startDate=2024-02-30&endDate=2024-03-01",
		"end before":      "?startDate=2024-02-01&endDate=2024-01-01",
		"bad category":    window + "&categoryId=abc",
	}
	for name, qs := range cases {
		t.Run(name, func(t *testing.T) {
			loader := &fakeLoader{snap: snapshot()}
			rr := do(t, newHandler(t, loader), http.MethodGet, "/api/v1/deals"+qs)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			var body map[string]string
			decode(t, rr, &body)
			assert.NotEmpty(t, body["error"])
			assert.Empty(t, loader.queries, "no fetch on invalid input")
		})
	}
}

func TestDeals_CRMFailure(t *testing.T) {
	loader := &fakeLoader{err: errors.New("QUERY_LIMIT_EXCEEDED")}
	rr := do(t, newHandler(t, loader), http.MethodGet, "/api/v1/deals"+window)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestReportRoutes_MethodNotAllowed(t *testing.T) {
	h := newHandler(t, &fakeLoader{snap: snapshot()})
	for _, path := range []string{"/api/v1/deals", "/api/v1/dashboard", "/api/v1/sla", "/api/v1/alerts", "/api/v1/health"} {
		rr := do(t, h, http.MethodPost, path+window)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code, path)
	}
}

// --- /api/v1/dashboard ------------------------------------------------------

func TestDashboard_OK(t *testing.T) {
	rr := do(t, newHandler(t, &fakeLoader{snap: snapshot()}), http.MethodGet, "/api/v1/dashboard"+window)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp api.DashboardResponse
	decode(t, rr, &resp)
	assert.Equal(t, 2, resp.KPI.TotalRequests)
	assert.Equal(t, 1, resp.KPI.TotalRejections)
	assert.Equal(t, 50.0, resp.KPI.RejectionRate)
	require.Len(t, resp.Departments, 1)
	assert.Equal(t, "Cardiology", resp.Departments[0].Label)
	assert.Equal(t, 2, resp.Departments[0].Count)
	require.Len(t, resp.Stages, 3, "seeded pipeline order keeps zero rows")
	assert.Equal(t, "C1:NEW", resp.Stages[0].Key)
	assert.Equal(t, 0, resp.Stages[0].Count)
}

// --- /api/v1/sla ------------------------------------------------------------

func TestSLA_Trace(t *testing.T) {
	h := newHandler(t, &fakeLoader{snap: snapshot()})

	rr := do(t, h, http.MethodGet, "/api/v1/sla"+window)
	require.Equal(t, http.StatusOK, rr.Code)
	var plain api.SLAResponse
	decode(t, rr, &plain)
	assert.Empty(t, plain.Traces)

	rr = do(t, h, http.MethodGet, "/api/v1/sla"+window+"&trace=true")
	require.Equal(t, http.StatusOK, rr.Code)
	var traced api.SLAResponse
	decode(t, rr, &traced)
	assert.NotEmpty(t, traced.Traces)
	assert.True(t, traced.Cached)
}

func TestSLA_BadTraceFlag(t *testing.T) {
	rr := do(t, newHandler(t, &fakeLoader{snap: snapshot()}), http.MethodGet, "/api/v1/sla"+window+"&trace=maybe")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// --- /api/v1/alerts and /api/v1/health --------------------------------------

func TestAlerts_ListsEngineAlerts(t *testing.T) {
	list := fakeAlerts{{ID: "a1", RuleName: "low", State: "firing", FiredAt: now}}
	h := newHandler(t, &fakeLoader{snap: snapshot()}, func(d *api.Deps) { d.Alerts = list })

	rr := do(t, h, http.MethodGet, "/api/v1/alerts")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp api.AlertsResponse
	decode(t, rr, &resp)
	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, "a1", resp.Alerts[0].ID)
}

func TestAlerts_EmptyIsArray(t *testing.T) {
	h := newHandler(t, &fakeLoader{snap: snapshot()}, func(d *api.Deps) { d.Alerts = nil })
	rr := do(t, h, http.MethodGet, "/api/v1/alerts")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"alerts":[]}`, rr.Body.String())
}

func TestHealth(t *testing.T) {
	rr := do(t, newHandler(t, &fakeLoader{snap: snapshot()}), http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp api.HealthResponse
	decode(t, rr, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.CacheEntries)
}

// --- middleware -------------------------------------------------------------

func TestAPIKey(t *testing.T) {
	h := newHandler(t, &fakeLoader{snap: snapshot()}, func(d *api.Deps) {
		d.Auth = api.AuthOptions{Mode: "apikey", Header: "X-API-Key", Key: "s3cret"}
	})

	rr := do(t, h, http.MethodGet, "/api/v1/dashboard"+window)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard"+window, nil)
	req.Header.Set("X-API-Key", "s3cret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rr.Code, "health stays open")
}

func TestAPIKey_DisabledWithoutKey(t *testing.T) {
	h := newHandler(t, &fakeLoader{snap: snapshot()}, func(d *api.Deps) {
		d.Auth = api.AuthOptions{Mode: "apikey", Header: "X-API-Key"}
	})
	rr := do(t, h, http.MethodGet, "/api/v1/alerts")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestID_KeepsIncoming(t *testing.T) {
	h := newHandler(t, &fakeLoader{snap: snapshot()})
	id := "5b1f7f6e-7d2a-4a53-9b8e-0c6f3f1f2a10"
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(api.RequestIDHeader, id)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, id, rr.Header().Get(api.RequestIDHeader))
}

func TestRecovery(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := api.Chain(panicking, api.RequestID(), api.Recovery())
	rr := do(t, h, http.MethodGet, "/anything")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var body map[string]string
	decode(t, rr, &body)
	assert.Equal(t, "internal server error", body["error"])
	assert.Equal(t, rr.Header().Get(api.RequestIDHeader), body["requestId"])
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	h := newHandler(t, &fakeLoader{snap: snapshot()}, func(d *api.Deps) { d.Observer = obs })

	do(t, h, http.MethodGet, "/api/v1/deals"+window)
	do(t, h, http.MethodGet, "/api/v1/deals"+window)
	do(t, h, http.MethodGet, "/nope")

	assert.Equal(t, []string{"/api/v1/deals", "/api/v1/deals", "other"}, obs.routes)
	assert.Equal(t, []int{200, 200, 404}, obs.codes)
	assert.Equal(t, []bool{false, true}, obs.hits)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	h := newHandler(t, &fakeLoader{snap: snapshot()}, func(d *api.Deps) { d.MetricsHandler = metrics })
	rr := do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "# metrics\n", rr.Body.String())
}

func TestStreamThroughMiddleware(t *testing.T) {
	hub := stream.New()
	hub.PublishReport("1", sla.ZeroSummary(), analytics.KPI{TotalRequests: 4}, now)
	obs := &recordingObserver{}
	h := newHandler(t, &fakeLoader{snap: snapshot()}, func(d *api.Deps) {
		d.Stream = hub
		d.Observer = obs
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg stream.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, stream.EventSnapshot, msg.Event)
	require.Len(t, msg.Data, 1)
	assert.Equal(t, 4, msg.Data[0].KPI.TotalRequests)
}
