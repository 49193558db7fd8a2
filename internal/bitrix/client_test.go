package bitrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refreshg/Vian/internal/normalize"
)

// fakeCRM records request bodies per method and answers with handler.
type fakeCRM struct {
	mu     sync.Mutex
	bodies map[string][]map[string]any
}

func newFake(t *testing.T, handler func(method string, body map[string]any) (int, any)) (*httptest.Server, *fakeCRM) {
	t.Helper()
	f := &fakeCRM{bodies: make(map[string][]map[string]any)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.TrimPrefix(r.URL.Path, "/rest/1/token/")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.bodies[method] = append(f.bodies[method], body)
		f.mu.Unlock()

		status, resp := handler(method, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, f
}

func (f *fakeCRM) calls(method string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[method]
}

func newClient(t *testing.T, srv *httptest.Server, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{WebhookURL: srv.URL + "/rest/1/token/", MaxRetries: 2}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	return c
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveCRMRequest(method, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[method+"/"+outcome]++
}

func TestNew_RequiresWebhook(t *testing.T) {
	_, err := New(Config{WebhookURL: "  "})
	require.Error(t, err)
}

// --- crm.deal.list ---

func dealPage(from, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"ID": fmt.Sprint(from + i)}
	}
	return out
}

func TestDeals_Paginates(t *testing.T) {
	srv, fake := newFake(t, func(method string, body map[string]any) (int, any) {
		switch int(body["start"].(float64)) {
		case 0:
			return 200, map[string]any{"result": dealPage(1, 50), "next": 50, "total": 120}
		case 50:
			return 200, map[string]any{"result": dealPage(51, 50), "next": 100, "total": 120}
		default:
			return 200, map[string]any{"result": dealPage(101, 20), "total": 120}
		}
	})
	c := newClient(t, srv, nil)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recs, err := c.Deals(context.Background(), DealQuery{
		Start: start, End: start.AddDate(0, 0, 30), CategoryID: "3", Select: []string{"ID", "STAGE_ID"},
	})
	require.NoError(t, err)
	require.Len(t, recs, 120)
	assert.Equal(t, "120", normalize.String(recs[119]["ID"]))

	calls := fake.calls("crm.deal.list")
	require.Len(t, calls, 3)
	filter := calls[0]["FILTER"].(map[string]any)
	assert.Equal(t, "2024-01-01T00:00:00", filter[">=DATE_CREATE"])
	assert.Equal(t, "2024-01-31T23:59:59", filter["<=DATE_CREATE"])
	assert.Equal(t, "3", filter["CATEGORY_ID"])
	assert.Equal(t, map[string]any{"DATE_CREATE": "DESC"}, calls[0]["ORDER"])
}

func TestDeals_ShortPageStops(t *testing.T) {
	srv, fake := newFake(t, func(string, map[string]any) (int, any) {
		// A misbehaving next on a short page must not loop.
		return 200, map[string]any{"result": dealPage(1, 3), "next": 50}
	})
	recs, err := newClient(t, srv, nil).Deals(context.Background(), DealQuery{})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.Len(t, fake.calls("crm.deal.list"), 1)
}

func TestDeals_APIError(t *testing.T) {
	srv, _ := newFake(t, func(string, map[string]any) (int, any) {
		return 401, map[string]any{"error": "INVALID_CREDENTIALS", "error_description": "Invalid request credentials"}
	})
	_, err := newClient(t, srv, nil).Deals(context.Background(), DealQuery{})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INVALID_CREDENTIALS", apiErr.Code)
	assert.Equal(t, 401, apiErr.Status)
	assert.False(t, apiErr.Transient())
	assert.Contains(t, err.Error(), "Invalid request credentials")
}

func TestDeals_ErrorInOKBody(t *testing.T) {
	srv, _ := newFake(t, func(string, map[string]any) (int, any) {
		return 200, map[string]any{"error": "ACCESS_DENIED"}
	})
	_, err := newClient(t, srv, nil).Deals(context.Background(), DealQuery{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ACCESS_DENIED", apiErr.Code)
}

// --- retry ---

func TestCall_RetriesTransient(t *testing.T) {
	var n atomic.Int32
	srv, _ := newFake(t, func(string, map[string]any) (int, any) {
		if n.Add(1) < 3 {
			return 503, map[string]any{"error": "QUERY_LIMIT_EXCEEDED", "error_description": "Too many requests"}
		}
		return 200, map[string]any{"result": []any{map[string]any{"STATUS_ID": "WEB", "NAME": "Website"}}}
	})
	obs := &countingObserver{}
	c, err := New(Config{WebhookURL: srv.URL + "/rest/1/token", MaxRetries: 3},
		WithRetryDelay(time.Millisecond), WithObserver(obs))
	require.NoError(t, err)

	m, err := c.Sources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"WEB": "Website"}, m)
	assert.Equal(t, int32(3), n.Load())
	assert.Equal(t, 2, obs.outcomes["crm.status.list/api_error"])
	assert.Equal(t, 1, obs.outcomes["crm.status.list/ok"])
}

func TestCall_GivesUpAfterMaxRetries(t *testing.T) {
	var n atomic.Int32
	srv, _ := newFake(t, func(string, map[string]any) (int, any) {
		n.Add(1)
		return 500, map[string]any{}
	})
	_, err := newClient(t, srv, func(c *Config) { c.MaxRetries = 1 }).Sources(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), n.Load())
}

func TestCall_ContextCancelled(t *testing.T) {
	srv, _ := newFake(t, func(string, map[string]any) (int, any) { return 200, map[string]any{"result": []any{}} })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newClient(t, srv, nil).Sources(ctx)
	require.Error(t, err)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := &backoff{current: time.Second}
	for i := 0; i < 10; i++ {
		d := b.next()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, backoffMax+backoffMax/4)
	}
	assert.Equal(t, backoffMax, b.current)
}

// --- crm.status.list ---

func TestStages(t *testing.T) {
	srv, fake := newFake(t, func(string, map[string]any) (int, any) {
		return 200, map[string]any{"result": []any{
			map[string]any{"STATUS_ID": "C1:NEW", "NAME": "New Request"},
			map[string]any{"STATUS_ID": "C1:FOLLOW", "NAME": "Follow up in 24 Hours"},
			map[string]any{"STATUS_ID": "C1:NONAME"},
			map[string]any{"STATUS_ID": "C1:LOSE", "NAME": "Lost"},
		}}
	})
	st, err := newClient(t, srv, nil).Stages(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"C1:NEW", "C1:FOLLOW", "C1:LOSE"}, st.Order)
	assert.Equal(t, "Lost", st.Names["C1:LOSE"])

	filter := fake.calls("crm.status.list")[0]["FILTER"].(map[string]any)
	assert.Equal(t, "DEAL_STAGE_1", filter["ENTITY_ID"])
}

func TestStatusEntityID(t *testing.T) {
	assert.Equal(t, "DEAL_STAGE", StatusEntityID("0"))
	assert.Equal(t, "DEAL_STAGE", StatusEntityID(""))
	assert.Equal(t, "DEAL_STAGE_3", StatusEntityID("3"))
}

// --- crm.deal.fields ---

func TestFieldOptions(t *testing.T) {
	srv, fake := newFake(t, func(string, map[string]any) (int, any) {
		return 200, map[string]any{"result": map[string]any{
			"UF_DEPT":    map[string]any{"type": "enumeration", "items": []any{map[string]any{"ID": "44", "VALUE": "Orthopedics"}}},
			"UF_COUNTRY": map[string]any{"list": []any{map[string]any{"ID": 12, "VALUE": "Georgia"}}},
			"UF_LEGACY":  map[string]any{"LIST": []any{map[string]any{"ID": "1", "VALUE": "Yes"}, map[string]any{"VALUE": "no id"}}},
			"TITLE":      map[string]any{"type": "string"},
		}}
	})
	got, err := newClient(t, srv, nil).FieldOptions(context.Background(), "UF_DEPT", "UF_COUNTRY", "UF_LEGACY", "TITLE", "UF_MISSING")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"44": "Orthopedics"}, got["UF_DEPT"])
	assert.Equal(t, map[string]string{"12": "Georgia"}, got["UF_COUNTRY"])
	assert.Equal(t, map[string]string{"1": "Yes"}, got["UF_LEGACY"])
	assert.Empty(t, got["TITLE"])
	assert.NotNil(t, got["UF_MISSING"])
	assert.Len(t, fake.calls("crm.deal.fields"), 1, "one call serves every field")
}

// --- crm.stagehistory.list ---

func TestStageHistory_ChunksAndBothShapes(t *testing.T) {
	srv, fake := newFake(t, func(_ string, body map[string]any) (int, any) {
		owners := body["filter"].(map[string]any)["OWNER_ID"].([]any)
		first := fmt.Sprint(owners[0])
		start := int(body["start"].(float64))
		item := func(id string) map[string]any {
			return map[string]any{"ID": id, "OWNER_ID": first, "STAGE_ID": "C1:NEW", "CREATED_TIME": "2024-01-01T00:00:00+00:00"}
		}
		if first == "1" {
			// Wrapped shape, two pages.
			if start == 0 {
				return 200, map[string]any{"result": map[string]any{"items": []any{item("a")}, "next": 50}}
			}
			return 200, map[string]any{"result": map[string]any{"items": []any{item("b")}}}
		}
		// Bare array with a repeating next; must stop after one page.
		return 200, map[string]any{"result": []any{item("c")}, "next": 0}
	})
	ids := make([]string, 25)
	for i := range ids {
		ids[i] = fmt.Sprint(i + 1)
	}
	recs, err := newClient(t, srv, func(c *Config) { c.HistoryChunkSize = 20 }).StageHistory(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", normalize.String(recs[0]["ID"]))
	assert.Equal(t, "c", normalize.String(recs[2]["ID"]))

	calls := fake.calls("crm.stagehistory.list")
	require.Len(t, calls, 3)
	assert.Equal(t, float64(2), calls[0]["entityTypeId"])
	assert.Len(t, calls[0]["filter"].(map[string]any)["OWNER_ID"], 20)
	assert.Len(t, calls[2]["filter"].(map[string]any)["OWNER_ID"], 5)
}

func TestStageHistory_EmptyPageStops(t *testing.T) {
	srv, fake := newFake(t, func(string, map[string]any) (int, any) {
		return 200, map[string]any{"result": map[string]any{"items": []any{}, "next": 50}}
	})
	recs, err := newClient(t, srv, nil).StageHistory(context.Background(), []string{"1"})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Len(t, fake.calls("crm.stagehistory.list"), 1)
}

func TestStageHistory_NoIDs(t *testing.T) {
	srv, fake := newFake(t, func(string, map[string]any) (int, any) { return 200, map[string]any{} })
	recs, err := newClient(t, srv, nil).StageHistory(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, fake.calls("crm.stagehistory.list"))
}

func TestOwnerFilter(t *testing.T) {
	assert.Equal(t, []int64{1, 22}, ownerFilter([]string{"1", "x", "22", "-3"}))
	assert.Equal(t, []string{"a", "b"}, ownerFilter([]string{"a", "b"}))
}
