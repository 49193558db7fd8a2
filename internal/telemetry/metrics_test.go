package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refreshg/Vian/internal/analytics"
	"github.com/refreshg/Vian/internal/sla"
)

func scrape(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	m.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(rec.Body)
	require.NoError(t, err)
	return mfs
}

// value returns the sample of mf whose labels include want.
func value(mf *dto.MetricFamily, want map[string]string) (float64, bool) {
	for _, m := range mf.GetMetric() {
		match := 0
		for _, lp := range m.GetLabel() {
			if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
				match++
			}
		}
		if match != len(want) {
			continue
		}
		switch {
		case m.Counter != nil:
			return m.Counter.GetValue(), true
		case m.Gauge != nil:
			return m.Gauge.GetValue(), true
		case m.Histogram != nil:
			return float64(m.Histogram.GetSampleCount()), true
		}
	}
	return 0, false
}

func TestHandler_CountersAndHistograms(t *testing.T) {
	m := New()
	m.ObserveHTTP("/api/v1/sla", 200, 20*time.Millisecond)
	m.ObserveHTTP("/api/v1/sla", 200, 30*time.Millisecond)
	m.ObserveHTTP("/api/v1/sla", 400, time.Millisecond)
	m.ObserveCRMRequest("crm.deal.list", "ok", time.Second)
	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveCache(false)

	mfs := scrape(t, m)

	v, ok := value(mfs["vian_http_requests_total"], map[string]string{"route": "/api/v1/sla", "code": "200"})
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	v, ok = value(mfs["vian_http_request_duration_seconds"], map[string]string{"route": "/api/v1/sla"})
	require.True(t, ok)
	assert.Equal(t, 3.0, v)

	v, _ = value(mfs["vian_crm_requests_total"], map[string]string{"method": "crm.deal.list", "outcome": "ok"})
	assert.Equal(t, 1.0, v)

	v, _ = value(mfs["vian_snapshot_cache_total"], map[string]string{"result": "miss"})
	assert.Equal(t, 2.0, v)

	assert.Contains(t, mfs, "go_goroutines")
}

func TestPublishReport(t *testing.T) {
	m := New()
	summary := sla.ZeroSummary()
	summary.FollowUp = sla.NewMetric(sla.TitleFollowUp, 3, 4)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.PublishReport("1", summary, analytics.KPI{TotalRequests: 40, RejectionRate: 13}, at)

	mfs := scrape(t, m)

	v, ok := value(mfs["vian_sla_rate_percent"], map[string]string{"metric": sla.KeyFollowUp, "category": "1"})
	require.True(t, ok)
	assert.Equal(t, 75.0, v)

	v, _ = value(mfs["vian_sla_applicable_deals"], map[string]string{"metric": sla.KeyFollowUp, "category": "1"})
	assert.Equal(t, 4.0, v)

	v, _ = value(mfs["vian_deals"], map[string]string{"category": "1"})
	assert.Equal(t, 40.0, v)

	v, _ = value(mfs["vian_last_refresh_timestamp_seconds"], map[string]string{"category": "1"})
	assert.Equal(t, float64(at.Unix()), v)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	New().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
