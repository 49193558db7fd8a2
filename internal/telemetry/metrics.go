package telemetry

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"

	"github.com/refreshg/Vian/internal/analytics"
	"github.com/refreshg/Vian/internal/sla"
)

const namespace = "vian"

// Metrics is the service registry. The zero value is not usable; call New.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	crmRequests  *prometheus.CounterVec
	crmDuration  *prometheus.HistogramVec
	cache        *prometheus.CounterVec
	slaRate      *prometheus.GaugeVec
	slaOnTime    *prometheus.GaugeVec
	slaTotal     *prometheus.GaugeVec
	deals        *prometheus.GaugeVec
	rejection    *prometheus.GaugeVec
	lastRefresh  *prometheus.GaugeVec
}

// New registers every collector on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		crmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crm_requests_total",
			Help:      "Bitrix24 REST calls, by method and outcome (ok, api_error, error).",
		}, []string{"method", "outcome"}),
		crmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crm_request_duration_seconds",
			Help:      "Bitrix24 REST call latency by method.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_total",
			Help:      "Snapshot lookups by result (hit, miss).",
		}, []string{"result"}),
		slaRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sla_rate_percent",
			Help:      "Latest on-time rate per SLA metric and pipeline.",
		}, []string{"metric", "category"}),
		slaOnTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sla_on_time_deals",
			Help:      "Latest on-time deal count per SLA metric and pipeline.",
		}, []string{"metric", "category"}),
		slaTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sla_applicable_deals",
			Help:      "Latest applicable deal count per SLA metric and pipeline.",
		}, []string{"metric", "category"}),
		deals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deals",
			Help:      "Deals in the latest polled window per pipeline.",
		}, []string{"category"}),
		rejection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rejection_rate_percent",
			Help:      "Rejection rate in the latest polled window per pipeline.",
		}, []string{"category"}),
		lastRefresh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix time of the latest successful poll per pipeline.",
		}, []string{"category"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.crmRequests, m.crmDuration,
		m.cache,
		m.slaRate, m.slaOnTime, m.slaTotal,
		m.deals, m.rejection, m.lastRefresh,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveCRMRequest records one Bitrix24 call attempt.
func (m *Metrics) ObserveCRMRequest(method, outcome string, elapsed time.Duration) {
	m.crmRequests.WithLabelValues(method, outcome).Inc()
	m.crmDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveCache records a snapshot cache hit or miss.
func (m *Metrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

// PublishReport sets the SLA and KPI gauges for category from a polled
// report.
func (m *Metrics) PublishReport(category string, summary sla.Summary, kpi analytics.KPI, at time.Time) {
	for _, key := range sla.Keys {
		metric, _ := summary.Get(key)
		m.slaRate.WithLabelValues(key, category).Set(metric.Rate)
		m.slaOnTime.WithLabelValues(key, category).Set(float64(metric.OnTimeCount))
		m.slaTotal.WithLabelValues(key, category).Set(float64(metric.TotalCount))
	}
	m.deals.WithLabelValues(category).Set(float64(kpi.TotalRequests))
	m.rejection.WithLabelValues(category).Set(kpi.RejectionRate)
	m.lastRefresh.WithLabelValues(category).Set(float64(at.Unix()))
}

// Handler serves the registry in the exposition format the client asked for.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		mfs, err := m.reg.Gather()
		if err != nil && len(mfs) == 0 {
			http.Error(w, "gather metrics: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if err != nil {
			slog.Warn("telemetry: partial gather", "err", err)
		}

		format := expfmt.Negotiate(r.Header)
		w.Header().Set("Content-Type", string(format))
		enc := expfmt.NewEncoder(w, format)
		for _, mf := range mfs {
			if err := enc.Encode(mf); err != nil {
				slog.Warn("telemetry: encode metric family", "name", mf.GetName(), "err", err)
				return
			}
		}
		if closer, ok := enc.(expfmt.Closer); ok {
			_ = closer.Close()
		}
	})
}
