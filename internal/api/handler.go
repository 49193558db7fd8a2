package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/refreshg/Vian/internal/alerts"
	"github.com/refreshg/Vian/internal/compute"
	"github.com/refreshg/Vian/pkg/types"
)

// SnapshotLoader returns the snapshot for a query and whether it was cached.
// *store.Loader satisfies it.
type SnapshotLoader interface {
	Load(ctx context.Context, q types.Query) (*types.Snapshot, bool, error)
}

// ReportBuilder derives a report from a snapshot. *compute.Engine satisfies it.
type ReportBuilder interface {
	Build(snap *types.Snapshot, now time.Time, opts compute.Options) *compute.Report
}

// AlertLister lists alerts. *alerts.Engine satisfies it.
type AlertLister interface {
	Active(now time.Time) []*alerts.Alert
}

// CacheStats reports the number of cached snapshots. *store.Store satisfies it.
type CacheStats interface {
	Count() int
}

// Observer records served requests and cache lookups.
// *telemetry.Metrics satisfies it.
type Observer interface {
	ObserveHTTP(route string, code int, elapsed time.Duration)
	ObserveCache(hit bool)
}

// Deps are the collaborators of the handler. Loader and Reports are
// required; the rest may be nil.
type Deps struct {
	Loader  SnapshotLoader
	Reports ReportBuilder
	Alerts  AlertLister
	Cache   CacheStats

	// Stream, when set, serves live updates on /api/v1/stream.
	Stream http.Handler

	// Observer and MetricsHandler enable request metrics and GET /metrics.
	Observer       Observer
	MetricsHandler http.Handler

	// DefaultCategory is used when a request omits categoryId.
	DefaultCategory string

	// Auth guards every route except health and metrics.
	Auth AuthOptions

	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	deps     Deps
	validate *validator.Validate
	mux      *http.ServeMux
	root     http.Handler
}

const (
	routeDeals     = "/api/v1/deals"
	routeDashboard = "/api/v1/dashboard"
	routeSLA       = "/api/v1/sla"
	routeAlerts    = "/api/v1/alerts"
	routeHealth    = "/api/v1/health"
	routeStream    = "/api/v1/stream"
	routeMetrics   = "/metrics"
)

// New creates a Handler and registers all routes.
func New(deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &Handler{deps: deps, validate: validator.New(), mux: http.NewServeMux()}

	h.mux.HandleFunc(routeDeals, h.deals)
	h.mux.HandleFunc(routeDashboard, h.dashboard)
	h.mux.HandleFunc(routeSLA, h.sla)
	h.mux.HandleFunc(routeAlerts, h.alerts)
	h.mux.HandleFunc(routeHealth, h.health)
	if deps.Stream != nil {
		h.mux.Handle(routeStream, deps.Stream)
	}
	if deps.MetricsHandler != nil {
		h.mux.Handle(routeMetrics, deps.MetricsHandler)
	}

	h.root = Chain(h.mux,
		RequestID(),
		Logging(deps.Observer),
		Recovery(),
		APIKey(deps.Auth, routeHealth, routeMetrics),
	)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// deals returns the full report: deals, lookup maps, SLA and history sample.
func (h *Handler) deals(w http.ResponseWriter, r *http.Request) {
	rep, cached, ok := h.report(w, r, compute.Options{})
	if !ok {
		return
	}
	w.Header().Set("X-Cache", cacheHeader(cached))
	jsonResp(w, http.StatusOK, rep)
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	rep, cached, ok := h.report(w, r, compute.Options{})
	if !ok {
		return
	}
	jsonResp(w, http.StatusOK, DashboardResponse{
		Query:       rep.Query,
		GeneratedAt: rep.GeneratedAt,
		Cached:      cached,
		Dashboard:   rep.Dashboard,
		SLA:         rep.SLA,
		Warnings:    rep.Warnings,
	})
}

func (h *Handler) sla(w http.ResponseWriter, r *http.Request) {
	trace := false
	if v := r.URL.Query().Get("trace"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			jsonErr(w, r, http.StatusBadRequest, "trace must be a boolean")
			return
		}
		trace = b
	}
	rep, cached, ok := h.report(w, r, compute.Options{Trace: trace})
	if !ok {
		return
	}
	jsonResp(w, http.StatusOK, SLAResponse{
		Query:       rep.Query,
		GeneratedAt: rep.GeneratedAt,
		Cached:      cached,
		SLA:         rep.SLA,
		Traces:      rep.Traces,
		SLAError:    rep.SLAError,
	})
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	list := []*alerts.Alert{}
	if h.deps.Alerts != nil {
		if active := h.deps.Alerts.Active(h.deps.Now()); active != nil {
			list = active
		}
	}
	jsonResp(w, http.StatusOK, AlertsResponse{Alerts: list})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := HealthResponse{Status: "ok", Time: h.deps.Now().UTC()}
	if h.deps.Cache != nil {
		resp.CacheEntries = h.deps.Cache.Count()
	}
	jsonResp(w, http.StatusOK, resp)
}

// --- report plumbing --------------------------------------------------------

type reportParams struct {
	StartDate  string `validate:"required,datetime=2006-01-02"`
	EndDate    string `validate:"required,datetime=2006-01-02"`
	CategoryID string `validate:"omitempty,numeric"`
}

var errDates = errors.New("startDate and endDate are required (YYYY-MM-DD)")

// parseQuery validates the report query parameters.
func (h *Handler) parseQuery(r *http.Request) (types.Query, error) {
	v := r.URL.Query()
	p := reportParams{
		StartDate:  strings.TrimSpace(v.Get("startDate")),
		EndDate:    strings.TrimSpace(v.Get("endDate")),
		CategoryID: strings.TrimSpace(v.Get("categoryId")),
	}
	if err := h.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && verrs[0].Field() == "CategoryID" {
			return types.Query{}, errors.New("categoryId must be numeric")
		}
		return types.Query{}, errDates
	}

	start, err := time.Parse(types.DateLayout, p.StartDate)
	if err != nil {
		return types.Query{}, errDates
	}
	end, err := time.Parse(types.DateLayout, p.EndDate)
	if err != nil {
		return types.Query{}, errDates
	}
	if end.Before(start) {
		return types.Query{}, errors.New("endDate is before startDate")
	}
	if p.CategoryID == "" {
		p.CategoryID = h.deps.DefaultCategory
	}
	return types.Query{Start: start, End: end, CategoryID: p.CategoryID}, nil
}

// report loads and builds the report for r, writing the error response
// itself when it returns ok == false.
func (h *Handler) report(w http.ResponseWriter, r *http.Request, opts compute.Options) (*compute.Report, bool, bool) {
	if r.Method != http.MethodGet {
		jsonErr(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return nil, false, false
	}
	q, err := h.parseQuery(r)
	if err != nil {
		jsonErr(w, r, http.StatusBadRequest, err.Error())
		return nil, false, false
	}

	snap, cached, err := h.deps.Loader.Load(r.Context(), q)
	if err != nil {
		slog.Error("api: load snapshot failed",
			"query", q.Key(), "request_id", RequestIDFrom(r.Context()), "err", err)
		jsonErr(w, r, http.StatusBadGateway, "failed to fetch deals from CRM")
		return nil, false, false
	}
	if h.deps.Observer != nil {
		h.deps.Observer.ObserveCache(cached)
	}
	return h.deps.Reports.Build(snap, h.deps.Now(), opts), cached, true
}

// --- helpers ----------------------------------------------------------------

func cacheHeader(cached bool) string {
	if cached {
		return "HIT"
	}
	return "MISS"
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, r *http.Request, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg, RequestID: RequestIDFrom(r.Context())})
}
