package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/refreshg/Vian/internal/alerts"
	"github.com/refreshg/Vian/internal/analytics"
	"github.com/refreshg/Vian/internal/compute"
	"github.com/refreshg/Vian/internal/sla"
	"github.com/refreshg/Vian/pkg/types"
)

// Refresher fetches a snapshot bypassing the cache. *store.Loader satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, q types.Query) (*types.Snapshot, error)
}

// ReportBuilder derives a report from a snapshot. *compute.Engine satisfies it.
type ReportBuilder interface {
	Build(snap *types.Snapshot, now time.Time, opts compute.Options) *compute.Report
}

// Publisher exports polled figures. *telemetry.Metrics satisfies it.
type Publisher interface {
	PublishReport(category string, summary sla.Summary, kpi analytics.KPI, at time.Time)
}

// Publishers fans a report out to every publisher in order.
type Publishers []Publisher

// PublishReport implements Publisher.
func (ps Publishers) PublishReport(category string, summary sla.Summary, kpi analytics.KPI, at time.Time) {
	for _, p := range ps {
		p.PublishReport(category, summary, kpi, at)
	}
}

// Evaluator receives polled figures. *alerts.Engine satisfies it.
type Evaluator interface {
	Evaluate(s alerts.Subject, now time.Time)
}

// Config controls what is polled and how often.
type Config struct {
	Interval   time.Duration
	Window     time.Duration
	Categories []string
}

// Poller runs the refresh loop. Publisher and Evaluator may be nil.
type Poller struct {
	cfg       Config
	refresher Refresher
	reports   ReportBuilder
	publisher Publisher
	evaluator Evaluator
	now       func() time.Time
}

// New returns a Poller. Duplicate and blank categories are dropped.
func New(cfg Config, r Refresher, b ReportBuilder, p Publisher, e Evaluator) *Poller {
	cfg.Categories = lo.Uniq(lo.Compact(cfg.Categories))
	return &Poller{cfg: cfg, refresher: r, reports: b, publisher: p, evaluator: e, now: time.Now}
}

// Window returns the query covering the trailing window ending on the
// calendar day of now.
func Window(now time.Time, window time.Duration, category string) types.Query {
	y, m, d := now.Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	start := end
	if window > 0 {
		sy, sm, sd := now.Add(-window).Date()
		start = time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC)
	}
	return types.Query{Start: start, End: end, CategoryID: category}
}

// Poll refreshes every category once and returns the number that failed.
func (p *Poller) Poll(ctx context.Context) int {
	failed := 0
	for _, cat := range p.cfg.Categories {
		if ctx.Err() != nil {
			return failed
		}
		now := p.now()
		q := Window(now, p.cfg.Window, cat)
		snap, err := p.refresher.Refresh(ctx, q)
		if err != nil {
			slog.Warn("poller: refresh failed", "category", cat, "query", q.Key(), "err", err)
			failed++
			continue
		}
		rep := p.reports.Build(snap, now, compute.Options{})
		if p.publisher != nil {
			p.publisher.PublishReport(cat, rep.SLA, rep.Dashboard.KPI, now)
		}
		if p.evaluator != nil {
			p.evaluator.Evaluate(alerts.Subject{Category: cat, SLA: rep.SLA, KPI: rep.Dashboard.KPI}, now)
		}
		slog.Debug("poller: refreshed",
			"category", cat,
			"deals", rep.Total,
			"first_communication_rate", rep.SLA.FirstCommunication.Rate,
			"rejection_rate", rep.Dashboard.KPI.RejectionRate,
		)
	}
	return failed
}

// Run polls immediately and then every Interval until ctx is cancelled.
// A zero Interval returns at once.
func (p *Poller) Run(ctx context.Context) {
	if p.cfg.Interval <= 0 || len(p.cfg.Categories) == 0 {
		return
	}
	slog.Info("poller: started", "interval", p.cfg.Interval, "window", p.cfg.Window, "categories", p.cfg.Categories)
	p.Poll(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}
