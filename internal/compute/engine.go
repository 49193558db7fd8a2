package compute

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/refreshg/Vian/internal/analytics"
	"github.com/refreshg/Vian/internal/history"
	"github.com/refreshg/Vian/internal/sla"
	"github.com/refreshg/Vian/pkg/types"
)

// sampleSize is the number of stage-history events echoed in a report.
const sampleSize = 5

// Report is everything derived from one snapshot.
type Report struct {
	Query       types.Query `json:"query"`
	GeneratedAt time.Time   `json:"generatedAt"`

	Deals []types.Deal `json:"result"`
	Total int          `json:"total"`
	types.LookupMaps

	SLA    sla.Summary `json:"slaMetrics"`
	Traces []sla.Trace `json:"traces,omitempty"`

	// SLAError is set when the SLA pass failed and SLA is the zero summary.
	SLAError string `json:"slaError,omitempty"`

	StageHistoryCount  int                      `json:"stageHistoryCount"`
	StageHistorySample []types.StageChangeEvent `json:"stageHistorySample"`

	Dashboard analytics.Dashboard `json:"dashboard"`
	Warnings  []string            `json:"warnings,omitempty"`
}

// Options toggles optional report content.
type Options struct {
	Trace bool
}

// Calculator computes SLA results. *sla.Calculator satisfies it.
type Calculator interface {
	Compute(in sla.Input, now time.Time, opts sla.Options) sla.Result
}

// Engine builds reports. The SLA calculator can be swapped at runtime
// (config reload); all exported methods are safe for concurrent use.
type Engine struct {
	mu   sync.RWMutex
	calc Calculator
}

// NewEngine returns an Engine using calc.
func NewEngine(calc Calculator) *Engine {
	return &Engine{calc: calc}
}

// SetCalculator replaces the SLA calculator used by subsequent builds.
func (e *Engine) SetCalculator(calc Calculator) {
	e.mu.Lock()
	e.calc = calc
	e.mu.Unlock()
}

func (e *Engine) calculator() Calculator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calc
}

// Build computes the report for snap. now is passed explicitly so callers
// (and tests) control the clock; use time.Now() in production.
func (e *Engine) Build(snap *types.Snapshot, now time.Time, opts Options) *Report {
	grouped := history.Group(snap.Events)

	out := &Report{
		Query:              snap.Query,
		GeneratedAt:        now,
		Deals:              snap.Deals,
		Total:              len(snap.Deals),
		LookupMaps:         snap.Lookups,
		StageHistoryCount:  len(snap.Events),
		StageHistorySample: sample(snap.Events),
		Warnings:           snap.Warnings,
	}
	if out.Deals == nil {
		out.Deals = []types.Deal{}
	}

	in := sla.Input{Deals: snap.Deals, History: grouped, StageNames: snap.Lookups.StageNames}
	res, err := e.computeSLA(in, now, sla.Options{Trace: opts.Trace})
	if err != nil {
		slog.Error("compute: sla pass failed, reporting zeroed metrics",
			"query", snap.Query.Key(), "err", err)
		out.SLA = sla.ZeroSummary()
		out.SLAError = err.Error()
	} else {
		out.SLA = res.Summary
		out.Traces = res.Traces
	}

	out.Dashboard = analytics.Compute(snap.Deals, snap.Lookups)
	return out
}

func (e *Engine) computeSLA(in sla.Input, now time.Time, opts sla.Options) (res sla.Result, err error) {
	calc := e.calculator()
	if calc == nil {
		return res, fmt.Errorf("no sla calculator configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sla: %v", r)
		}
	}()
	return calc.Compute(in, now, opts), nil
}

func sample(events []types.StageChangeEvent) []types.StageChangeEvent {
	n := min(len(events), sampleSize)
	out := make([]types.StageChangeEvent, n)
	copy(out, events[:n])
	return out
}
