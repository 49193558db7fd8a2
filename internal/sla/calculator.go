package sla

import (
	"fmt"
	"time"

	"github.com/refreshg/Vian/internal/history"
	"github.com/refreshg/Vian/internal/phase"
	"github.com/refreshg/Vian/pkg/types"
)

// NeverMovedPolicy decides how the first-communication metric treats a deal
// that has not yet left the initial phase.
type NeverMovedPolicy string

const (
	// NeverMovedExclude leaves such deals out of the total.
	NeverMovedExclude NeverMovedPolicy = "exclude"

	// NeverMovedElapsed measures creation → now against the same threshold.
	NeverMovedElapsed NeverMovedPolicy = "elapsed"
)

// Default phase fragments and thresholds.
const (
	DefaultFollowUpFragment = "Follow up in 24 Hours"
	DefaultOfferFragment    = "Offer Finalization for Patient"

	DefaultInitialThreshold  = time.Hour
	DefaultFollowUpThreshold = 24 * time.Hour
	DefaultOfferThreshold    = 24 * time.Hour
)

// Config parameterizes a Calculator.
type Config struct {
	Initial          phase.Definition
	InitialThreshold time.Duration
	NeverMoved       NeverMovedPolicy

	FollowUp          phase.Definition
	FollowUpThreshold time.Duration

	Offer          phase.Definition
	OfferThreshold time.Duration
}

// DefaultConfig matches the production pipeline naming.
func DefaultConfig() Config {
	return Config{
		Initial:           phase.Definition{IncludeNewStages: true},
		InitialThreshold:  DefaultInitialThreshold,
		NeverMoved:        NeverMovedExclude,
		FollowUp:          phase.Definition{Fragment: DefaultFollowUpFragment},
		FollowUpThreshold: DefaultFollowUpThreshold,
		Offer:             phase.Definition{Fragment: DefaultOfferFragment},
		OfferThreshold:    DefaultOfferThreshold,
	}
}

// Input is one immutable snapshot to compute over.
type Input struct {
	Deals      []types.Deal
	History    history.ByDeal
	StageNames map[string]string
}

// Options toggles optional output.
type Options struct {
	// Trace records one Trace per applicable deal and metric.
	Trace bool
}

// Trace is the intermediate computation for one deal and metric.
type Trace struct {
	Metric       string    `json:"metric"`
	DealID       string    `json:"dealId"`
	EntryAt      time.Time `json:"entryAt"`
	ExitAt       time.Time `json:"exitAt"`
	OpenEnded    bool      `json:"openEnded"`
	ElapsedHours float64   `json:"elapsedHours"`
	OnTime       bool      `json:"onTime"`
}

// Result is the output of one Compute call.
type Result struct {
	Summary Summary `json:"summary"`
	Traces  []Trace `json:"traces,omitempty"`
}

// Calculator computes SLA summaries.
type Calculator struct {
	cfg Config
}

// New returns a Calculator. Zero thresholds and an empty policy fall back to
// the defaults.
func New(cfg Config) (*Calculator, error) {
	def := DefaultConfig()
	if cfg.InitialThreshold == 0 {
		cfg.InitialThreshold = def.InitialThreshold
	}
	if cfg.FollowUpThreshold == 0 {
		cfg.FollowUpThreshold = def.FollowUpThreshold
	}
	if cfg.OfferThreshold == 0 {
		cfg.OfferThreshold = def.OfferThreshold
	}
	switch cfg.NeverMoved {
	case "":
		cfg.NeverMoved = NeverMovedExclude
	case NeverMovedExclude, NeverMovedElapsed:
	default:
		return nil, fmt.Errorf("sla: unknown never-moved policy %q", cfg.NeverMoved)
	}
	return &Calculator{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (c *Calculator) Config() Config { return c.cfg }

// tally accumulates one metric; it is local to a single Compute call.
type tally struct {
	key, title string
	onTime     int
	total      int
	traces     []Trace
	trace      bool
}

func (t *tally) observe(dealID string, entry, exit time.Time, open bool, threshold time.Duration) {
	elapsed := exit.Sub(entry)
	ok := elapsed <= threshold
	t.total++
	if ok {
		t.onTime++
	}
	if t.trace {
		t.traces = append(t.traces, Trace{
			Metric:       t.key,
			DealID:       dealID,
			EntryAt:      entry,
			ExitAt:       exit,
			OpenEnded:    open,
			ElapsedHours: elapsed.Hours(),
			OnTime:       ok,
		})
	}
}

func (t *tally) metric() Metric { return NewMetric(t.title, t.onTime, t.total) }

// Compute evaluates all three metrics over in, measuring open-ended phases
// against now.
func (c *Calculator) Compute(in Input, now time.Time, opts Options) Result {
	m := phase.NewMatcher(in.StageNames)
	initial := m.Resolve(c.cfg.Initial)
	followUp := m.Resolve(c.cfg.FollowUp)
	offer := m.Resolve(c.cfg.Offer)

	first := &tally{key: KeyFirstCommunication, title: TitleFirstCommunication, trace: opts.Trace}
	follow := &tally{key: KeyFollowUp, title: TitleFollowUp, trace: opts.Trace}
	price := &tally{key: KeyPriceSharing, title: TitlePriceSharing, trace: opts.Trace}

	for _, d := range in.Deals {
		evs := in.History.For(d.ID)
		c.firstCommunication(first, d, evs, initial, now)
		if len(evs) == 0 {
			continue
		}
		phaseDwell(follow, d.ID, evs, followUp, now, c.cfg.FollowUpThreshold)
		phaseDwell(price, d.ID, evs, offer, now, c.cfg.OfferThreshold)
	}

	res := Result{Summary: Summary{
		FirstCommunication: first.metric(),
		FollowUp:           follow.metric(),
		PriceSharing:       price.metric(),
	}}
	if opts.Trace {
		res.Traces = make([]Trace, 0, len(first.traces)+len(follow.traces)+len(price.traces))
		res.Traces = append(res.Traces, first.traces...)
		res.Traces = append(res.Traces, follow.traces...)
		res.Traces = append(res.Traces, price.traces...)
	}
	return res
}

// firstCommunication measures creation → first event into a non-initial
// stage that happened strictly after creation.
func (c *Calculator) firstCommunication(t *tally, d types.Deal, evs []types.StageChangeEvent, initial phase.Set, now time.Time) {
	if !d.HasCreatedAt() {
		return
	}
	for _, ev := range evs {
		if ev.StageID == "" || !ev.Valid() || initial.Contains(ev.StageID) {
			continue
		}
		if ev.At.After(d.CreatedAt) {
			t.observe(d.ID, d.CreatedAt, ev.At, false, c.cfg.InitialThreshold)
			return
		}
	}
	if c.cfg.NeverMoved == NeverMovedElapsed {
		t.observe(d.ID, d.CreatedAt, now, true, c.cfg.InitialThreshold)
	}
}

// phaseDwell measures the first entry into set until the next event, or
// until now while the deal is still in the phase.
func phaseDwell(t *tally, dealID string, evs []types.StageChangeEvent, set phase.Set, now time.Time, threshold time.Duration) {
	idx := -1
	for i, ev := range evs {
		if set.Contains(ev.StageID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	entry := evs[idx]
	if !entry.Valid() {
		return
	}
	if idx+1 < len(evs) {
		exit := evs[idx+1]
		if !exit.Valid() {
			return
		}
		t.observe(dealID, entry.At, exit.At, false, threshold)
		return
	}
	t.observe(dealID, entry.At, now, true, threshold)
}
