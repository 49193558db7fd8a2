package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/refreshg/Vian/internal/bitrix"
	"github.com/refreshg/Vian/internal/normalize"
	"github.com/refreshg/Vian/pkg/types"
)

// CRM is the subset of the Bitrix client the collector uses.
type CRM interface {
	Deals(ctx context.Context, q bitrix.DealQuery) ([]normalize.Record, error)
	Stages(ctx context.Context, categoryID string) (bitrix.Stages, error)
	Sources(ctx context.Context) (map[string]string, error)
	FieldOptions(ctx context.Context, fieldIDs ...string) (map[string]map[string]string, error)
	StageHistory(ctx context.Context, dealIDs []string) ([]normalize.Record, error)
}

// Collector fetches snapshots from a CRM.
type Collector struct {
	crm             CRM
	fields          normalize.FieldMap
	defaultCategory string
	now             func() time.Time
}

// New returns a Collector. defaultCategory is used for queries that do not
// name a pipeline.
func New(crm CRM, fields normalize.FieldMap, defaultCategory string) *Collector {
	return &Collector{crm: crm, fields: fields, defaultCategory: defaultCategory, now: time.Now}
}

// Collect fetches the snapshot for q.
func (c *Collector) Collect(ctx context.Context, q types.Query) (*types.Snapshot, error) {
	if q.CategoryID == "" {
		q.CategoryID = c.defaultCategory
	}
	started := c.now()

	recs, err := c.crm.Deals(ctx, bitrix.DealQuery{
		Start:      q.Start,
		End:        q.End,
		CategoryID: q.CategoryID,
		Select:     c.fields.Select(),
	})
	if err != nil {
		return nil, fmt.Errorf("collector: deals: %w", err)
	}
	deals := normalize.DealRecords(recs, c.fields)

	snap := &types.Snapshot{Query: q, Deals: deals}
	var (
		mu       sync.Mutex
		warnings []string
	)
	warn := func(what string, err error) {
		slog.Warn("collector: degraded fetch", "what", what, "query", q.Key(), "err", err)
		mu.Lock()
		warnings = append(warnings, fmt.Sprintf("%s unavailable: %v", what, err))
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ids := lo.Uniq(lo.FilterMap(deals, func(d types.Deal, _ int) (string, bool) {
			return d.ID, d.ID != ""
		}))
		if len(ids) == 0 {
			return nil
		}
		hist, err := c.crm.StageHistory(gctx, ids)
		if err != nil {
			warn("stage history", err)
			return nil
		}
		snap.Events = normalize.EventRecords(hist)
		return nil
	})

	g.Go(func() error {
		st, err := c.crm.Stages(gctx, q.CategoryID)
		if err != nil {
			return fmt.Errorf("collector: stages: %w", err)
		}
		snap.Lookups.StageNames = st.Names
		snap.Lookups.StageOrder = st.Order
		return nil
	})

	g.Go(func() error {
		src, err := c.crm.Sources(gctx)
		if err != nil {
			warn("sources", err)
			return nil
		}
		snap.Lookups.Sources = src
		return nil
	})

	g.Go(func() error {
		rejection := c.fields.RejectionField(q.CategoryID)
		opts, err := c.crm.FieldOptions(gctx, c.fields.Department, rejection, c.fields.Comment, c.fields.Country)
		if err != nil {
			warn("field options", err)
			return nil
		}
		snap.Lookups.Departments = opts[c.fields.Department]
		snap.Lookups.RejectionReasons = opts[rejection]
		snap.Lookups.CommentClasses = opts[c.fields.Comment]
		snap.Lookups.Countries = opts[c.fields.Country]
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.Warnings = warnings
	snap.FetchedAt = c.now()
	slog.Info("collector: snapshot fetched",
		"query", q.Key(),
		"deals", len(snap.Deals),
		"events", len(snap.Events),
		"warnings", len(warnings),
		"elapsed", snap.FetchedAt.Sub(started),
	)
	return snap, nil
}
