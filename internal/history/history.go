// Package history groups stage-change events by owning deal and orders each
// deal's events chronologically. Every SLA metric starts from its output.
package history

import (
	"slices"
	"strings"

	"github.com/refreshg/Vian/pkg/types"
)

// ByDeal maps a deal ID to that deal's events in ascending time order.
type ByDeal map[string][]types.StageChangeEvent

// Group buckets events by deal ID and sorts each bucket by timestamp.
//
// Events with an unparseable timestamp sort before every valid one and keep
// their input order among themselves. Events with no deal ID are dropped.
// The input slice is not modified.
func Group(events []types.StageChangeEvent) ByDeal {
	out := make(ByDeal)
	for _, ev := range events {
		id := strings.TrimSpace(ev.DealID)
		if id == "" {
			continue
		}
		out[id] = append(out[id], ev)
	}
	for _, evs := range out {
		slices.SortStableFunc(evs, compareEvents)
	}
	return out
}

// For returns the ordered events for dealID, or nil.
func (b ByDeal) For(dealID string) []types.StageChangeEvent {
	return b[strings.TrimSpace(dealID)]
}

// Count returns the number of events across all deals.
func (b ByDeal) Count() int {
	n := 0
	for _, evs := range b {
		n += len(evs)
	}
	return n
}

func compareEvents(a, b types.StageChangeEvent) int {
	switch av, bv := a.Valid(), b.Valid(); {
	case !av && !bv:
		return 0
	case !av:
		return -1
	case !bv:
		return 1
	}
	return a.At.Compare(b.At)
}
