package types

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used by queries.
const DateLayout = "2006-01-02"

// Query selects the deals of one pipeline created within a date range.
// Start and End are inclusive calendar dates.
type Query struct {
	Start      time.Time `json:"startDate"`
	End        time.Time `json:"endDate"`
	CategoryID string    `json:"categoryId"`
}

// Key returns a stable cache key for the query.
func (q Query) Key() string {
	return fmt.Sprintf("%s|%s|%s",
		q.Start.Format(DateLayout), q.End.Format(DateLayout), strings.TrimSpace(q.CategoryID))
}

// Snapshot is one consistent set of raw CRM data for a Query, normalized
// into canonical records. It is never mutated after collection.
type Snapshot struct {
	Query     Query              `json:"query"`
	FetchedAt time.Time          `json:"fetchedAt"`
	Deals     []Deal             `json:"deals"`
	Events    []StageChangeEvent `json:"history"`
	Lookups   LookupMaps         `json:"lookups"`

	// Warnings lists degraded fetches (e.g. history unavailable) that did
	// not fail the snapshot.
	Warnings []string `json:"warnings,omitempty"`
}
