package analytics

import (
	"regexp"
	"slices"
	"strings"

	"github.com/refreshg/Vian/internal/phase"
	"github.com/refreshg/Vian/internal/ratio"
	"github.com/refreshg/Vian/pkg/types"
)

// Blank labels for deals that do not carry an attribute.
const (
	BlankStage      = "Unknown"
	BlankDepartment = "Unassigned"
	BlankRejection  = "(No reason)"
	BlankComment    = "(No comment)"
	BlankSource     = "Unassigned"
	BlankCountry    = "(Blank)"
)

var rejectionPattern = regexp.MustCompile(`(?i)LOSE|LOST|REJECT|FAIL`)

// IsRejectionStage reports whether a stage ID denotes a lost or rejected deal.
func IsRejectionStage(stageID string) bool {
	return rejectionPattern.MatchString(stageID)
}

// Row is one bucket of a grouped dimension.
type Row struct {
	// Key is the raw attribute value of the first deal seen in the bucket,
	// empty for the blank bucket.
	Key        string  `json:"key"`
	Label      string  `json:"label"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
	Rejection  bool    `json:"rejection,omitempty"`
}

// Dimension describes how to bucket deals by one attribute.
type Dimension struct {
	Name string

	// Value extracts the raw attribute value from a deal.
	Value func(types.Deal) string

	// Labels translates raw values. Missing entries fall back to the raw
	// value itself.
	Labels map[string]string

	// Blank labels deals with an empty raw value.
	Blank string

	// Precision is the number of decimals kept in Percentage.
	Precision int32
}

func (d Dimension) label(raw string) string {
	if raw == "" {
		return d.Blank
	}
	if l, ok := d.Labels[raw]; ok && strings.TrimSpace(l) != "" {
		return l
	}
	return raw
}

// Group buckets deals by dim's translated label. Rows are sorted by count
// descending; ties keep first-seen order. Each deal lands in exactly one row.
func Group(deals []types.Deal, dim Dimension) []Row {
	index := make(map[string]int)
	var rows []Row
	for _, d := range deals {
		raw := strings.TrimSpace(dim.Value(d))
		label := dim.label(raw)
		i, ok := index[label]
		if !ok {
			i = len(rows)
			index[label] = i
			rows = append(rows, Row{Key: raw, Label: label})
		}
		rows[i].Count++
	}
	finish(rows, len(deals), dim.Precision)
	slices.SortStableFunc(rows, byCountDesc)
	return rows
}

// Stages buckets deals by stage ID. When order is non-empty every listed
// stage gets a row (zero counts kept) in pipeline order, followed by stages
// seen on deals but absent from order, in first-seen order. Without an
// order, rows are sorted by count descending.
func Stages(deals []types.Deal, names map[string]string, order []string, precision int32) []Row {
	res := phase.NewResolver(names)
	index := make(map[string]int)
	var rows []Row
	add := func(id string) int {
		if i, ok := index[id]; ok {
			return i
		}
		label := BlankStage
		if id != BlankStage {
			label = res.Label(id)
		}
		rows = append(rows, Row{Key: id, Label: label, Rejection: IsRejectionStage(id)})
		index[id] = len(rows) - 1
		return len(rows) - 1
	}

	for _, id := range order {
		if id = strings.TrimSpace(id); id != "" {
			add(id)
		}
	}
	for _, d := range deals {
		id := strings.TrimSpace(d.StageID)
		if id == "" {
			id = BlankStage
		}
		rows[add(id)].Count++
	}

	finish(rows, len(deals), precision)
	if len(order) == 0 {
		slices.SortStableFunc(rows, byCountDesc)
	}
	return rows
}

func finish(rows []Row, total int, precision int32) {
	for i := range rows {
		rows[i].Percentage = ratio.Percent(rows[i].Count, total, precision)
	}
}

func byCountDesc(a, b Row) int { return b.Count - a.Count }
