package phase

import "strings"

// Resolver translates stage IDs to display names. It never mutates the map
// it wraps.
type Resolver struct {
	names map[string]string
}

// NewResolver wraps a stage ID → name map. A nil map is valid.
func NewResolver(names map[string]string) Resolver {
	return Resolver{names: names}
}

// Name returns the display name for id, or id itself when unmapped.
func (r Resolver) Name(id string) string {
	if n, ok := r.names[id]; ok && n != "" {
		return n
	}
	return id
}

// Label returns the display name for id, or a humanized form of the raw ID
// when unmapped (pipeline prefix stripped, underscores as spaces).
func (r Resolver) Label(id string) string {
	if n, ok := r.names[id]; ok && n != "" {
		return n
	}
	return Humanize(id)
}

// Humanize turns "C1:PREPAYMENT_INVOICE" into "PREPAYMENT INVOICE".
func Humanize(id string) string {
	if i := strings.LastIndex(id, ":"); i >= 0 {
		id = id[i+1:]
	}
	return strings.ReplaceAll(id, "_", " ")
}
