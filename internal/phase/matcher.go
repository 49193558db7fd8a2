package phase

import (
	"slices"
	"strings"
)

// Set is a resolved phase: a fixed set of stage IDs, optionally widened by
// the NEW-stage rule. The zero Set contains nothing.
type Set struct {
	ids       map[string]struct{}
	newStages bool
}

// Contains reports whether stageID belongs to the phase.
func (s Set) Contains(stageID string) bool {
	if _, ok := s.ids[stageID]; ok {
		return true
	}
	return s.newStages && IsNewStage(stageID)
}

// IDs returns the explicit member IDs, sorted. Stages admitted only by the
// NEW-stage rule are not listed.
func (s Set) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of explicit member IDs.
func (s Set) Len() int { return len(s.ids) }

// IsNewStage reports whether id is a pipeline's default entry stage:
// exactly "NEW" or any "<prefix>:NEW", case-insensitively.
func IsNewStage(id string) bool {
	s := strings.ToUpper(strings.TrimSpace(id))
	return s == "NEW" || strings.HasSuffix(s, ":NEW")
}

// Matcher computes phase sets from a stage name map.
type Matcher struct {
	resolver Resolver
	names    map[string]string
}

// NewMatcher returns a Matcher over names. A nil or empty map yields empty
// sets for every fragment.
func NewMatcher(names map[string]string) Matcher {
	return Matcher{resolver: NewResolver(names), names: names}
}

// Match returns the stage IDs whose display name contains fragment,
// case-insensitively. An empty fragment matches every mapped stage, so a
// longer fragment never matches more than a shorter one it extends.
func (m Matcher) Match(fragment string) Set {
	needle := strings.ToLower(strings.TrimSpace(fragment))
	ids := make(map[string]struct{})
	for id := range m.names {
		if strings.Contains(strings.ToLower(m.resolver.Name(id)), needle) {
			ids[id] = struct{}{}
		}
	}
	return Set{ids: ids}
}

// Definition describes how to find a phase.
type Definition struct {
	// Fragment is matched against stage display names. Empty disables name
	// matching for this definition.
	Fragment string

	// StageIDs lists explicit members per pipeline (category) ID. When any
	// are present, name matching is skipped.
	StageIDs map[string][]string

	// IncludeNewStages admits NEW and *:NEW stage IDs even when they are
	// absent from the name map.
	IncludeNewStages bool
}

// Resolve computes the Set for def.
func (m Matcher) Resolve(def Definition) Set {
	explicit := make(map[string]struct{})
	for _, ids := range def.StageIDs {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				explicit[id] = struct{}{}
			}
		}
	}

	var set Set
	switch {
	case len(explicit) > 0:
		set = Set{ids: explicit}
	case strings.TrimSpace(def.Fragment) != "":
		set = m.Match(def.Fragment)
	default:
		set = Set{ids: map[string]struct{}{}}
	}
	set.newStages = def.IncludeNewStages
	return set
}
