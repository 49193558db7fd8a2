package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/refreshg/Vian/internal/normalize"
	"github.com/refreshg/Vian/pkg/types"
)

// payload is the on-disk shape of a saved raw CRM export.
type payload struct {
	Deals            json.RawMessage   `json:"deals"`
	History          json.RawMessage   `json:"history"`
	Stages           map[string]string `json:"stages"`
	StageOrder       []string          `json:"stageOrder"`
	Departments      map[string]string `json:"departments"`
	RejectionReasons map[string]string `json:"rejectionReasons"`
	Comments         map[string]string `json:"comments"`
	Sources          map[string]string `json:"sources"`
	Countries        map[string]string `json:"countries"`
}

// LoadFile reads a saved raw export from path and normalizes it into a
// Snapshot for q. Deals and history must be JSON arrays of raw CRM
// records; a missing history is treated as empty.
func LoadFile(path string, q types.Query, fields normalize.FieldMap) (*types.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("collector: read %q: %w", path, err)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("collector: parse %q: %w", path, err)
	}

	deals, err := normalize.Deals(p.Deals, fields)
	if err != nil {
		return nil, fmt.Errorf("collector: %q: %w", path, err)
	}
	snap := &types.Snapshot{
		Query:     q,
		FetchedAt: time.Now().UTC(),
		Deals:     deals,
		Lookups: types.LookupMaps{
			StageNames:       p.Stages,
			StageOrder:       p.StageOrder,
			Departments:      p.Departments,
			RejectionReasons: p.RejectionReasons,
			CommentClasses:   p.Comments,
			Sources:          p.Sources,
			Countries:        p.Countries,
		},
	}
	if len(p.History) > 0 && string(p.History) != "null" {
		events, err := normalize.Events(p.History)
		if err != nil {
			// Degrade like a failed history fetch.
			snap.Warnings = append(snap.Warnings, fmt.Sprintf("stage history unavailable: %v", err))
		} else {
			snap.Events = events
		}
	}
	return snap, nil
}
