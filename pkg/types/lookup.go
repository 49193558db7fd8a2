package types

// LookupMaps carries every identifier→label map the analytics need.
// Any map may be nil; consumers fall back to the raw identifier.
type LookupMaps struct {
	// StageNames maps stage ID (unique per pipeline) to display name.
	StageNames map[string]string `json:"stageNameMap"`

	// StageOrder lists the pipeline's stage IDs in pipeline order.
	StageOrder []string `json:"allStageIdsInOrder"`

	Departments      map[string]string `json:"departmentIdToName"`
	RejectionReasons map[string]string `json:"rejectionReasonIdToName"`
	CommentClasses   map[string]string `json:"commentListIdToName"`
	Sources          map[string]string `json:"sourceIdToName"`
	Countries        map[string]string `json:"countryIdToName"`
}
