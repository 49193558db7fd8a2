package analytics

import (
	"github.com/refreshg/Vian/internal/ratio"
	"github.com/refreshg/Vian/pkg/types"
)

// PlaceholderDelayHours is reported as the average delay until the CRM
// exposes a delay field.
const PlaceholderDelayHours = 1

// Percentage precision per dimension.
const (
	DefaultPrecision int32 = 1
	CountryPrecision int32 = 2
)

// KPI holds the top-line totals.
type KPI struct {
	TotalRequests   int     `json:"totalRequests"`
	TotalRejections int     `json:"totalRejections"`
	RejectionRate   float64 `json:"rejectionRate"` // whole percent
	AvgDelayHours   float64 `json:"avgDelayHours"`
}

// Dashboard is the complete grouped analytics for one deal collection.
type Dashboard struct {
	KPI              KPI   `json:"kpi"`
	Stages           []Row `json:"stageGroups"`
	Departments      []Row `json:"departmentGroups"`
	RejectionReasons []Row `json:"rejectionReasons"`
	Comments         []Row `json:"commentListRows"`
	Sources          []Row `json:"sourceGroups"`
	Countries        []Row `json:"countryGroups"`
}

// ComputeKPI counts deals and rejections.
func ComputeKPI(deals []types.Deal) KPI {
	rejected := 0
	for _, d := range deals {
		if IsRejectionStage(d.StageID) {
			rejected++
		}
	}
	return KPI{
		TotalRequests:   len(deals),
		TotalRejections: rejected,
		RejectionRate:   ratio.Percent(rejected, len(deals), 0),
		AvgDelayHours:   PlaceholderDelayHours,
	}
}

// Dimensions returns the attribute dimensions other than stage, labelled
// through lookups.
func Dimensions(lookups types.LookupMaps) []Dimension {
	return []Dimension{
		{
			Name:      "department",
			Value:     func(d types.Deal) string { return d.Department },
			Labels:    lookups.Departments,
			Blank:     BlankDepartment,
			Precision: DefaultPrecision,
		},
		{
			Name:      "rejection_reason",
			Value:     func(d types.Deal) string { return d.RejectionReason },
			Labels:    lookups.RejectionReasons,
			Blank:     BlankRejection,
			Precision: DefaultPrecision,
		},
		{
			Name:      "comment",
			Value:     func(d types.Deal) string { return d.CommentClass },
			Labels:    lookups.CommentClasses,
			Blank:     BlankComment,
			Precision: DefaultPrecision,
		},
		{
			Name:      "source",
			Value:     func(d types.Deal) string { return d.Source },
			Labels:    lookups.Sources,
			Blank:     BlankSource,
			Precision: DefaultPrecision,
		},
		{
			Name:      "country",
			Value:     func(d types.Deal) string { return d.Country },
			Labels:    lookups.Countries,
			Blank:     BlankCountry,
			Precision: CountryPrecision,
		},
	}
}

// Compute builds the full dashboard.
func Compute(deals []types.Deal, lookups types.LookupMaps) Dashboard {
	dims := Dimensions(lookups)
	return Dashboard{
		KPI:              ComputeKPI(deals),
		Stages:           Stages(deals, lookups.StageNames, lookups.StageOrder, DefaultPrecision),
		Departments:      Group(deals, dims[0]),
		RejectionReasons: Group(deals, dims[1]),
		Comments:         Group(deals, dims[2]),
		Sources:          Group(deals, dims[3]),
		Countries:        Group(deals, dims[4]),
	}
}
