package sla

import "github.com/refreshg/Vian/internal/ratio"

// Metric keys, stable across the API, telemetry and alert rules.
const (
	KeyFirstCommunication = "firstCommunication"
	KeyFollowUp           = "followUp"
	KeyPriceSharing       = "priceSharing"
)

// Metric titles as displayed on the dashboard.
const (
	TitleFirstCommunication = "First Communication on Time"
	TitleFollowUp           = "Follow-up on Time"
	TitlePriceSharing       = "Price sharing to Patient on Time"
)

// Keys lists every metric key in display order.
var Keys = []string{KeyFirstCommunication, KeyFollowUp, KeyPriceSharing}

// Metric is one SLA measure over the applicable deals.
type Metric struct {
	Title       string  `json:"title"`
	OnTimeCount int     `json:"onTimeCount"`
	TotalCount  int     `json:"totalCount"`
	Rate        float64 `json:"rate"` // percent, one decimal
}

// NewMetric builds a Metric and derives its rate.
func NewMetric(title string, onTime, total int) Metric {
	return Metric{
		Title:       title,
		OnTimeCount: onTime,
		TotalCount:  total,
		Rate:        ratio.Percent(onTime, total, 1),
	}
}

// Summary holds all three metrics. Every field is always populated.
type Summary struct {
	FirstCommunication Metric `json:"firstCommunication"`
	FollowUp           Metric `json:"followUp"`
	PriceSharing       Metric `json:"priceSharing"`
}

// ZeroSummary returns the summary reported when nothing could be computed.
func ZeroSummary() Summary {
	return Summary{
		FirstCommunication: NewMetric(TitleFirstCommunication, 0, 0),
		FollowUp:           NewMetric(TitleFollowUp, 0, 0),
		PriceSharing:       NewMetric(TitlePriceSharing, 0, 0),
	}
}

// Get returns the metric stored under key.
func (s Summary) Get(key string) (Metric, bool) {
	switch key {
	case KeyFirstCommunication:
		return s.FirstCommunication, true
	case KeyFollowUp:
		return s.FollowUp, true
	case KeyPriceSharing:
		return s.PriceSharing, true
	}
	return Metric{}, false
}
