package alerts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/refreshg/Vian/internal/analytics"
	"github.com/refreshg/Vian/internal/sla"
)

// Subject is what rules are evaluated against: one pipeline's latest figures.
type Subject struct {
	Category string
	SLA      sla.Summary
	KPI      analytics.KPI
}

// Condition is a parsed "field op value" rule expression.
//
// Supported fields:
//
//	firstCommunication.rate   followUp.rate   priceSharing.rate
//	<metric>.on_time          <metric>.total
//	total_requests            total_rejections    rejection_rate
//
// Operators: > >= < <= == !=
type Condition struct {
	Field     string
	Op        string
	Threshold float64

	metric string // SLA metric key, empty for KPI fields
	attr   string
}

// ParseCondition parses expr.
func ParseCondition(expr string) (Condition, error) {
	parts := strings.Fields(expr)
	if len(parts) != 3 {
		return Condition{}, fmt.Errorf("condition %q: want \"field op value\"", expr)
	}
	c := Condition{Field: parts[0], Op: parts[1]}

	switch c.Op {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return Condition{}, fmt.Errorf("condition %q: unknown operator %q", expr, c.Op)
	}
	v, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Condition{}, fmt.Errorf("condition %q: threshold: %w", expr, err)
	}
	c.Threshold = v

	if key, attr, ok := strings.Cut(c.Field, "."); ok {
		if _, known := sla.ZeroSummary().Get(key); !known {
			return Condition{}, fmt.Errorf("condition %q: unknown metric %q", expr, key)
		}
		switch attr {
		case "rate", "on_time", "total":
		default:
			return Condition{}, fmt.Errorf("condition %q: unknown metric attribute %q", expr, attr)
		}
		c.metric, c.attr = key, attr
		return c, nil
	}
	switch c.Field {
	case "total_requests", "total_rejections", "rejection_rate":
	default:
		return Condition{}, fmt.Errorf("condition %q: unknown field %q", expr, c.Field)
	}
	return c, nil
}

// Eval reports whether the condition holds for s, with the observed value.
// Rate conditions never fire for a metric with no applicable deals.
func (c Condition) Eval(s Subject) (bool, float64) {
	if c.metric != "" {
		m, _ := s.SLA.Get(c.metric)
		switch c.attr {
		case "rate":
			if m.TotalCount == 0 {
				return false, 0
			}
			return compareFloat(m.Rate, c.Op, c.Threshold), m.Rate
		case "on_time":
			v := float64(m.OnTimeCount)
			return compareFloat(v, c.Op, c.Threshold), v
		default:
			v := float64(m.TotalCount)
			return compareFloat(v, c.Op, c.Threshold), v
		}
	}

	var v float64
	switch c.Field {
	case "total_requests":
		v = float64(s.KPI.TotalRequests)
	case "total_rejections":
		v = float64(s.KPI.TotalRejections)
	case "rejection_rate":
		if s.KPI.TotalRequests == 0 {
			return false, 0
		}
		v = s.KPI.RejectionRate
	}
	return compareFloat(v, c.Op, c.Threshold), v
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
