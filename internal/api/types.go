package api

import (
	"time"

	"github.com/refreshg/Vian/internal/alerts"
	"github.com/refreshg/Vian/internal/analytics"
	"github.com/refreshg/Vian/internal/sla"
	"github.com/refreshg/Vian/pkg/types"
)

// HealthResponse is the JSON body of GET /api/v1/health.
type HealthResponse struct {
	Status       string    `json:"status"`
	CacheEntries int       `json:"cacheEntries"`
	Time         time.Time `json:"time"`
}

// DashboardResponse is the JSON body of GET /api/v1/dashboard.
type DashboardResponse struct {
	Query       types.Query `json:"query"`
	GeneratedAt time.Time   `json:"generatedAt"`
	Cached      bool        `json:"cached"`
	analytics.Dashboard
	SLA      sla.Summary `json:"slaMetrics"`
	Warnings []string    `json:"warnings,omitempty"`
}

// SLAResponse is the JSON body of GET /api/v1/sla.
type SLAResponse struct {
	Query       types.Query `json:"query"`
	GeneratedAt time.Time   `json:"generatedAt"`
	Cached      bool        `json:"cached"`
	SLA         sla.Summary `json:"slaMetrics"`
	Traces      []sla.Trace `json:"traces,omitempty"`
	SLAError    string      `json:"slaError,omitempty"`
}

// AlertsResponse is the JSON body of GET /api/v1/alerts.
type AlertsResponse struct {
	Alerts []*alerts.Alert `json:"alerts"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}
