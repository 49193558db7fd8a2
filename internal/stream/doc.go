// Package stream pushes polled pipeline figures to WebSocket clients.
//
// Hub.PublishReport records the latest SLA and KPI figures per category and
// broadcasts them as an "update" event. A client receives a "snapshot" event
// carrying the latest figures of every category as soon as it connects.
//
//	{"event": "update", "data": [{"category": "1", "at": "...", "slaMetrics": {...}, "kpi": {...}}]}
package stream
