// Package store caches raw CRM snapshots in memory, keyed by query, with TTL
// eviction. Only fetched data is cached; reports are always recomputed.
package store
