// Package types defines the canonical in-memory records shared by every
// package: deals, stage-change events and the lookup maps that translate
// opaque CRM identifiers into display labels.
//
// Records are produced once by internal/normalize and treated as immutable
// afterwards. Nothing in the compute path mutates them.
package types
