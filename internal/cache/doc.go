// Package cache implements the generation-scoped resource store backing the
// audio delivery worker. Full-body responses are persisted in LevelDB under
// per-namespace key prefixes; byte-range responses are reconstructed from the
// stored body on read, so a single origin download serves every later seek.
// Writes are bounded by a total-size budget enforced after each put, and a
// whole namespace disappears atomically when a new deploy generation
// activates.
package cache
