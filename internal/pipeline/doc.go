// Package pipeline sequences the per-frame pass over track observations:
// risk scoring, alert evaluation, trigger detection, inference dispatch,
// and fusion of completed results, followed by stale-track eviction. The
// pass is deterministic under a simulated clock, so a replayed recording
// reproduces the same alerts and triggers every run.
package pipeline
