// Package risk turns per-frame track observations into explainable,
// temporally stable risk scores. The Engine weighs behavior signals and the
// zone multiplier into a base signal, the Temporal model owns how that
// signal becomes a score across frames (persistence debounce, escalation,
// hold, decay), and the Store guards the shared per-track states.
package risk
