// Package semantic coordinates expensive secondary inference: deciding when
// it is worth running (edge-triggered coordinator), avoiding duplicate work
// (fingerprint-keyed result cache), bounding its cost (priority dispatcher
// with a hard concurrency cap), and merging late results back into the
// per-track intel picture (fusion).
package semantic
