// Package governance coordinates the runtime safety controls wrapped around
// volatile external sources: per-source circuit breaking, rate limiting, and
// timeout enforcement.
//
// The Adapter combines those controls into a single call path that always
// yields a value together with its provenance, so a degraded source never
// aborts the pipeline on its own.
package governance
