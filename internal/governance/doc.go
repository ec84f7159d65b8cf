// Package governance coordinates runtime safety controls for cross-frame brick
// dispatch: circuit breaking and rate limiting per destination, brick-level retry
// with backoff, and bounded waits for destinations that never answer.
//
// The pipeline interpreter itself never retries; these primitives are used by the
// HTTP transport and by bricks that opt into retrying their own side effects.
package governance
