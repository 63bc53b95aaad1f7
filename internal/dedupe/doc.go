// Package dedupe provides idempotency tracking using a time-based cache so a
// retried operation within a configurable window returns its first result.
package dedupe
