// Package dedupe provides a time-bounded idempotency cache so that a
// retried request within a configurable window is answered with the result
// of the first attempt instead of being processed again.
package dedupe
