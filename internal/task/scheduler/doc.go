// Package scheduler runs the check cycle: probe every subject, evaluate its
// activity, alert when a new inactive episode starts, and record the check.
//
// The loop is the single writer of check and notification records. Probes
// may run on a small worker pool (Config.Workers > 1), but evaluation,
// deduplication, notification and every store write happen on the loop
// goroutine in subject order.
//
// Timing:
//   - the first cycle starts immediately
//   - the next cycle starts Interval after the previous cycle started, or at
//     the next tick of Schedule when set
//   - Trigger requests an extra cycle between ticks
//   - shutdown is observed between subjects and while waiting; the loop
//     never waits again once its context is done
package scheduler
