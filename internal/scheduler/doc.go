// Package scheduler fires timed events at most once, as close as possible to
// their target time.
//
// A Reconciler owns no durable state. The caller keeps the pending events in
// its own store and hands the full collection to Observe whenever it changes;
// the reconciler diffs it against its live timers. Delays longer than
// MaxTimerDelay get no timer of their own: a fixed-interval sweep re-runs the
// reconciliation and arms them once they come under the ceiling. The sweep
// interval therefore bounds the worst-case lateness of such events.
//
// Bookkeeping is serialised behind one mutex and never blocks. Each action
// runs on its own goroutine and always runs to completion; Stop and removal
// only cancel timers that have not fired yet.
package scheduler
