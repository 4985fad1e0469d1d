// Package background runs fire-and-forget work. Callers hand a Func to a
// Producer and return immediately; the Tracker runs it on its own goroutine,
// keeps it registered while it is in flight, and lets a Consumer wait for
// everything currently registered, bounded by a completion timeout. Closing
// the Tracker cancels the shared shutdown context and drains what is left.
package background
