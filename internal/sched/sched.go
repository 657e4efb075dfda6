// Package sched raises the scheduling priority of the calling goroutine's OS
// thread for latency-sensitive loops such as the phase feeders.
package sched

import "errors"

// HighestNice is the niceness requested by Elevate.
const HighestNice = -20

// ErrUnsupported is returned by Elevate on platforms without per-thread
// priorities.
var ErrUnsupported = errors.New("sched: thread priority not supported on this platform")
