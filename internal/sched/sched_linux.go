//go:build linux

package sched

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// CanElevate reports whether the process may raise thread priorities: it
// runs as root or holds CAP_SYS_NICE in its effective set.
func CanElevate() bool {
	if unix.Geteuid() == 0 {
		return true
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false
	}
	const bit = unix.CAP_SYS_NICE
	return data[bit/32].Effective&(1<<(bit%32)) != 0
}

// Elevate locks the calling goroutine to its OS thread and sets that
// thread's niceness to HighestNice. The goroutine stays locked; when it
// exits, the runtime retires the thread along with its priority.
func Elevate() error {
	runtime.LockOSThread()
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), HighestNice); err != nil {
		return fmt.Errorf("sched: setpriority: %w", err)
	}
	return nil
}

// Current returns the niceness of the calling thread.
func Current() (int, error) {
	// getpriority(2) returns 20-nice to stay non-negative.
	p, err := unix.Getpriority(unix.PRIO_PROCESS, unix.Gettid())
	if err != nil {
		return 0, fmt.Errorf("sched: getpriority: %w", err)
	}
	return 20 - p, nil
}
