//go:build !linux

package sched

// CanElevate always reports false.
func CanElevate() bool { return false }

// Elevate is not supported on this platform.
func Elevate() error { return ErrUnsupported }

// Current is not supported on this platform.
func Current() (int, error) { return 0, ErrUnsupported }
