//go:build linux

package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElevateMatchesCapability(t *testing.T) {
	t.Parallel()

	if !CanElevate() {
		t.Skip("needs root or CAP_SYS_NICE")
	}

	done := make(chan error, 1)
	var nice int
	go func() {
		err := Elevate()
		if err == nil {
			nice, err = Current()
		}
		done <- err
	}()
	require.NoError(t, <-done)
	assert.Equal(t, HighestNice, nice)
}

func TestCurrent(t *testing.T) {
	t.Parallel()

	nice, err := Current()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, nice, -20)
	assert.LessOrEqual(t, nice, 19)
}
