package mping

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalsHaltCounting(t *testing.T) {
	s := NewSignals()
	assert.False(t, s.Halting())
	assert.Equal(t, 0, s.HaltCount())

	s.bump()
	assert.True(t, s.Halting())
	assert.Equal(t, 1, s.HaltCount())

	// Draining the iteration consumes a single interrupt.
	s.ClearHalt()
	assert.False(t, s.Halting())

	s.bump()
	s.bump()
	assert.Equal(t, 2, s.HaltCount())

	// A second interrupt sticks; the loops must terminate.
	s.ClearHalt()
	assert.Equal(t, 2, s.HaltCount())
}
