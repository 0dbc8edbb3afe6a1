package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotTryReserveOnlySucceedsWhenIdle(t *testing.T) {
	s := newSlot(1, &Provider{Name: "p"}, "m")
	require.True(t, s.tryReserve())
	assert.False(t, s.tryReserve())
}

func TestSlotCoolingExpiresIntoIdle(t *testing.T) {
	s := newSlot(1, &Provider{Name: "p"}, "m")
	require.True(t, s.tryReserve())
	s.markInFlight()
	s.markCooling(time.Now().Add(-time.Millisecond))

	assert.True(t, s.tryReserve())
}

func TestSlotSuccessRateOverRollingWindow(t *testing.T) {
	s := newSlot(1, &Provider{Name: "p"}, "m")
	assert.Equal(t, 1.0, s.SuccessRate())

	for i := 0; i < 3; i++ {
		s.markSuccess(time.Millisecond)
	}
	s.markCooling(time.Now().Add(time.Hour))
	assert.InDelta(t, 0.75, s.SuccessRate(), 0.001)
}

func TestSlotSuccessRateWindowCapsAtTen(t *testing.T) {
	s := newSlot(1, &Provider{Name: "p"}, "m")
	for i := 0; i < 8; i++ {
		s.markSuccess(time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		s.markCooling(time.Now().Add(time.Hour))
	}
	assert.Len(t, s.rollingOutcomes, 10)
	assert.InDelta(t, 0.6, s.SuccessRate(), 0.001)
}
