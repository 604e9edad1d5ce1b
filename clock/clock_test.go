package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonotonicNonDecreasing(t *testing.T) {
	c := NewMonotonic(UnitMicrosecond)
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		assert.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestMonotonicAdvancesWithTime(t *testing.T) {
	c := NewMonotonic(UnitNanosecond)
	first := c.Now()
	time.Sleep(time.Millisecond)
	second := c.Now()
	assert.Greater(t, second, first)
}

func TestDefaultCapability(t *testing.T) {
	cap := DefaultCapability(UnitMicrosecond)
	assert.Equal(t, UnitMicrosecond, cap.Unit)
	assert.EqualValues(t, 4, cap.TickSize)
}
