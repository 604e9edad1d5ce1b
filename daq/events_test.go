package daq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventTableOrdersByIndexAndLooksUpByID(t *testing.T) {
	table := NewEventTable([]Event{
		{ID: 5, Index: 1, Name: "100ms", CycleNS: 100_000_000},
		{ID: 0, Index: 0, Name: "10ms", CycleNS: 10_000_000, Priority: 1},
	})

	assert.Equal(t, 2, table.Count())

	ev, ok := table.ByIndex(0)
	assert.True(t, ok)
	assert.Equal(t, "10ms", ev.Name)

	ev, ok = table.ByIndex(1)
	assert.True(t, ok)
	assert.Equal(t, "100ms", ev.Name)

	_, ok = table.ByIndex(2)
	assert.False(t, ok)

	ev, ok = table.ByID(5)
	assert.True(t, ok)
	assert.Equal(t, "100ms", ev.Name)

	_, ok = table.ByID(99)
	assert.False(t, ok)
}
