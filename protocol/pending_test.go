package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingCommandSetAndTake(t *testing.T) {
	p := NewPendingCommand()
	ran := false
	require.NoError(t, p.TrySet(5, func() { ran = true }))
	assert.True(t, p.Pending())

	assert.False(t, p.Take(6)) // wrong event id, not consumed
	assert.True(t, p.Pending())

	assert.True(t, p.Take(5))
	assert.True(t, ran)
	assert.False(t, p.Pending())
}

func TestPendingCommandBusyOnSecondSet(t *testing.T) {
	p := NewPendingCommand()
	require.NoError(t, p.TrySet(1, func() {}))
	err := p.TrySet(1, func() {})
	assert.Error(t, err)
}
