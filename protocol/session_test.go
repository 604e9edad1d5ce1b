package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionConnectDisconnect(t *testing.T) {
	s := NewSession()
	assert.False(t, s.Connected())
	s.Connect(ConnectNormal)
	assert.True(t, s.Connected())
	s.Disconnect()
	assert.False(t, s.Connected())
}

func TestSessionDAQRunningBit(t *testing.T) {
	s := NewSession()
	s.Connect(ConnectNormal)
	s.SetDAQRunning(true)
	assert.NotZero(t, s.Status()&StateDAQRunning)
	s.SetDAQRunning(false)
	assert.Zero(t, s.Status()&StateDAQRunning)
}

func TestSessionResumeMode(t *testing.T) {
	s := NewSession()
	s.Connect(ConnectResume)
	assert.NotZero(t, s.Status()&StateResumeMode)
}
