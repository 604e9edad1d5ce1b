package xcperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsUnwrapsCode(t *testing.T) {
	err := New(MemoryOverflow, ErrMemoryOverflow)
	assert.Equal(t, MemoryOverflow, As(err))
	assert.True(t, errors.Is(err, err))
}

func TestAsDefaultsToGeneric(t *testing.T) {
	assert.Equal(t, Generic, As(errors.New("plain")))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "ERR_CMD_BUSY", CmdBusy.String())
	assert.Equal(t, "ERR_UNKNOWN", Code(0xEE).String())
}
