package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	crc := CRC16(0)
	crc.Single(10)
	assert.EqualValues(t, 0xA14A, crc)
}

func TestChecksum16Block(t *testing.T) {
	assert.EqualValues(t, 0xA14A, Checksum16([]byte{10}))
}

func TestAddSums(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	assert.EqualValues(t, 15, AddSum11(data))
	assert.EqualValues(t, 15, AddSum12(data))
	assert.EqualValues(t, uint16(0x0201+0x0403+5), AddSum22(data))
	assert.EqualValues(t, uint32(0x04030201)+5, AddSum44(data))
}
