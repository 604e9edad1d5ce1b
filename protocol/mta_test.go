package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSeg(t *testing.T) {
	addr := EncodeSeg(3, 0x1234)
	seg, off := DecodeSeg(addr)
	assert.EqualValues(t, 3, seg)
	assert.EqualValues(t, 0x1234, off)
}

func TestEncodeDecodeDyn(t *testing.T) {
	addr := EncodeDyn(7, -5)
	ev, off := DecodeDyn(addr)
	assert.EqualValues(t, 7, ev)
	assert.EqualValues(t, -5, off)
}

func TestMTAReadWriteAbsAdvances(t *testing.T) {
	mem := &fakeMemory{abs: make([]byte, 16)}
	mta := MTA{Ext: ExtAbsolute, Addr: 4}
	require.NoError(t, mta.Write(mem, []byte{1, 2, 3, 4}))
	assert.EqualValues(t, 8, mta.Addr)

	mta.Addr = 4
	out := make([]byte, 4)
	require.NoError(t, mta.Read(mem, out))
	assert.Equal(t, []byte{1, 2, 3, 4}, out)
	assert.EqualValues(t, 8, mta.Addr)
}

func TestMTASegAdvancesOffsetPreservingSegment(t *testing.T) {
	mta := MTA{Ext: ExtSegment, Addr: EncodeSeg(2, 10)}
	mta.Advance(4)
	seg, off := DecodeSeg(mta.Addr)
	assert.EqualValues(t, 2, seg)
	assert.EqualValues(t, 14, off)
}

func TestMTAWriteDynUnsupported(t *testing.T) {
	mem := &fakeMemory{abs: make([]byte, 4)}
	mta := MTA{Ext: ExtDynamic, Addr: 0}
	err := mta.Write(mem, []byte{1})
	assert.Error(t, err)
}
