package daq

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorgrp/xcpslave/queue"
)

func setupRunningList(t *testing.T, tbl *Table, event uint16, entrySize uint8) {
	t.Helper()
	require.NoError(t, tbl.AllocDaq(1))
	require.NoError(t, tbl.AllocOdt(0, 1))
	require.NoError(t, tbl.AllocOdtEntry(0, 0, 1))
	require.NoError(t, tbl.SetPtr(0, 0, 0))
	require.NoError(t, tbl.WriteDaq(0x1000, entrySize, ExtAbsolute, 248))
	require.NoError(t, tbl.SetListMode(0, event, ModeTimestamp, 0))
	require.NoError(t, tbl.StartStop(0, 1))
}

func TestEventSamplesBoundListIntoQueue(t *testing.T) {
	tbl := newTestTable()
	setupRunningList(t, tbl, 42, 4)

	q := queue.New(4096)
	sampler := func(ext AddrExt, offset int32, size uint8, dynBase, relBase uintptr, out []byte) bool {
		binary.LittleEndian.PutUint32(out, 0x11223344)
		return true
	}
	e := NewEngine(tbl, q, sampler)
	e.Event(42, 0, 0, 0xAABBCCDD)

	out := make([]byte, 1024)
	n, _ := q.TryPeek(out)
	require.Greater(t, n, 0)

	payload := out[queue.HeaderSize:n]
	assert.Equal(t, uint8(0), payload[0]) // ODT number
	assert.Equal(t, uint8(0), payload[1]) // DAQ number (2-byte header)
	ts := binary.LittleEndian.Uint32(payload[2:6])
	assert.EqualValues(t, 0xAABBCCDD, ts)
	sample := binary.LittleEndian.Uint32(payload[6:10])
	assert.EqualValues(t, 0x11223344, sample)
}

func TestEventIgnoresUnboundEvent(t *testing.T) {
	tbl := newTestTable()
	setupRunningList(t, tbl, 42, 4)

	q := queue.New(4096)
	e := NewEngine(tbl, q, func(AddrExt, int32, uint8, uintptr, uintptr, []byte) bool { return true })
	e.Event(99, 0, 0, 0)

	out := make([]byte, 1024)
	n, _ := q.TryPeek(out)
	assert.Equal(t, 0, n)
}

func TestEventIgnoresStoppedList(t *testing.T) {
	tbl := newTestTable()
	setupRunningList(t, tbl, 42, 4)
	require.NoError(t, tbl.StartStop(0, 2))

	q := queue.New(4096)
	e := NewEngine(tbl, q, func(AddrExt, int32, uint8, uintptr, uintptr, []byte) bool { return true })
	e.Event(42, 0, 0, 0)

	out := make([]byte, 1024)
	n, _ := q.TryPeek(out)
	assert.Equal(t, 0, n)
}

func TestEventCountsOverrunOnQueueFull(t *testing.T) {
	tbl := newTestTable()
	setupRunningList(t, tbl, 42, 4)

	q := queue.New(8) // too small for even one reservation plus header
	e := NewEngine(tbl, q, func(AddrExt, int32, uint8, uintptr, uintptr, []byte) bool { return true })
	e.Event(42, 0, 0, 0)

	assert.EqualValues(t, 1, e.OverrunCount(0))
}
