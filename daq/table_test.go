package daq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable() *Table {
	return NewTable(HeaderWidth2, 4, 8, 32)
}

func TestAllocDaqOdtEntry(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.AllocDaq(1))
	require.NoError(t, tbl.AllocOdt(0, 1))
	require.NoError(t, tbl.AllocOdtEntry(0, 0, 1))
	require.NoError(t, tbl.SetPtr(0, 0, 0))
	require.NoError(t, tbl.WriteDaq(100, 4, ExtAbsolute, 248))
}

func TestAllocOdtEntryOutOfRangeOdt(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.AllocDaq(1))
	require.NoError(t, tbl.AllocOdt(0, 1))
	err := tbl.AllocOdtEntry(0, 5, 1)
	assert.Error(t, err)
}

func TestAllocMemoryOverflow(t *testing.T) {
	tbl := NewTable(HeaderWidth2, 1, 1, 1)
	require.NoError(t, tbl.AllocDaq(1))
	err := tbl.AllocDaq(1)
	assert.Error(t, err)
}

func TestFreeResetsArena(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.AllocDaq(2))
	require.NoError(t, tbl.Free())
	require.NoError(t, tbl.AllocDaq(4))
}

func TestFreeRefusedWhileRunning(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.AllocDaq(1))
	require.NoError(t, tbl.AllocOdt(0, 1))
	require.NoError(t, tbl.AllocOdtEntry(0, 0, 1))
	require.NoError(t, tbl.SetPtr(0, 0, 0))
	require.NoError(t, tbl.WriteDaq(0, 4, ExtAbsolute, 248))
	require.NoError(t, tbl.SetListMode(0, 1, ModeTimestamp, 0))
	require.NoError(t, tbl.StartStop(0, 1))

	err := tbl.Free()
	assert.Error(t, err)

	require.NoError(t, tbl.StartStop(0, 2))
	require.NoError(t, tbl.Free())
}

func TestResetClearsArenaEvenWhileRunning(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.AllocDaq(1))
	require.NoError(t, tbl.AllocOdt(0, 1))
	require.NoError(t, tbl.AllocOdtEntry(0, 0, 1))
	require.NoError(t, tbl.SetPtr(0, 0, 0))
	require.NoError(t, tbl.WriteDaq(0, 4, ExtAbsolute, 248))
	require.NoError(t, tbl.SetListMode(0, 1, ModeTimestamp, 0))
	require.NoError(t, tbl.StartStop(0, 1))

	require.Error(t, tbl.Free(), "sanity: Free alone still refuses while running")

	tbl.Reset()

	// The arena is fully cleared, including the running flag, so a fresh
	// allocation sequence succeeds immediately after.
	require.NoError(t, tbl.AllocDaq(1))
	require.NoError(t, tbl.AllocOdt(0, 1))
	require.NoError(t, tbl.AllocOdtEntry(0, 0, 1))
}

func TestWriteDaqRejectsOversizeOdt(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.AllocDaq(1))
	require.NoError(t, tbl.AllocOdt(0, 1))
	require.NoError(t, tbl.AllocOdtEntry(0, 0, 1))
	require.NoError(t, tbl.SetPtr(0, 0, 0))
	err := tbl.WriteDaq(0, 255, ExtAbsolute, 8)
	assert.Error(t, err)
}

func TestSetPtrBeforeAllocFails(t *testing.T) {
	tbl := newTestTable()
	err := tbl.SetPtr(0, 0, 0)
	assert.Error(t, err)
}

func TestListsBoundToFiltersRunningAndEvent(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.AllocDaq(2))
	require.NoError(t, tbl.SetListMode(0, 7, 0, 0))
	require.NoError(t, tbl.SetListMode(1, 7, 0, 0))
	require.NoError(t, tbl.StartStop(0, 1))

	bound := tbl.ListsBoundTo(7)
	assert.Equal(t, []int{0}, bound)
}
