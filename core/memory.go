package core

import (
	"sync/atomic"
	"unsafe"

	"github.com/vectorgrp/xcpslave/calseg"
	"github.com/vectorgrp/xcpslave/internal/xcperr"
)

// Memory implements protocol.Memory, resolving every addressing mode of
// spec §6 against the instrumented application's real address space.
// ABS addresses are base-pointer-relative raw memory, the same way the
// original C target resolves a DAQ entry offset against a process base
// pointer — there is no typed table to consult here because the whole
// point of MTA is to reach arbitrary application memory the host names by
// raw address, so unsafe.Pointer arithmetic is the correct tool, not a
// shortcut around one (same precedent as goos/arm64 exception frame
// access in the retrieved tamago sources).
//
// SEG addressing delegates to a calseg.Registry. DYN/REL addressing
// resolve against a transient dynamic/relative base that Server installs
// only while running a command the PendingCommand mailbox deferred into
// an event's call stack (spec §4.5): outside that window there is no
// stack frame to read, so ReadDyn/ReadRel/WriteRel fail with CRC_SEQUENCE.
type Memory struct {
	base uintptr
	segs *calseg.Registry

	dynBase atomic.Uintptr
	relBase atomic.Uintptr
	dynSet  atomic.Bool
	relSet  atomic.Bool
}

// NewMemory creates a Memory resolving ABS addresses against base (the
// address of the application's measurement region) and SEG addresses
// against segs.
func NewMemory(base uintptr, segs *calseg.Registry) *Memory {
	return &Memory{base: base, segs: segs}
}

// bindEventBases installs the dynamic/relative base pointers active for
// the duration of one event dispatch, so a pending command executed
// inside that event can resolve DYN/REL memory. Server.Event calls this
// immediately before running a pending command and clears it immediately
// after.
func (m *Memory) bindEventBases(dynBase, relBase uintptr) {
	m.dynBase.Store(dynBase)
	m.relBase.Store(relBase)
	m.dynSet.Store(true)
	m.relSet.Store(true)
}

func (m *Memory) unbindEventBases() {
	m.dynSet.Store(false)
	m.relSet.Store(false)
}

func (m *Memory) ReadAbs(addr uint32, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	ptr := unsafe.Pointer(m.base + uintptr(addr))
	copy(out, unsafe.Slice((*byte)(ptr), len(out)))
	return nil
}

func (m *Memory) WriteAbs(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	ptr := unsafe.Pointer(m.base + uintptr(addr))
	copy(unsafe.Slice((*byte)(ptr), len(data)), data)
	return nil
}

func (m *Memory) ReadSeg(segIndex uint8, offset uint16, out []byte) error {
	seg, err := m.segs.Get(segIndex)
	if err != nil {
		return err
	}
	return seg.ReadAt(int(offset), out)
}

// WriteSeg implements SEG-addressed DOWNLOAD/SHORT_DOWNLOAD. Outside an
// open begin/end-atomic-calibration bracket (calseg.Registry.BeginAtomic)
// each write publishes immediately; inside one, the write stages into the
// working page and publication is deferred to EndAtomic so a multi-segment
// update never becomes partially visible (spec §4.3's "batched
// end-of-atomic-calibration" publication mode).
func (m *Memory) WriteSeg(segIndex uint8, offset uint16, data []byte) error {
	seg, err := m.segs.Get(segIndex)
	if err != nil {
		return err
	}
	if err := seg.WriteAt(int(offset), data); err != nil {
		return err
	}
	if m.segs.InAtomic() {
		m.segs.MarkTouched(segIndex)
		return nil
	}
	return seg.Publish()
}

func (m *Memory) ReadDyn(eventID uint16, offset int16, out []byte) error {
	if !m.dynSet.Load() {
		return xcperr.New(xcperr.Sequence, xcperr.ErrSequence)
	}
	base := m.dynBase.Load()
	ptr := unsafe.Pointer(base + uintptr(offset))
	copy(out, unsafe.Slice((*byte)(ptr), len(out)))
	return nil
}

func (m *Memory) ReadRel(offset int32, out []byte) error {
	if !m.relSet.Load() {
		return xcperr.New(xcperr.Sequence, xcperr.ErrSequence)
	}
	base := m.relBase.Load()
	ptr := unsafe.Pointer(base + uintptr(offset))
	copy(out, unsafe.Slice((*byte)(ptr), len(out)))
	return nil
}

func (m *Memory) WriteRel(offset int32, data []byte) error {
	if !m.relSet.Load() {
		return xcperr.New(xcperr.Sequence, xcperr.ErrSequence)
	}
	base := m.relBase.Load()
	ptr := unsafe.Pointer(base + uintptr(offset))
	copy(unsafe.Slice((*byte)(ptr), len(data)), data)
	return nil
}
