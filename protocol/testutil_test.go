package protocol

import (
	"github.com/vectorgrp/xcpslave/internal/xcperr"
)

// fakeMemory is a minimal Memory backing an in-process byte array for
// ABS addressing plus a single calibration segment reachable through SEG,
// enough to exercise MTA resolution without pulling in core.Server.
type fakeMemory struct {
	abs []byte
	seg fakeSeg
}

type fakeSeg interface {
	ReadAt(offset int, out []byte) error
	WriteAt(offset int, data []byte) error
}

func (m *fakeMemory) ReadAbs(addr uint32, out []byte) error {
	if int(addr)+len(out) > len(m.abs) {
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	copy(out, m.abs[addr:])
	return nil
}

func (m *fakeMemory) WriteAbs(addr uint32, data []byte) error {
	if int(addr)+len(data) > len(m.abs) {
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	copy(m.abs[addr:], data)
	return nil
}

func (m *fakeMemory) ReadSeg(segIndex uint8, offset uint16, out []byte) error {
	if m.seg == nil {
		return xcperr.New(xcperr.SegmentNotValid, xcperr.ErrSegmentNotValid)
	}
	return m.seg.ReadAt(int(offset), out)
}

func (m *fakeMemory) WriteSeg(segIndex uint8, offset uint16, data []byte) error {
	if m.seg == nil {
		return xcperr.New(xcperr.SegmentNotValid, xcperr.ErrSegmentNotValid)
	}
	return m.seg.WriteAt(int(offset), data)
}

func (m *fakeMemory) ReadDyn(eventID uint16, offset int16, out []byte) error {
	return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
}

func (m *fakeMemory) ReadRel(offset int32, out []byte) error {
	return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
}

func (m *fakeMemory) WriteRel(offset int32, data []byte) error {
	return xcperr.New(xcperr.WriteProtected, xcperr.ErrWriteProtected)
}
