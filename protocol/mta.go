package protocol

import (
	"github.com/vectorgrp/xcpslave/daq"
	"github.com/vectorgrp/xcpslave/internal/xcperr"
)

// Ext is the addr_ext byte selecting one of the addressing modes of spec
// §6; values are shared with daq.AddrExt so that a DAQ entry's address
// resolves through the same Memory implementation as a MTA.
type Ext = daq.AddrExt

const (
	ExtAbsolute = daq.ExtAbsolute
	ExtSegment  = daq.ExtSegment
	ExtDynamic  = daq.ExtDynamic
	ExtRelative = daq.ExtRelative
)

const segHighBit = 0x8000_0000

// EncodeSeg packs a calibration-segment index (the calseg.Registry index:
// 0 is the first registered segment; no index addresses the EPK, which
// only GET_ID returns) and a 16-bit offset into the 32-bit address carried by a
// SEG-addressed MTA, per spec §6.
func EncodeSeg(segIndex uint8, offset uint16) uint32 {
	return segHighBit | uint32(segIndex)<<16 | uint32(offset)
}

// DecodeSeg reverses EncodeSeg.
func DecodeSeg(addr uint32) (segIndex uint8, offset uint16) {
	return uint8((addr >> 16) & 0x7FFF), uint16(addr)
}

// EncodeDyn packs an event id and a signed i16 offset, per spec §6's DYN
// addressing mode.
func EncodeDyn(eventID uint16, offset int16) uint32 {
	return uint32(eventID)<<16 | uint32(uint16(offset))
}

// DecodeDyn reverses EncodeDyn.
func DecodeDyn(addr uint32) (eventID uint16, offset int16) {
	return uint16(addr >> 16), int16(uint16(addr))
}

// Memory resolves every addressing mode a MTA or DAQ entry may carry into
// an actual read or write. core.Server supplies the concrete
// implementation, backed by calseg.Registry for SEG and by the
// application-supplied base pointers for ABS/DYN/REL.
type Memory interface {
	ReadAbs(addr uint32, out []byte) error
	WriteAbs(addr uint32, data []byte) error
	ReadSeg(segIndex uint8, offset uint16, out []byte) error
	WriteSeg(segIndex uint8, offset uint16, data []byte) error
	ReadDyn(eventID uint16, offset int16, out []byte) error
	ReadRel(offset int32, out []byte) error
	WriteRel(offset int32, data []byte) error
}

// MTA is the memory transfer address cursor of spec §4.1: a (ext, addr)
// pair plus the running position every DOWNLOAD/UPLOAD-class command
// reads from or writes to and advances by the transferred length,
// generalized from how od.Streamer tracks a DataOffset across partial
// reads/writes of one (index, subindex).
type MTA struct {
	Ext  Ext
	Addr uint32
}

// Advance moves the cursor forward by n bytes, the way every
// memory-touching command is required to (spec §4.1).
func (m *MTA) Advance(n int) {
	switch m.Ext {
	case ExtSegment:
		seg, off := DecodeSeg(m.Addr)
		m.Addr = EncodeSeg(seg, off+uint16(n))
	case ExtDynamic:
		ev, off := DecodeDyn(m.Addr)
		m.Addr = EncodeDyn(ev, off+int16(n))
	default:
		m.Addr += uint32(n)
	}
}

// Read reads len(out) bytes starting at the cursor and advances it.
func (m *MTA) Read(mem Memory, out []byte) error {
	if err := m.readAt(mem, out); err != nil {
		return err
	}
	m.Advance(len(out))
	return nil
}

// Write writes data starting at the cursor and advances it.
func (m *MTA) Write(mem Memory, data []byte) error {
	if err := m.writeAt(mem, data); err != nil {
		return err
	}
	m.Advance(len(data))
	return nil
}

func (m *MTA) readAt(mem Memory, out []byte) error {
	switch m.Ext {
	case ExtAbsolute:
		return mem.ReadAbs(m.Addr, out)
	case ExtSegment:
		seg, off := DecodeSeg(m.Addr)
		return mem.ReadSeg(seg, off, out)
	case ExtDynamic:
		ev, off := DecodeDyn(m.Addr)
		return mem.ReadDyn(ev, off, out)
	case ExtRelative:
		return mem.ReadRel(int32(m.Addr), out)
	default:
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrInvalidArgument)
	}
}

func (m *MTA) writeAt(mem Memory, data []byte) error {
	switch m.Ext {
	case ExtAbsolute:
		return mem.WriteAbs(m.Addr, data)
	case ExtSegment:
		seg, off := DecodeSeg(m.Addr)
		return mem.WriteSeg(seg, off, data)
	case ExtRelative:
		return mem.WriteRel(int32(m.Addr), data)
	default:
		return xcperr.New(xcperr.WriteProtected, xcperr.ErrWriteProtected)
	}
}
