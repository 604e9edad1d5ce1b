package daq

import (
	"encoding/binary"

	"github.com/vectorgrp/xcpslave/queue"
)

// HeaderSize returns the ODT/DAQ header size in bytes a message produced
// by this table's header width occupies (spec §9 "DAQ header").
func (t *Table) HeaderSize() int { return int(t.headerWidth) }

// Sampler reads size bytes at the resolved address into out. The engine
// calls it once per ODT entry at sample time; callers typically implement
// it with a bounds check against the region addrExt selects.
type Sampler func(ext AddrExt, offset int32, size uint8, dynBase, relBase uintptr, out []byte) bool

// Engine drives event-triggered sampling: Event walks every DAQ list
// bound to an event id, assembles one outbound message per ODT, and
// commits it to the transmit queue. It never blocks: a queue reservation
// failure is counted as loss and the engine moves on to the next ODT,
// mirroring spec §4.4/§5's "event() is non-blocking ... drops with
// counted loss on failure", generalized from pdo.TPDO.send()'s single
// fixed-size CAN frame to a variable number of ODTs per event.
type Engine struct {
	table   *Table
	q       *queue.Queue
	sample  Sampler
	overrun []uint64 // per-list overrun counter, index-aligned with table lists
}

// NewEngine wires a Table to the transmit queue and the application's
// memory sampler.
func NewEngine(t *Table, q *queue.Queue, sampler Sampler) *Engine {
	return &Engine{table: t, q: q, sample: sampler}
}

// Event implements spec §4.4's event dispatch for application-triggered
// event id, using dynBase/relBase as the process base pointers for
// dynamic/relative addressed entries and ts as the 32-bit low word of the
// sample-time clock.
func (e *Engine) Event(id uint16, dynBase, relBase uintptr, ts uint32) {
	t := e.table
	lists := t.ListsBoundTo(id)

	for _, daq := range lists {
		e.sendList(daq, dynBase, relBase, ts)
	}
}

func (e *Engine) sendList(daq int, dynBase, relBase uintptr, ts uint32) {
	t := e.table
	t.mu.RLock()
	l := List{t: t, index: daq}
	first := int(l.firstODT())
	count := int(l.odtCount())
	addrExt := AddrExt(l.addrExt())
	priority := l.priority()
	hasTimestamp := l.mode()&ModeTimestamp != 0
	overrunSet := l.overrun()
	t.mu.RUnlock()

	for rel := 0; rel < count; rel++ {
		absODT := first + rel
		isFirst := rel == 0
		ok := e.sendODT(daq, absODT, rel, isFirst && hasTimestamp, addrExt, dynBase, relBase, ts, overrunSet, priority != 0 && rel == count-1)
		if !ok {
			e.noteOverrun(daq, l)
			return // stop sending the remaining ODTs of this list for this event, like a dropped PDO frame
		}
	}

	if overrunSet {
		// A full dispatch got through: the host has now had a chance to
		// see the flagged ODT header, so clear it until the next drop.
		t.mu.Lock()
		l.setOverrun(false)
		t.mu.Unlock()
	}
}

func (e *Engine) noteOverrun(daq int, l List) {
	for len(e.overrun) <= daq {
		e.overrun = append(e.overrun, 0)
	}
	e.overrun[daq]++

	t := e.table
	t.mu.Lock()
	l.setOverrun(true)
	t.mu.Unlock()
}

// OverrunCount returns the accumulated queue-reservation failures for a
// given DAQ list, for GET_DAQ_CLOCK / diagnostics.
func (e *Engine) OverrunCount(daq int) uint64 {
	if daq < 0 || daq >= len(e.overrun) {
		return 0
	}
	return e.overrun[daq]
}

func (e *Engine) sendODT(daq, absODT, relODT int, withTimestamp bool, ext AddrExt, dynBase, relBase uintptr, ts uint32, overrunMode bool, flush bool) bool {
	t := e.table
	o := ODT{t: t, index: absODT}
	payload := o.byteSize()
	ts4 := 0
	if withTimestamp {
		ts4 = 4
	}

	hdr := t.HeaderSize()
	dlc := hdr + ts4 + payload

	data, h, err := e.reserve(uint16(dlc), flush)
	if err != nil {
		return false
	}

	odtByte := uint8(relODT)
	if overrunMode {
		odtByte |= overrunFlag
	}
	switch t.headerWidth {
	case HeaderWidth2:
		data[0] = odtByte
		data[1] = uint8(daq)
	default:
		data[0] = odtByte
		data[1] = 0xAA
		binary.LittleEndian.PutUint16(data[2:4], uint16(daq))
	}

	off := hdr
	if withTimestamp {
		binary.LittleEndian.PutUint32(data[off:off+4], ts)
		off += 4
	}

	first := int(o.firstEntry())
	for i := 0; i < int(o.entryCount()); i++ {
		ent := Entry{t: t, index: first + i}
		sz := int(ent.size())
		if sz == 0 {
			continue
		}
		if e.sample != nil {
			e.sample(ent.Ext(), ent.Offset(), ent.size(), dynBase, relBase, data[off:off+sz])
		}
		off += sz
	}

	e.q.Commit(h)
	return true
}

func (e *Engine) reserve(dlc uint16, priority bool) ([]byte, *queue.Handle, error) {
	if priority {
		return e.q.ReservePriority(dlc)
	}
	return e.q.Reserve(dlc)
}
