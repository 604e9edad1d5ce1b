// Package daq implements the dynamic DAQ engine of spec §4.4: DAQ-list,
// ODT and ODT-entry allocation served from one fixed-size arena, and the
// event-triggered sampling loop that turns application events into
// outbound DTO messages.
package daq

import (
	"encoding/binary"
	"sync"

	"github.com/vectorgrp/xcpslave/internal/xcperr"
)

// HeaderWidth selects the 2-byte {ODT, DAQ8} or 4-byte {ODT, fill, DAQ16}
// ODT header format. It is a build-time constant per spec §9(a); the
// value a given binary uses is reported to the host in
// GET_DAQ_PROCESSOR_INFO and never renegotiated at runtime.
type HeaderWidth uint8

const (
	HeaderWidth2 HeaderWidth = 2
	HeaderWidth4 HeaderWidth = 4
)

// Mode bits stored in a DAQ list's mode byte (spec §4.4 / §6).
const (
	ModeTimestamp = 0x10 // first ODT of the list carries a timestamp
)

// ListState is the DAQ-list state machine of spec §4.4's "State machine
// per DAQ list": STOPPED_UNSELECTED -> STOPPED_SELECTED -> RUNNING.
type ListState uint8

const (
	StoppedUnselected ListState = iota
	StoppedSelected
	Running
)

const overrunFlag = 0x80 // set in the state byte, not on the wire ODT number directly; Engine OR's it in per spec "optional PID overrun indication mode"

const (
	listRecordSize = 16
	odtRecordSize  = 8
	entryRecordSize = 8
)

// AddrExt mirrors protocol.MTA's four addressing modes, duplicated here
// (rather than imported) to keep daq free of a dependency on protocol;
// the numeric values match the wire encoding in spec §6.
type AddrExt uint8

const (
	ExtAbsolute AddrExt = 0
	ExtSegment  AddrExt = 1
	ExtDynamic  AddrExt = 2
	ExtRelative AddrExt = 3
)

// Table is the single arena every DAQ list, ODT and entry is carved from,
// laid out as three contiguous regions: list headers, ODT headers, and
// entry records. ALLOC_DAQ / ALLOC_ODT / ALLOC_ODT_ENTRY are bump-pointer
// allocations within their region; FREE_DAQ resets all three bump
// pointers to zero without touching the underlying bytes.
type Table struct {
	mu sync.RWMutex

	headerWidth HeaderWidth

	maxLists, maxODTs, maxEntries int
	listHdr                       []byte
	odtHdr                        []byte
	entryArr                      []byte

	listCount, odtCount, entryCount int

	// ptr is the (daq, odt, entry) cursor positioned by SET_DAQ_PTR for
	// subsequent WRITE_DAQ / WRITE_DAQ_MULTIPLE commands.
	ptrDaq, ptrOdt, ptrEntry int
	ptrValid                 bool

	anyRunning int // count of lists currently Running; ALLOC/FREE refuse while > 0
}

// NewTable creates an arena sized to hold at most maxLists DAQ lists,
// maxODTs ODTs total, and maxEntries ODT entries total — the Go
// equivalent of the C implementation's DAQ_MEM_SIZE, expressed as record
// counts instead of raw bytes since the arena never needs to be
// byte-addressed by the host.
func NewTable(headerWidth HeaderWidth, maxLists, maxODTs, maxEntries int) *Table {
	return &Table{
		headerWidth: headerWidth,
		maxLists:    maxLists,
		maxODTs:     maxODTs,
		maxEntries:  maxEntries,
		listHdr:     make([]byte, maxLists*listRecordSize),
		odtHdr:      make([]byte, maxODTs*odtRecordSize),
		entryArr:    make([]byte, maxEntries*entryRecordSize),
	}
}

func (t *Table) HeaderWidth() HeaderWidth { return t.headerWidth }

// Free implements FREE_DAQ: resets all allocation bump pointers,
// discarding every list, ODT and entry. Refused while any list is
// running (spec §4.4/§7: invalid state returns CRC_DAQ_ACTIVE).
func (t *Table) Free() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.anyRunning > 0 {
		return xcperr.New(xcperr.DaqActive, xcperr.ErrDaqActive)
	}
	t.listCount, t.odtCount, t.entryCount = 0, 0, 0
	t.ptrValid = false
	return nil
}

// Reset unconditionally clears every DAQ list, ODT and entry, stopping
// any running list first — the force-reset path CONNECT uses on a
// reconnect (spec.md: "CONNECT while already connected resets DAQ
// tables"), mirroring XcpClearDaq() in the original implementation,
// which clears DaqRunning and the DAQ list structure with no
// running-state guard, unlike the FREE_DAQ command path above.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.anyRunning = 0
	t.listCount, t.odtCount, t.entryCount = 0, 0, 0
	t.ptrValid = false
}

// AllocDaq implements ALLOC_DAQ: reserves n DAQ-list slots.
func (t *Table) AllocDaq(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.anyRunning > 0 {
		return xcperr.New(xcperr.DaqActive, xcperr.ErrDaqActive)
	}
	if t.listCount+n > t.maxLists {
		return xcperr.New(xcperr.MemoryOverflow, xcperr.ErrMemoryOverflow)
	}
	for i := 0; i < n; i++ {
		l := List{t: t, index: t.listCount}
		l.setEventID(0xFFFF)
		l.setState(StoppedUnselected)
		l.setFirstODT(0xFFFF)
		l.setODTCount(0)
		t.listCount++
	}
	return nil
}

// AllocOdt implements ALLOC_ODT(daq, k): reserves k ODTs for the given
// list. Must be called in ascending daq order per §4.4's ODT-interval
// invariant; each list's ODTs occupy a contiguous range in odtHdr.
func (t *Table) AllocOdt(daq int, k int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.anyRunning > 0 {
		return xcperr.New(xcperr.DaqActive, xcperr.ErrDaqActive)
	}
	if daq < 0 || daq >= t.listCount {
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	if t.odtCount+k > t.maxODTs {
		return xcperr.New(xcperr.MemoryOverflow, xcperr.ErrMemoryOverflow)
	}
	l := List{t: t, index: daq}
	first := t.odtCount
	for i := 0; i < k; i++ {
		o := ODT{t: t, index: t.odtCount}
		o.setFirstEntry(0xFFFF)
		o.setEntryCount(0)
		t.odtCount++
	}
	l.setFirstODT(uint16(first))
	l.setODTCount(uint16(k))
	return nil
}

// AllocOdtEntry implements ALLOC_ODT_ENTRY(daq, odt, m): reserves m entry
// slots for the given ODT, identified as the odt'th ODT of list daq.
func (t *Table) AllocOdtEntry(daq, odt, m int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.anyRunning > 0 {
		return xcperr.New(xcperr.DaqActive, xcperr.ErrDaqActive)
	}
	l := List{t: t, index: daq}
	if daq < 0 || daq >= t.listCount || odt < 0 || odt >= int(l.odtCount()) {
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	if t.entryCount+m > t.maxEntries {
		return xcperr.New(xcperr.MemoryOverflow, xcperr.ErrMemoryOverflow)
	}
	absODT := int(l.firstODT()) + odt
	o := ODT{t: t, index: absODT}
	first := t.entryCount
	for i := 0; i < m; i++ {
		e := Entry{t: t, index: t.entryCount}
		e.setSize(0)
		t.entryCount++
	}
	o.setFirstEntry(uint16(first))
	o.setEntryCount(uint16(m))
	return nil
}

// SetPtr implements SET_DAQ_PTR: positions the cursor WRITE_DAQ operates
// on.
func (t *Table) SetPtr(daq, odt, entry int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := List{t: t, index: daq}
	if daq < 0 || daq >= t.listCount || odt < 0 || odt >= int(l.odtCount()) {
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	absODT := int(l.firstODT()) + odt
	o := ODT{t: t, index: absODT}
	if entry < 0 || entry >= int(o.entryCount()) {
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	t.ptrDaq, t.ptrOdt, t.ptrEntry = daq, odt, entry
	t.ptrValid = true
	return nil
}

// WriteDaq implements WRITE_DAQ / WRITE_DAQ_MULTIPLE for the entry at the
// current cursor position, filling its (offset, size, ext) and enforcing
// the MAX_DTO_SIZE-HEADER budget per §3, then advances the cursor to the
// next entry of the same ODT.
func (t *Table) WriteDaq(offset int32, size uint8, ext AddrExt, maxDTOPayload int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ptrValid {
		return xcperr.New(xcperr.Sequence, xcperr.ErrSequence)
	}
	l := List{t: t, index: t.ptrDaq}
	absODT := int(l.firstODT()) + t.ptrOdt
	o := ODT{t: t, index: absODT}
	if t.ptrEntry >= int(o.entryCount()) {
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	absEntry := int(o.firstEntry()) + t.ptrEntry
	e := Entry{t: t, index: absEntry}

	reserve := 4 // timestamp reserved in odtSize check only for first ODT; callers validate the full sum
	if t.ptrOdt != 0 {
		reserve = 0
	}
	if o.byteSize()-int(e.size())+int(size)+reserve > maxDTOPayload {
		return xcperr.New(xcperr.DaqConfig, xcperr.ErrOutOfRange)
	}

	e.setOffset(offset)
	e.setSize(size)
	e.setExt(uint8(ext))
	t.ptrEntry++
	return nil
}

// SetListMode implements SET_DAQ_LIST_MODE: binds the event, mode and
// priority for a DAQ list. Refused while the list is running.
func (t *Table) SetListMode(daq int, eventID uint16, mode uint8, priority uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if daq < 0 || daq >= t.listCount {
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	l := List{t: t, index: daq}
	if l.state() == Running {
		return xcperr.New(xcperr.DaqActive, xcperr.ErrDaqActive)
	}
	l.setEventID(eventID)
	l.setMode(mode)
	l.setPriority(priority)
	if l.state() == StoppedUnselected {
		l.setState(StoppedSelected)
	}
	return nil
}

// ListModeOf returns the (eventID, mode, priority, state) of a list, for
// GET_DAQ_LIST_MODE.
func (t *Table) ListModeOf(daq int) (eventID uint16, mode, priority uint8, state ListState, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if daq < 0 || daq >= t.listCount {
		return 0, 0, 0, 0, xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	l := List{t: t, index: daq}
	return l.eventID(), l.mode(), l.priority(), l.state(), nil
}

// StartStop implements START_STOP_DAQ_LIST: mode 1 = start, 2 = stop, 0 =
// select-only (stay at STOPPED_SELECTED).
func (t *Table) StartStop(daq int, mode uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if daq < 0 || daq >= t.listCount {
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	l := List{t: t, index: daq}
	switch mode {
	case 2: // stop
		if l.state() == Running {
			t.anyRunning--
		}
		l.setState(StoppedSelected)
	case 1: // start
		if l.state() != Running {
			t.anyRunning++
		}
		l.setState(Running)
	default: // select
		if l.state() != Running {
			l.setState(StoppedSelected)
		}
	}
	return nil
}

// ListsBoundTo returns the indices of every list bound to the given event
// and currently Running, in ascending index order.
func (t *Table) ListsBoundTo(eventID uint16) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []int
	for i := 0; i < t.listCount; i++ {
		l := List{t: t, index: i}
		if l.state() == Running && l.eventID() == eventID {
			out = append(out, i)
		}
	}
	return out
}

// --- record accessors -------------------------------------------------

// List is a typed view over one list record in the arena.
type List struct {
	t     *Table
	index int
}

func (l List) rec() []byte { return l.t.listHdr[l.index*listRecordSize:] }

func (l List) eventID() uint16     { return binary.LittleEndian.Uint16(l.rec()[0:2]) }
func (l List) setEventID(v uint16) { binary.LittleEndian.PutUint16(l.rec()[0:2], v) }
func (l List) addrExt() uint8      { return l.rec()[2] }
func (l List) setAddrExt(v uint8)  { l.rec()[2] = v }
func (l List) mode() uint8         { return l.rec()[3] }
func (l List) setMode(v uint8)     { l.rec()[3] = v }
func (l List) priority() uint8     { return l.rec()[4] }
func (l List) setPriority(v uint8) { l.rec()[4] = v }
func (l List) state() ListState    { return ListState(l.rec()[5] &^ overrunFlag) }
func (l List) setState(s ListState) {
	rec := l.rec()
	rec[5] = (rec[5] & overrunFlag) | uint8(s)
}
func (l List) overrun() bool { return l.rec()[5]&overrunFlag != 0 }
func (l List) setOverrun(v bool) {
	rec := l.rec()
	if v {
		rec[5] |= overrunFlag
	} else {
		rec[5] &^= overrunFlag
	}
}
func (l List) firstODT() uint16     { return binary.LittleEndian.Uint16(l.rec()[6:8]) }
func (l List) setFirstODT(v uint16) { binary.LittleEndian.PutUint16(l.rec()[6:8], v) }
func (l List) odtCount() uint16     { return binary.LittleEndian.Uint16(l.rec()[8:10]) }
func (l List) setODTCount(v uint16) { binary.LittleEndian.PutUint16(l.rec()[8:10], v) }

// ODT is a typed view over one ODT record in the arena.
type ODT struct {
	t     *Table
	index int
}

func (o ODT) rec() []byte { return o.t.odtHdr[o.index*odtRecordSize:] }

func (o ODT) firstEntry() uint16     { return binary.LittleEndian.Uint16(o.rec()[0:2]) }
func (o ODT) setFirstEntry(v uint16) { binary.LittleEndian.PutUint16(o.rec()[0:2], v) }
func (o ODT) entryCount() uint16     { return binary.LittleEndian.Uint16(o.rec()[2:4]) }
func (o ODT) setEntryCount(v uint16) { binary.LittleEndian.PutUint16(o.rec()[2:4], v) }

// byteSize returns the sum of this ODT's entries' sizes, i.e. the
// payload bytes it contributes to a DTO (not including the ODT/DAQ
// header or timestamp).
func (o ODT) byteSize() int {
	n := 0
	first := int(o.firstEntry())
	for i := 0; i < int(o.entryCount()); i++ {
		n += int(Entry{t: o.t, index: first + i}.size())
	}
	return n
}

// Entry is a typed view over one ODT-entry record in the arena.
type Entry struct {
	t     *Table
	index int
}

func (e Entry) rec() []byte { return e.t.entryArr[e.index*entryRecordSize:] }

func (e Entry) Offset() int32        { return int32(binary.LittleEndian.Uint32(e.rec()[0:4])) }
func (e Entry) setOffset(v int32)    { binary.LittleEndian.PutUint32(e.rec()[0:4], uint32(v)) }
func (e Entry) size() uint8          { return e.rec()[4] }
func (e Entry) setSize(v uint8)      { e.rec()[4] = v }
func (e Entry) Ext() AddrExt         { return AddrExt(e.rec()[5]) }
func (e Entry) setExt(v uint8)       { e.rec()[5] = v }
