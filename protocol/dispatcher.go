package protocol

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/vectorgrp/xcpslave/calseg"
	"github.com/vectorgrp/xcpslave/clock"
	"github.com/vectorgrp/xcpslave/daq"
	"github.com/vectorgrp/xcpslave/internal/crc"
	"github.com/vectorgrp/xcpslave/internal/xcperr"
)

// ErrDeferred is returned by a memory-command handler that has stashed
// its remaining work in the pending-command mailbox (spec §4.5): Handle
// sends no immediate response for it, since the stashed run sends its
// own once the target event executes it.
var ErrDeferred = errors.New("protocol: command deferred to pending-command mailbox")

const (
	// MaxCTO is the fixed command/response payload budget of spec §6.
	MaxCTO = 248

	protocolVersionMajor = 0x01
	protocolVersionMinor = 0x04
)

type handlerFunc func(d *Dispatcher, args []byte) ([]byte, error)

// Dispatcher decodes one command CTO at a time and produces a response,
// generalizing the teacher's per-message-type Handle methods
// (pkg/sdo/server.go, pkg/nmt/nmt.go) into a single command-byte-indexed
// table, since XCP multiplexes every command through one CTO channel
// instead of CANopen's per-service COB-IDs.
type Dispatcher struct {
	Session   *Session
	Mem       Memory
	CalSegs   *calseg.Registry
	Daq       *daq.Table
	DaqEngine *daq.Engine
	Events    *daq.EventTable
	Clock     clock.Source
	Store     *calseg.Store
	Pending   *PendingCommand

	// Respond delivers a response built outside the normal synchronous
	// Handle path, i.e. by a pending command's run closure once an
	// event executes it. core.Server wires this to the same
	// priority-queue enqueue HandleCTO itself uses.
	Respond func([]byte)

	MaxDTO int // build-time DTO budget, reported in CONNECT / GET_DAQ_PROCESSOR_INFO

	mtaMu sync.Mutex
	mta   MTA

	handlers map[Command]handlerFunc
}

// currentMTA returns a snapshot of the SET_MTA cursor, safe to capture
// in a closure that may run on a different goroutine (a deferred
// DYN/REL command executes inside Server.Event, not on the thread that
// received the CTO).
func (d *Dispatcher) currentMTA() MTA {
	d.mtaMu.Lock()
	defer d.mtaMu.Unlock()
	return d.mta
}

func (d *Dispatcher) setMTA(m MTA) {
	d.mtaMu.Lock()
	d.mta = m
	d.mtaMu.Unlock()
}

func (d *Dispatcher) advanceMTA(n int) {
	d.mtaMu.Lock()
	d.mta.Advance(n)
	d.mtaMu.Unlock()
}

// deferIfEventAddressed stashes run in the pending-command mailbox when
// mta's addressing mode must resolve against an event's call stack
// (spec §3's event-relative definition): DYN carries its target event
// id in the address itself, REL carries none and runs on whichever
// event fires next. It reports whether the command was deferred; a
// non-nil error alongside deferred=true is CRC_CMD_BUSY from a second
// pending request.
func (d *Dispatcher) deferIfEventAddressed(mta MTA, run func()) (deferred bool, err error) {
	switch mta.Ext {
	case ExtDynamic:
		eventID, _ := DecodeDyn(mta.Addr)
		return true, d.Pending.TrySet(eventID, run)
	case ExtRelative:
		return true, d.Pending.TrySetAny(run)
	default:
		return false, nil
	}
}

func positiveResponse(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, PidResponse)
	return append(out, payload...)
}

// NewDispatcher wires a Dispatcher; Mem, CalSegs, Daq and Clock must be
// non-nil. events may be nil if GET_DAQ_EVENT_INFO is not needed.
func NewDispatcher(session *Session, mem Memory, segs *calseg.Registry, table *daq.Table, engine *daq.Engine, events *daq.EventTable, src clock.Source, maxDTO int) *Dispatcher {
	d := &Dispatcher{
		Session:   session,
		Mem:       mem,
		CalSegs:   segs,
		Daq:       table,
		DaqEngine: engine,
		Events:    events,
		Clock:     src,
		Pending:   NewPendingCommand(),
		Respond:   func([]byte) {}, // overridden by core.Server; a safe no-op otherwise (e.g. in tests)
		MaxDTO:    maxDTO,
	}
	d.handlers = map[Command]handlerFunc{
		CmdConnect:          (*Dispatcher).handleConnect,
		CmdDisconnect:       (*Dispatcher).handleDisconnect,
		CmdGetStatus:        (*Dispatcher).handleGetStatus,
		CmdSynch:            (*Dispatcher).handleSynch,
		CmdGetCommModeInfo:  (*Dispatcher).handleGetCommModeInfo,
		CmdGetID:            (*Dispatcher).handleGetID,
		CmdSetRequest:       (*Dispatcher).handleSetRequest,
		CmdSetMTA:           (*Dispatcher).handleSetMTA,
		CmdUpload:           (*Dispatcher).handleUpload,
		CmdShortUpload:      (*Dispatcher).handleShortUpload,
		CmdDownload:         (*Dispatcher).handleDownload,
		CmdShortDownload:    (*Dispatcher).handleShortDownload,
		CmdBuildChecksum:    (*Dispatcher).handleBuildChecksum,
		CmdGetCalPage:       (*Dispatcher).handleGetCalPage,
		CmdSetCalPage:       (*Dispatcher).handleSetCalPage,
		CmdCopyCalPage:      (*Dispatcher).handleCopyCalPage,
		CmdGetPagProcessorInfo: (*Dispatcher).handleGetPagProcessorInfo,
		CmdGetSegmentInfo:   (*Dispatcher).handleGetSegmentInfo,
		CmdGetPageInfo:      (*Dispatcher).handleGetPageInfo,
		CmdSetSegmentMode:   (*Dispatcher).handleSetSegmentMode,
		CmdGetSegmentMode:   (*Dispatcher).handleGetSegmentMode,
		CmdFreeDaq:          (*Dispatcher).handleFreeDaq,
		CmdAllocDaq:         (*Dispatcher).handleAllocDaq,
		CmdAllocOdt:         (*Dispatcher).handleAllocOdt,
		CmdAllocOdtEntry:    (*Dispatcher).handleAllocOdtEntry,
		CmdSetDaqPtr:        (*Dispatcher).handleSetDaqPtr,
		CmdWriteDaq:         (*Dispatcher).handleWriteDaq,
		CmdWriteDaqMultiple: (*Dispatcher).handleWriteDaqMultiple,
		CmdSetDaqListMode:   (*Dispatcher).handleSetDaqListMode,
		CmdGetDaqListMode:   (*Dispatcher).handleGetDaqListMode,
		CmdStartStopDaqList: (*Dispatcher).handleStartStopDaqList,
		CmdStartStopSynch:   (*Dispatcher).handleStartStopSynch,
		CmdGetDaqProcessorInfo:  (*Dispatcher).handleGetDaqProcessorInfo,
		CmdGetDaqResolutionInfo: (*Dispatcher).handleGetDaqResolutionInfo,
		CmdGetDaqEventInfo:      (*Dispatcher).handleGetDaqEventInfo,
		CmdGetDaqClock:          (*Dispatcher).handleGetDaqClock,
		CmdTimeCorrelationProperties: (*Dispatcher).handleTimeCorrelationProperties,
		CmdLevel1Command:   (*Dispatcher).handleLevel1,
		CmdUserCmd:          (*Dispatcher).handleUserCmd,
	}
	return d
}

// Handle decodes cto's command byte and dispatches, returning a complete
// response payload: PID_RES followed by the handler's bytes, or PID_ERR
// followed by one error byte. It returns nil when the handler deferred
// the command to the pending-command mailbox; that response is delivered
// later through Respond. SYNCH always returns a negative response
// by protocol convention (spec §7) even though it isn't itself an error.
func (d *Dispatcher) Handle(cto []byte) []byte {
	if len(cto) == 0 {
		return errorResponse(xcperr.CmdSyntax)
	}
	cmd := Command(cto[0])
	args := cto[1:]

	if cmd != CmdConnect && !d.Session.Connected() {
		return errorResponse(xcperr.CmdSyntax)
	}

	h, ok := d.handlers[cmd]
	if !ok {
		return errorResponse(xcperr.CmdUnknown)
	}
	resp, err := h(d, args)
	if errors.Is(err, ErrDeferred) {
		return nil
	}
	if err != nil {
		return errorResponse(xcperr.As(err))
	}
	return positiveResponse(resp)
}

func errorResponse(code xcperr.Code) []byte {
	return []byte{PidError, byte(code)}
}

// --- session commands ---------------------------------------------------

func (d *Dispatcher) handleConnect(args []byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	mode := ConnectMode(args[0])
	if d.Session.Connected() {
		// spec.md: "CONNECT while already connected resets DAQ tables" —
		// unconditionally, even if a list was left Running, so use the
		// force-reset path rather than FREE_DAQ's CRC_DAQ_ACTIVE-guarded one.
		d.Daq.Reset()
		d.Session.SetDAQRunning(false)
	}
	d.Session.Connect(mode)

	resp := make([]byte, 7)
	resp[0] = 0x05 // resource byte: CAL/PAG (0x01) + DAQ (0x04) available, PGM not
	resp[1] = 0x80 // COMM_MODE_BASIC: optional info available, byte order little-endian, address granularity byte
	resp[2] = byte(MaxCTO)
	binary.LittleEndian.PutUint16(resp[3:5], uint16(d.MaxDTO))
	resp[5] = byte(protocolVersionMajor) // protocol layer version
	resp[6] = 0x01                       // transport layer version
	return resp, nil
}

func (d *Dispatcher) handleDisconnect(args []byte) ([]byte, error) {
	d.Session.Disconnect()
	return nil, nil
}

func (d *Dispatcher) handleGetStatus(args []byte) ([]byte, error) {
	status := d.Session.Status()
	return []byte{byte(status), 0x00, 0x00, 0x00}, nil
}

func (d *Dispatcher) handleSynch(args []byte) ([]byte, error) {
	return nil, xcperr.New(xcperr.CmdSynch, xcperr.ErrInvalidArgument)
}

func (d *Dispatcher) handleGetCommModeInfo(args []byte) ([]byte, error) {
	return []byte{0x00, 0x00 /* COMM_MODE_OPTIONAL: none */, 0x00, 0x00, byte(protocolVersionMinor)}, nil
}

func (d *Dispatcher) handleGetID(args []byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	epk := d.CalSegs.EPK()
	out := make([]byte, 5+len(epk))
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(epk)))
	copy(out[5:], epk)
	return out, nil
}

func (d *Dispatcher) handleSetRequest(args []byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	const storeCalReq = 0x01
	if args[0]&storeCalReq != 0 && d.Store != nil {
		if err := d.Store.Save(d.CalSegs); err != nil {
			return nil, xcperr.New(xcperr.Generic, err)
		}
	}
	return nil, nil
}

// --- memory commands -----------------------------------------------------

func (d *Dispatcher) handleSetMTA(args []byte) ([]byte, error) {
	if len(args) < 7 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	d.setMTA(MTA{Ext: Ext(args[2]), Addr: binary.LittleEndian.Uint32(args[3:7])})
	return nil, nil
}

// handleUpload implements UPLOAD. A DYN/REL-addressed MTA can only be
// resolved inside an event's call stack, so the read is stashed in the
// pending-command mailbox (spec §4.5) and runs there instead; the
// response that would otherwise return here is delivered asynchronously
// through Dispatcher.Respond once that happens.
func (d *Dispatcher) handleUpload(args []byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	size := args[0]
	mta := d.currentMTA()

	run := func() {
		out := make([]byte, size)
		if err := mta.Read(d.Mem, out); err != nil {
			d.Respond(errorResponse(xcperr.As(err)))
			return
		}
		d.advanceMTA(int(size))
		d.Respond(positiveResponse(out))
	}
	if deferred, err := d.deferIfEventAddressed(mta, run); deferred {
		if err != nil {
			return nil, err
		}
		return nil, ErrDeferred
	}

	out := make([]byte, size)
	if err := mta.Read(d.Mem, out); err != nil {
		return nil, err
	}
	d.advanceMTA(len(out))
	return out, nil
}

// handleShortUpload implements SHORT_UPLOAD. Per spec §3 ("every
// memory-touching command consults MTA and advances it"), a SHORT_UPLOAD
// both sets and advances the dispatcher's shared MTA cursor exactly as
// SET_MTA followed by UPLOAD would — the original implementation does
// this as XcpSetMta() followed by XcpReadMta(), which always operates on
// the persistent gXcp.MtaAddr/MtaExt, not a private copy.
func (d *Dispatcher) handleShortUpload(args []byte) ([]byte, error) {
	if len(args) < 8 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	size := args[0]
	mta := MTA{Ext: Ext(args[2]), Addr: binary.LittleEndian.Uint32(args[4:8])}
	d.setMTA(mta)

	run := func() {
		out := make([]byte, size)
		if err := mta.Read(d.Mem, out); err != nil {
			d.Respond(errorResponse(xcperr.As(err)))
			return
		}
		d.setMTA(mta)
		d.Respond(positiveResponse(out))
	}
	if deferred, err := d.deferIfEventAddressed(mta, run); deferred {
		if err != nil {
			return nil, err
		}
		return nil, ErrDeferred
	}

	out := make([]byte, size)
	if err := mta.Read(d.Mem, out); err != nil {
		return nil, err
	}
	d.setMTA(mta)
	return out, nil
}

// handleDownload implements DOWNLOAD; see handleUpload for the
// DYN/REL deferral this shares.
func (d *Dispatcher) handleDownload(args []byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	n := int(args[0])
	if len(args) < 1+n {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	mta := d.currentMTA()
	data := append([]byte(nil), args[1:1+n]...) // args' backing array won't outlive this call

	run := func() {
		if err := mta.Write(d.Mem, data); err != nil {
			d.Respond(errorResponse(xcperr.As(err)))
			return
		}
		d.advanceMTA(len(data))
		d.Respond(positiveResponse(nil))
	}
	if deferred, err := d.deferIfEventAddressed(mta, run); deferred {
		if err != nil {
			return nil, err
		}
		return nil, ErrDeferred
	}

	if err := mta.Write(d.Mem, data); err != nil {
		return nil, err
	}
	d.advanceMTA(len(data))
	return nil, nil
}

// handleShortDownload implements SHORT_DOWNLOAD; see handleShortUpload
// for the set-then-advance shared-MTA discipline this mirrors.
func (d *Dispatcher) handleShortDownload(args []byte) ([]byte, error) {
	if len(args) < 8 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	size := int(args[0])
	mta := MTA{Ext: Ext(args[2]), Addr: binary.LittleEndian.Uint32(args[4:8])}
	if len(args) < 8+size {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	d.setMTA(mta)

	data := append([]byte(nil), args[8:8+size]...)

	run := func() {
		if err := mta.Write(d.Mem, data); err != nil {
			d.Respond(errorResponse(xcperr.As(err)))
			return
		}
		d.setMTA(mta)
		d.Respond(positiveResponse(nil))
	}
	if deferred, err := d.deferIfEventAddressed(mta, run); deferred {
		if err != nil {
			return nil, err
		}
		return nil, ErrDeferred
	}

	if err := mta.Write(d.Mem, data); err != nil {
		return nil, err
	}
	d.setMTA(mta)
	return nil, nil
}

func (d *Dispatcher) handleBuildChecksum(args []byte) ([]byte, error) {
	if len(args) < 4 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	size := binary.LittleEndian.Uint32(args[0:4])
	buf := make([]byte, size)
	mta := d.currentMTA()
	if err := mta.Read(d.Mem, buf); err != nil {
		return nil, err
	}
	d.setMTA(mta) // BUILD_CHECKSUM advances the shared MTA by size, same as a byte-by-byte UPLOAD would
	sum := crc.Checksum16(buf)
	out := make([]byte, 7)
	out[0] = 0x03 // XCP_CHECKSUM_TYPE_CRC16CCITT
	binary.LittleEndian.PutUint32(out[3:7], uint32(sum))
	return out, nil
}

// --- paging commands -------------------------------------------------

func (d *Dispatcher) handleGetCalPage(args []byte) ([]byte, error) {
	if len(args) < 2 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	seg, err := d.CalSegs.Get(args[1])
	if err != nil {
		return nil, err
	}
	mode := seg.EcuAccess()
	if args[0] == 0x02 { // mode 0x02 = query XCP access, as in SET_CAL_PAGE
		mode = seg.XcpAccess()
	}
	return []byte{0, 0, byte(mode)}, nil
}

func (d *Dispatcher) handleSetCalPage(args []byte) ([]byte, error) {
	if len(args) < 3 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	mode := args[0]
	seg, err := d.CalSegs.Get(args[1])
	if err != nil {
		return nil, err
	}
	page := calseg.AccessMode(args[2])
	const modeEcu, modeXcp = 0x01, 0x02
	if mode&modeEcu != 0 {
		seg.SetEcuAccess(page)
	}
	if mode&modeXcp != 0 {
		seg.SetXcpAccess(page)
	}
	return nil, nil
}

func (d *Dispatcher) handleCopyCalPage(args []byte) ([]byte, error) {
	if len(args) < 4 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	srcSeg, srcPage, dstSeg, dstPage := args[0], args[1], args[2], args[3]
	if srcSeg != dstSeg || calseg.AccessMode(srcPage) != calseg.AccessDefault || calseg.AccessMode(dstPage) != calseg.AccessWorking {
		// spec §9(b): COPY_CAL_PAGE restricted to default -> working.
		return nil, xcperr.New(xcperr.WriteProtected, xcperr.ErrWriteProtected)
	}
	seg, err := d.CalSegs.Get(srcSeg)
	if err != nil {
		return nil, err
	}
	if err := seg.CopyDefaultToWorking(); err != nil {
		return nil, err
	}
	return nil, seg.Publish()
}

func (d *Dispatcher) handleGetPagProcessorInfo(args []byte) ([]byte, error) {
	return []byte{byte(d.CalSegs.Count()), 0x01 /* PAGE_FREEZE supported */}, nil
}

func (d *Dispatcher) handleGetSegmentInfo(args []byte) ([]byte, error) {
	if len(args) < 2 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	seg, err := d.CalSegs.Get(args[1])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 5)
	binary.LittleEndian.PutUint16(out[0:2], uint16(seg.Size))
	out[4] = 2 // number of pages (default + working, not counting free)
	return out, nil
}

// handleGetPageInfo implements GET_PAGE_INFO: per-page properties of a
// calibration segment's page. Both pages this module exposes (default,
// working) are readable; only the working page accepts ECU/XCP writes,
// matching Segment.WriteAt's own AccessWorking check.
func (d *Dispatcher) handleGetPageInfo(args []byte) ([]byte, error) {
	if len(args) < 2 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	segIndex, page := args[0], calseg.AccessMode(args[1])
	if _, err := d.CalSegs.Get(segIndex); err != nil {
		return nil, err
	}
	const (
		ecuRead = 0x01
		ecuWrite = 0x04
		xcpRead = 0x01
		xcpWrite = 0x04
	)
	properties := byte(ecuRead | xcpRead)
	if page == calseg.AccessWorking {
		properties |= ecuWrite | xcpWrite
	}
	return []byte{0, properties, 0}, nil
}

func (d *Dispatcher) handleSetSegmentMode(args []byte) ([]byte, error) {
	if len(args) < 2 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	seg, err := d.CalSegs.Get(args[1])
	if err != nil {
		return nil, err
	}
	const freezeBit = 0x01
	seg.SetFreeze(args[0]&freezeBit != 0)
	return nil, nil
}

func (d *Dispatcher) handleGetSegmentMode(args []byte) ([]byte, error) {
	if len(args) < 2 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	seg, err := d.CalSegs.Get(args[1])
	if err != nil {
		return nil, err
	}
	mode := uint8(0)
	if seg.Freeze() {
		mode = 0x01
	}
	return []byte{0, mode}, nil
}

// --- DAQ allocation / configuration commands ------------------------

func (d *Dispatcher) handleFreeDaq(args []byte) ([]byte, error)      { return nil, d.Daq.Free() }
func (d *Dispatcher) handleAllocDaq(args []byte) ([]byte, error) {
	if len(args) < 3 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	return nil, d.Daq.AllocDaq(int(binary.LittleEndian.Uint16(args[1:3])))
}
func (d *Dispatcher) handleAllocOdt(args []byte) ([]byte, error) {
	if len(args) < 5 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	daqNum := binary.LittleEndian.Uint16(args[1:3])
	count := args[3]
	return nil, d.Daq.AllocOdt(int(daqNum), int(count))
}
func (d *Dispatcher) handleAllocOdtEntry(args []byte) ([]byte, error) {
	if len(args) < 5 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	daqNum := binary.LittleEndian.Uint16(args[1:3])
	odt := args[3]
	count := args[4]
	return nil, d.Daq.AllocOdtEntry(int(daqNum), int(odt), int(count))
}

func (d *Dispatcher) handleSetDaqPtr(args []byte) ([]byte, error) {
	if len(args) < 5 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	daqNum := binary.LittleEndian.Uint16(args[1:3])
	return nil, d.Daq.SetPtr(int(daqNum), int(args[3]), int(args[4]))
}

func (d *Dispatcher) handleWriteDaq(args []byte) ([]byte, error) {
	if len(args) < 7 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	size := args[1]
	ext := args[2]
	addr := binary.LittleEndian.Uint32(args[3:7])
	return nil, d.Daq.WriteDaq(int32(addr), size, daq.AddrExt(ext), d.MaxDTO-d.Daq.HeaderSize())
}

func (d *Dispatcher) handleWriteDaqMultiple(args []byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	n := int(args[0])
	const entryLen = 8
	if len(args) < 1+n*entryLen {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	for i := 0; i < n; i++ {
		e := args[1+i*entryLen:]
		size := e[0]
		ext := e[1]
		addr := binary.LittleEndian.Uint32(e[4:8])
		if err := d.Daq.WriteDaq(int32(addr), size, daq.AddrExt(ext), d.MaxDTO-d.Daq.HeaderSize()); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (d *Dispatcher) handleSetDaqListMode(args []byte) ([]byte, error) {
	if len(args) < 7 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	mode := args[0]
	daqNum := binary.LittleEndian.Uint16(args[1:3])
	eventID := binary.LittleEndian.Uint16(args[3:5])
	priority := args[6]
	return nil, d.Daq.SetListMode(int(daqNum), eventID, mode, priority)
}

func (d *Dispatcher) handleGetDaqListMode(args []byte) ([]byte, error) {
	if len(args) < 3 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	daqNum := binary.LittleEndian.Uint16(args[1:3])
	eventID, mode, priority, _, err := d.Daq.ListModeOf(int(daqNum))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 7)
	out[0] = mode
	binary.LittleEndian.PutUint16(out[3:5], eventID)
	out[6] = priority
	return out, nil
}

func (d *Dispatcher) handleStartStopDaqList(args []byte) ([]byte, error) {
	if len(args) < 3 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	mode := args[0]
	daqNum := binary.LittleEndian.Uint16(args[1:3])
	if err := d.Daq.StartStop(int(daqNum), mode); err != nil {
		return nil, err
	}
	return []byte{0}, nil
}

func (d *Dispatcher) handleStartStopSynch(args []byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	const start, stopAll = 0x01, 0x00
	for i := 0; ; i++ {
		_, _, _, state, err := d.Daq.ListModeOf(i)
		if err != nil {
			break
		}
		switch {
		case args[0] == start && state == daq.StoppedSelected:
			err = d.Daq.StartStop(i, 1)
		case args[0] == stopAll && state == daq.Running:
			err = d.Daq.StartStop(i, 2)
		}
		if err != nil {
			return nil, err
		}
	}
	switch args[0] {
	case start:
		d.Session.SetDAQRunning(true)
	case stopAll:
		d.Session.SetDAQRunning(false)
	}
	return nil, nil
}

func (d *Dispatcher) handleGetDaqProcessorInfo(args []byte) ([]byte, error) {
	out := make([]byte, 8)
	out[0] = 0x01 // DAQ_CONFIG_TYPE: dynamic
	out[3] = byte(d.Daq.HeaderSize())
	return out, nil
}

func (d *Dispatcher) handleGetDaqResolutionInfo(args []byte) ([]byte, error) {
	capa := clock.DefaultCapability(d.Clock.Unit())
	out := make([]byte, 7)
	out[0] = 1 // granularity ODT entry size DAQ, 1 byte units
	out[1] = 0xFF
	out[2] = 1
	out[3] = 0xFF
	out[4] = byte(capa.Unit)
	out[5] = capa.TickSize
	return out, nil
}

// handleGetDaqEventInfo implements GET_DAQ_EVENT_INFO: the name, cycle
// time and priority of one configured event, addressed by dense index
// (spec §3's event descriptor, §4.5's command group list).
func (d *Dispatcher) handleGetDaqEventInfo(args []byte) ([]byte, error) {
	if len(args) < 3 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	if d.Events == nil {
		return nil, xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	index := binary.LittleEndian.Uint16(args[1:3])
	ev, ok := d.Events.ByIndex(index)
	if !ok {
		return nil, xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	out := make([]byte, 8+len(ev.Name))
	out[0] = 0x0C // DAQ_EVENT_PROPERTIES: DAQ capable, consistency=event
	out[1] = ev.MaxDAQ
	out[2] = byte(len(ev.Name))
	out[3] = ev.Priority
	binary.LittleEndian.PutUint32(out[4:8], ev.CycleNS)
	copy(out[8:], ev.Name)
	return out, nil
}

func (d *Dispatcher) handleGetDaqClock(args []byte) ([]byte, error) {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[3:7], uint32(d.Clock.Now()))
	return out, nil
}

func (d *Dispatcher) handleTimeCorrelationProperties(args []byte) ([]byte, error) {
	capa := clock.DefaultCapability(d.Clock.Unit())
	out := make([]byte, 7)
	out[0] = byte(capa.Unit)
	return out, nil
}

func (d *Dispatcher) handleLevel1(args []byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	switch Command(args[0]) {
	case SubGetVersion:
		return []byte{0, protocolVersionMajor, protocolVersionMinor}, nil
	default:
		return nil, xcperr.New(xcperr.SubcmdUnknown, xcperr.ErrSubcmdUnknown)
	}
}

// handleUserCmd implements CC_USER_CMD. This build reserves
// SubBeginAtomicCal/SubEndAtomicCal out of the application-defined range
// to bracket a multi-segment calibration update: writes landing between
// the two publish together when the bracket closes, instead of each
// SHORT_DOWNLOAD/DOWNLOAD publishing on its own (spec §4.3).
func (d *Dispatcher) handleUserCmd(args []byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, xcperr.New(xcperr.CmdSyntax, xcperr.ErrInvalidArgument)
	}
	switch Command(args[0]) {
	case SubBeginAtomicCal:
		return nil, d.CalSegs.BeginAtomic()
	case SubEndAtomicCal:
		return nil, d.CalSegs.EndAtomic()
	default:
		return nil, xcperr.New(xcperr.SubcmdUnknown, xcperr.ErrSubcmdUnknown)
	}
}
