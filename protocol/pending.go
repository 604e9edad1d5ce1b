package protocol

import (
	"sync"

	"github.com/vectorgrp/xcpslave/internal/xcperr"
)

// PendingCommand implements spec §4.1/§9's single-slot asynchronous
// command mailbox: a command whose MTA is event-addressed (DYN or REL)
// cannot be executed on the protocol thread because it must run in the
// target event's own call stack. The dispatcher stashes it here; the next
// call to Event for the matching event id (DYN), or for any event (REL),
// executes it and the response is
// delivered whenever that happens. Exactly one pending command may exist
// at a time, the same "single buffered slot, drop on full" discipline as
// pkg/sdo/server.go's Handle (`select { case s.rx <- rx: default: drop }`)
// generalized from "drop the frame" to "reject with CRC_CMD_BUSY" since a
// lost calibration command is a correctness bug an XCP master must be
// able to detect and retry.
type PendingCommand struct {
	mu      sync.Mutex
	set     bool
	any     bool // REL has no event id of its own; run on whichever event fires next
	eventID uint16
	run     func()
}

// NewPendingCommand returns an empty mailbox.
func NewPendingCommand() *PendingCommand { return &PendingCommand{} }

// TrySet stashes run to be executed the next time Take is called for
// eventID. It fails with CRC_CMD_BUSY if a command is already pending.
func (p *PendingCommand) TrySet(eventID uint16, run func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return xcperr.New(xcperr.CmdBusy, xcperr.ErrCmdBusy)
	}
	p.set = true
	p.any = false
	p.eventID = eventID
	p.run = run
	return nil
}

// TrySetAny stashes run to be executed on whichever event fires next,
// regardless of id. Used for REL-addressed deferrals: unlike DYN, a
// REL address carries no event id of its own, only a "caller-supplied
// relative base (stack frame)" offset (spec §3/§6). It fails with
// CRC_CMD_BUSY if a command is already pending.
func (p *PendingCommand) TrySetAny(run func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return xcperr.New(xcperr.CmdBusy, xcperr.ErrCmdBusy)
	}
	p.set = true
	p.any = true
	p.run = run
	return nil
}

// Take executes and clears the pending command if one is set for
// eventID (or set for any event), returning whether anything ran.
func (p *PendingCommand) Take(eventID uint16) bool {
	p.mu.Lock()
	if !p.set || (!p.any && p.eventID != eventID) {
		p.mu.Unlock()
		return false
	}
	run := p.run
	p.set = false
	p.any = false
	p.run = nil
	p.mu.Unlock()

	run()
	return true
}

// Pending reports whether a command is currently stashed.
func (p *PendingCommand) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set
}
