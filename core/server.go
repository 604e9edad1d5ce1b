// Package core wires the six XCP components (clock, queue, calseg, daq,
// protocol, transport) into one Server value and owns their lifecycle,
// the way pkg/node.LocalNode owns every CANopen subsystem and exposes
// ProcessMain/ProcessPDO. Shutdown is context cancellation: RunTCP and
// RunUDP return once ctx is cancelled, without draining the transmit
// queue first.
package core

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vectorgrp/xcpslave/calseg"
	"github.com/vectorgrp/xcpslave/clock"
	"github.com/vectorgrp/xcpslave/daq"
	"github.com/vectorgrp/xcpslave/protocol"
	"github.com/vectorgrp/xcpslave/queue"
	"github.com/vectorgrp/xcpslave/transport"
)

// DisconnectDrainTimeout bounds how long disconnectAndDrain (the session
// teardown after a packet from a non-master UDP peer) waits for the
// transmitter to empty the queue before discarding whatever remains. The
// DISCONNECT command itself only clears the session state and does not
// drain the queue.
const DisconnectDrainTimeout = 200 * time.Millisecond

// segmentWriter is the subset of transport.TCPAdapter / transport.UDPAdapter
// the transmitter loop needs.
type segmentWriter interface {
	WriteSegment([]byte) error
}

// Server wires one XCP slave instance: a transmit queue, calibration
// segment registry, DAQ table/engine, protocol dispatcher and a transport
// adapter. Application threads call Event to trigger sampling; Run drains
// the queue to the wire and feeds inbound commands to the dispatcher.
type Server struct {
	Queue      *queue.Queue
	CalSegs    *calseg.Registry
	Daq        *daq.Table
	DaqEngine  *daq.Engine
	Events     *daq.EventTable
	Clock      clock.Source
	Dispatcher *protocol.Dispatcher
	Mem        *Memory

	log *slog.Logger
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default slog.Default() logger, the way
// pkg/nmt/pkg/sdo subsystems accept an optional *slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New wires a Server from its constituent components. maxDTO is the
// build-time DTO payload budget reported in CONNECT / GET_DAQ_PROCESSOR_INFO.
func New(q *queue.Queue, segs *calseg.Registry, table *daq.Table, events *daq.EventTable, clk clock.Source, mem *Memory, store *calseg.Store, maxDTO int, opts ...Option) *Server {
	engine := daq.NewEngine(table, q, nil)
	session := protocol.NewSession()
	disp := protocol.NewDispatcher(session, mem, segs, table, engine, events, clk, maxDTO)
	disp.Store = store

	s := &Server{
		Queue:      q,
		CalSegs:    segs,
		Daq:        table,
		DaqEngine:  engine,
		Events:     events,
		Clock:      clk,
		Dispatcher: disp,
		Mem:        mem,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	disp.Respond = s.enqueueResponse
	return s
}

// WithSampler rewires the DAQ engine's sampler after construction; kept
// separate from New because the sampler usually closes over the Server's
// own Mem (e.g. delegating DYN/REL reads to it alongside ABS).
func (s *Server) WithSampler(sample daq.Sampler) {
	s.DaqEngine = daq.NewEngine(s.Daq, s.Queue, sample)
	s.Dispatcher.DaqEngine = s.DaqEngine
}

// Event is the entry point application measurement threads call at an
// instrumented sample point (spec §4.4). It first gives the protocol's
// single-slot pending-command mailbox a chance to run against this
// event's real stack frame (spec §4.5: a DOWNLOAD/UPLOAD addressed
// DYN/REL cannot execute on the command-receiver thread), then samples
// every DAQ list bound to id.
func (s *Server) Event(id uint16, dynBase, relBase uintptr) {
	ts := uint32(s.Clock.Now())

	s.Mem.bindEventBases(dynBase, relBase)
	s.Dispatcher.Pending.Take(id)
	s.Mem.unbindEventBases()

	s.DaqEngine.Event(id, dynBase, relBase, ts)
}

// HandleCTO runs one command CTO through the dispatcher and enqueues the
// response with queue priority, per spec §4.5: "Responses use the same
// queue as DAQ data, with priority so that they drain promptly." A nil
// response means the command deferred its work to the pending-command
// mailbox (spec §4.5's DYN/REL handling): that response, if any, arrives
// later through the same enqueueResponse path via Dispatcher.Respond.
func (s *Server) HandleCTO(cto []byte) {
	resp := s.Dispatcher.Handle(cto)
	if resp == nil {
		return
	}
	s.enqueueResponse(resp)
}

func (s *Server) enqueueResponse(resp []byte) {
	data, h, err := s.Queue.ReservePriority(uint16(len(resp)))
	if err != nil {
		s.log.Warn("response dropped, queue full", "len", len(resp))
		return
	}
	copy(data, resp)
	s.Queue.Commit(h)
}

// RunTCP serves one accepted TCP connection until ctx is cancelled or the
// connection errors: a receiver goroutine decodes CTOs into HandleCTO,
// a transmitter goroutine drains the queue into the socket. Both are
// supervised by an errgroup so either failing tears down the other,
// mirroring pkg/can/virtual.Bus's WaitGroup-based shutdown generalized to
// typed group supervision (spec §5's "drain and join the two service
// threads").
func (s *Server) RunTCP(ctx context.Context, conn net.Conn) error {
	adapter := transport.NewTCPAdapter(conn)
	defer adapter.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveLoop(gctx, adapter.ReadCTO) })
	g.Go(func() error { return s.transmitLoop(gctx, adapter) })

	go func() {
		<-gctx.Done()
		adapter.Close() // unblock a pending ReadCTO
	}()

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunUDP serves one bound UDP socket until ctx is cancelled: the receiver
// reads datagrams, pins the first CONNECT's sender as master (spec §4.6
// / §8-S6) and disconnects on any other sender, the transmitter drains
// the queue to the pinned master.
func (s *Server) RunUDP(ctx context.Context, conn net.PacketConn) error {
	adapter := transport.NewUDPAdapter(conn)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveUDPLoop(gctx, adapter) })
	g.Go(func() error { return s.transmitLoop(gctx, adapter) })

	go func() {
		<-gctx.Done()
		conn.Close()
	}()

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunMulticast serves an optional GET_DAQ_CLOCK_MULTICAST listener
// alongside RunTCP/RunUDP: requests arrive on the joined multicast group,
// but per spec §4.6 the response always goes out over the normal unicast
// channel, so this loop only decodes and runs the command through
// HandleCTO and lets the existing transmitter drain the response. Every
// decoded message goes to HandleCTO unfiltered; the dispatcher registers
// no TRANSPORT_LAYER_CMD handler, so a GET_DAQ_CLOCK_MULTICAST request is
// answered with ERR_CMD_UNKNOWN.
func (s *Server) RunMulticast(ctx context.Context, l *transport.MulticastListener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, _, err := l.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		msgs, err := transport.SplitMessages(buf[:n])
		if err != nil {
			s.log.Warn("dropping malformed multicast datagram", "err", err)
			continue
		}
		for _, m := range msgs {
			s.HandleCTO(m.Payload)
		}
	}
}

func (s *Server) receiveLoop(ctx context.Context, read func() ([]byte, error)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cto, err := read()
		if err != nil {
			// A cancelled ctx closes the adapter out from under a blocked
			// read; report the cancellation rather than the resulting
			// "use of closed connection" error so shutdown looks uniform
			// regardless of which goroutine noticed first.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.HandleCTO(cto)
	}
}

func (s *Server) receiveUDPLoop(ctx context.Context, adapter *transport.UDPAdapter) error {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		from, msgs, err := adapter.ReadDatagram(buf)
		if errors.Is(err, transport.ErrPeerRejected) {
			s.log.Info("disconnecting session: packet from non-master peer", "peer", from)
			s.disconnectAndDrain()
			adapter.Unpin()
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, m := range msgs {
			if len(m.Payload) > 0 && protocol.Command(m.Payload[0]) == protocol.CmdConnect && adapter.Pinned() == nil {
				adapter.Pin(from)
			}
			s.HandleCTO(m.Payload)
		}
	}
}

// disconnectAndDrain implements spec §5's "DISCONNECT is ordered after a
// bounded transmit-queue drain (up to a timeout); remaining packets are
// discarded."
func (s *Server) disconnectAndDrain() {
	s.Dispatcher.Session.Disconnect()
	deadline := time.Now().Add(DisconnectDrainTimeout)
	for s.Queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond) // the transmitter drains the queue meanwhile
	}
	buf := make([]byte, 64*1024)
	for s.Queue.Len() > 0 {
		if n, _ := s.Queue.TryPeek(buf); n == 0 {
			break
		}
	}
}

func (s *Server) transmitLoop(ctx context.Context, w segmentWriter) error {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := s.Queue.Peek(ctx, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := w.WriteSegment(buf[:n]); err != nil {
			return err
		}
	}
}
