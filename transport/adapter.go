// Package transport implements the XCP transport-layer framing of spec
// §4.6: every response/event message is {u16 dlc, u16 ctr, bytes[dlc]},
// carried over either a connected TCP stream or a UDP socket serving a
// single pinned master at a time. Framing is grounded directly in
// pkg/can/virtual/virtual.go's serializeFrame/deserializeFrame pair
// (length-prefixed binary framing over a net.Conn), generalized from
// CAN's fixed 8-byte payload to XCP's variable dlc-prefixed payload.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// HeaderSize is the {u16 dlc, u16 ctr} transport header size.
const HeaderSize = 4

// MaxDLC is the largest payload a single message may carry (spec §6).
const MaxDLC = 248

// ErrPeerRejected is returned by UDPAdapter.ReadDatagram when a datagram arrives from a
// peer other than the pinned master (spec §4.6: "the first CONNECT pins
// the remote address/port; subsequent packets from any other peer
// disconnect the session").
var ErrPeerRejected = errors.New("transport: message from non-master peer")

// Message is one decoded inbound or outbound transport-layer frame.
type Message struct {
	Ctr     uint16
	Payload []byte
}

func encode(ctr uint16, payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > MaxDLC {
		return nil, fmt.Errorf("transport: invalid payload length %d", len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(buf[2:4], ctr)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// TCPAdapter frames messages over one accepted net.Conn. A TCP connection
// already admits exactly one peer, so no separate master-pinning state is
// needed: accepting a second connection is the listener's job, not the
// adapter's.
type TCPAdapter struct {
	conn net.Conn
	ctr  atomic.Uint32
}

// NewTCPAdapter wraps an already-accepted connection.
func NewTCPAdapter(conn net.Conn) *TCPAdapter { return &TCPAdapter{conn: conn} }

// ReadCTO blocks for the next complete command message: dlc, then
// exactly dlc bytes (spec §4.6: "over TCP the adapter reads dlc first,
// then exactly dlc bytes").
func (a *TCPAdapter) ReadCTO() ([]byte, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(a.conn, hdr); err != nil {
		return nil, err
	}
	dlc := binary.LittleEndian.Uint16(hdr[0:2])
	if dlc == 0 || dlc > MaxDLC {
		return nil, fmt.Errorf("transport: invalid dlc %d", dlc)
	}
	payload := make([]byte, dlc)
	if _, err := io.ReadFull(a.conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteMessage sends one framed message, stamping it with the adapter's
// own outbound counter.
func (a *TCPAdapter) WriteMessage(payload []byte) error {
	ctr := uint16(a.ctr.Add(1) - 1)
	buf, err := encode(ctr, payload)
	if err != nil {
		return err
	}
	_, err = a.conn.Write(buf)
	return err
}

// WriteSegment writes a pre-framed queue segment (spec §4.2's "queue
// segment": one or more concatenated {dlc, ctr, payload} messages, each
// already stamped with its outbound counter by the transmit queue at
// dequeue time) directly to the wire, without reframing it.
func (a *TCPAdapter) WriteSegment(segment []byte) error {
	_, err := a.conn.Write(segment)
	return err
}

func (a *TCPAdapter) Close() error { return a.conn.Close() }

// UDPAdapter serves a single pinned master over one bound net.PacketConn.
// One datagram may carry several concatenated messages (spec §4.6).
type UDPAdapter struct {
	conn net.PacketConn
	ctr  atomic.Uint32

	mu     sync.Mutex
	remote net.Addr
}

// NewUDPAdapter wraps an unconnected, already-bound socket.
func NewUDPAdapter(conn net.PacketConn) *UDPAdapter { return &UDPAdapter{conn: conn} }

// Pinned reports the currently pinned master address, if any.
func (a *UDPAdapter) Pinned() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remote
}

// Pin fixes the master address, performed on the first accepted CONNECT.
func (a *UDPAdapter) Pin(addr net.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote = addr
}

// Unpin clears the pinned master, performed when a packet from a
// non-master peer disconnects the session (core.Server's UDP receive loop).
func (a *UDPAdapter) Unpin() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote = nil
}

// ReadDatagram reads one datagram and splits it into its contained
// messages, in order. If a master is already pinned and the datagram
// came from a different address, it returns ErrPeerRejected along with
// the sender so the caller can decide whether to disconnect the session.
func (a *UDPAdapter) ReadDatagram(buf []byte) (from net.Addr, msgs []Message, err error) {
	n, from, err := a.conn.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}
	pinned := a.Pinned()
	if pinned != nil && from.String() != pinned.String() {
		return from, nil, ErrPeerRejected
	}

	msgs, err = SplitMessages(buf[:n])
	return from, msgs, err
}

// SplitMessages splits one datagram's worth of bytes into its contained
// {dlc, ctr, payload} messages, in order. Shared by UDPAdapter.ReadDatagram
// and MulticastListener, since both carry the same framing on a socket
// that can coalesce several messages into one read (spec §4.6).
func SplitMessages(data []byte) (msgs []Message, err error) {
	for len(data) > 0 {
		if len(data) < HeaderSize {
			return msgs, fmt.Errorf("transport: truncated header in datagram")
		}
		dlc := binary.LittleEndian.Uint16(data[0:2])
		ctr := binary.LittleEndian.Uint16(data[2:4])
		if dlc == 0 || int(dlc) > len(data)-HeaderSize {
			return msgs, fmt.Errorf("transport: truncated payload in datagram")
		}
		payload := make([]byte, dlc)
		copy(payload, data[HeaderSize:HeaderSize+int(dlc)])
		msgs = append(msgs, Message{Ctr: ctr, Payload: payload})
		data = data[HeaderSize+int(dlc):]
	}
	return msgs, nil
}

// WriteMessage sends one framed message to the pinned master. It is an
// error to call this before a master has been pinned.
func (a *UDPAdapter) WriteMessage(payload []byte) error {
	to := a.Pinned()
	if to == nil {
		return errors.New("transport: no pinned master to send to")
	}
	ctr := uint16(a.ctr.Add(1) - 1)
	buf, err := encode(ctr, payload)
	if err != nil {
		return err
	}
	_, err = a.conn.WriteTo(buf, to)
	return err
}

// WriteSegment sends a pre-framed queue segment to the pinned master in a
// single datagram, the UDP counterpart to TCPAdapter.WriteSegment. A
// segment is bounded by MAX_SEGMENT_SIZE (spec §3), so it always fits in
// one datagram.
func (a *UDPAdapter) WriteSegment(segment []byte) error {
	to := a.Pinned()
	if to == nil {
		return errors.New("transport: no pinned master to send to")
	}
	_, err := a.conn.WriteTo(segment, to)
	return err
}

func (a *UDPAdapter) Close() error { return a.conn.Close() }
