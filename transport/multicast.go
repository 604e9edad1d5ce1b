package transport

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// MulticastListener serves GET_DAQ_CLOCK_MULTICAST, spec §4.6's optional
// second listener: it joins a group address derived from a cluster id and
// hands back whatever arrives on it, without filtering by command;
// responses always go out over the normal unicast path, never from this
// socket.
//
// The join itself uses net.ListenMulticastUDP, restating
// original_source/xlapi/xl_udp.c's explicit IP_ADD_MEMBERSHIP join in
// idiomatic Go; the receive buffer size is then raised with a raw
// golang.org/x/sys/unix socket option, the same way bus_manager.go reaches
// past net/x for a socket option net alone doesn't expose.
type MulticastListener struct {
	conn  *net.UDPConn
	group net.IP
}

// ClusterGroup derives the multicast group address for a cluster id: an
// administratively-scoped 239.0.x.x group with the cluster id packed into
// the low 16 bits, so distinct clusters never collide on the wire.
func ClusterGroup(clusterID uint16) net.IP {
	ip := make(net.IP, 4)
	ip[0] = 239
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], clusterID)
	return ip
}

// rcvBufSize is the socket receive buffer requested via SO_RCVBUF; large
// enough to absorb a burst of GET_DAQ_CLOCK_MULTICAST requests from
// several masters probing the cluster at once.
const rcvBufSize = 1 << 20

// NewMulticastListener joins group on port, optionally restricted to the
// named interface (empty joins on all interfaces).
func NewMulticastListener(group net.IP, port int, ifaceName string) (*MulticastListener, error) {
	var iface *net.Interface
	if ifaceName != "" {
		found, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("transport: lookup interface %q: %w", ifaceName, err)
		}
		iface = found
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, &net.UDPAddr{IP: group, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: join multicast group %s: %w", group, err)
	}

	if err := raiseReceiveBuffer(conn, rcvBufSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set SO_RCVBUF: %w", err)
	}

	return &MulticastListener{conn: conn, group: group}, nil
}

func raiseReceiveBuffer(conn *net.UDPConn, size int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// ReadFrom reads one multicast datagram, per spec §6's GET_DAQ_CLOCK_MULTICAST
// request framing (the same {dlc, ctr, payload} header as unicast messages).
func (l *MulticastListener) ReadFrom(buf []byte) (n int, from net.Addr, err error) {
	return l.conn.ReadFrom(buf)
}

// LocalAddr reports the bound local address.
func (l *MulticastListener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Close leaves the multicast group and closes the socket.
func (l *MulticastListener) Close() error { return l.conn.Close() }
