package coap

import (
	"net"
	"strconv"
	"time"
)

// assumed usable payload of an UDP datagram over IPv4 ethernet when the
// backend cannot tell us better
const defaultUDPInnerMTU = 1152

// UDPSocket implements DatagramSocket over a connected UDP socket
type UDPSocket struct {
	conn *net.UDPConn
	mtu  int
}

// DialUDP connects to a remote CoAP endpoint, e.g. "198.51.100.1:5683"
func DialUDP(remote string) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{conn: conn, mtu: defaultUDPInnerMTU}, nil
}

// SetInnerMTU overrides the assumed datagram payload budget
func (s *UDPSocket) SetInnerMTU(mtu int) {
	s.mtu = mtu
}

func (s *UDPSocket) Send(data []byte) error {
	_, err := s.conn.Write(data)
	return err
}

func (s *UDPSocket) Recv(buf []byte, timeout time.Duration) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, ErrTimeout
		}
		return 0, err
	}
	// a datagram that exactly fills the buffer cannot be told apart from one
	// truncated by the kernel, so it is reported as too long as well
	if n == len(buf) {
		return n, ErrMsgTooLong
	}
	return n, nil
}

func (s *UDPSocket) InnerMTU() int {
	return s.mtu
}

func (s *UDPSocket) RemoteEndpoint() Endpoint {
	addr := s.conn.RemoteAddr().(*net.UDPAddr)
	return Endpoint{Addr: addr.IP.String(), Port: strconv.Itoa(addr.Port)}
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}
