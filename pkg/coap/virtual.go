package coap

import (
	"sync"
	"time"
)

// VirtualSocket is an in-memory DatagramSocket used by tests and examples:
// two paired ends exchange datagrams through buffered channels, with the
// same timeout semantics as a real socket. ErrMsgTooLong is reported only for
// a datagram longer than buf; UDPSocket also reports one that exactly fills it.
type VirtualSocket struct {
	rx       chan []byte
	tx       chan []byte
	mtu      int
	endpoint Endpoint

	closeOnce sync.Once
	closed    chan struct{}
}

// NewVirtualSocketPair creates two connected in-memory sockets
func NewVirtualSocketPair() (*VirtualSocket, *VirtualSocket) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	a := &VirtualSocket{
		rx:       bToA,
		tx:       aToB,
		mtu:      defaultUDPInnerMTU,
		endpoint: Endpoint{Addr: "virtual-b", Port: "5683"},
		closed:   make(chan struct{}),
	}
	b := &VirtualSocket{
		rx:       aToB,
		tx:       bToA,
		mtu:      defaultUDPInnerMTU,
		endpoint: Endpoint{Addr: "virtual-a", Port: "5683"},
		closed:   make(chan struct{}),
	}
	return a, b
}

// SetInnerMTU overrides the reported datagram payload budget
func (s *VirtualSocket) SetInnerMTU(mtu int) {
	s.mtu = mtu
}

func (s *VirtualSocket) Send(data []byte) error {
	datagram := append([]byte(nil), data...)
	select {
	case s.tx <- datagram:
		return nil
	case <-s.closed:
		return ErrNetwork
	}
}

func (s *VirtualSocket) Recv(buf []byte, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case datagram := <-s.rx:
		n := copy(buf, datagram)
		if n < len(datagram) {
			return n, ErrMsgTooLong
		}
		return n, nil
	case <-timer.C:
		return 0, ErrTimeout
	case <-s.closed:
		return 0, ErrNetwork
	}
}

func (s *VirtualSocket) InnerMTU() int {
	return s.mtu
}

func (s *VirtualSocket) RemoteEndpoint() Endpoint {
	return s.endpoint
}

func (s *VirtualSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
