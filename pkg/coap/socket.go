package coap

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openlw/golwm2m/pkg/stats"
)

// DatagramSocket is the transport consumed from below: a connected datagram
// socket with bounded receive. DTLS variants are modeled identically.
type DatagramSocket interface {
	// Send transmits one datagram
	Send(data []byte) error
	// Recv blocks for up to timeout and returns one datagram copied into
	// buf. A datagram longer than buf yields ErrMsgTooLong with the
	// truncated prefix still in buf and its length returned.
	Recv(buf []byte, timeout time.Duration) (int, error)
	// InnerMTU returns the usable datagram payload size, or <= 0 if unknown
	InnerMTU() int
	// RemoteEndpoint identifies the connected peer
	RemoteEndpoint() Endpoint
	Close() error
}

// Socket wraps a datagram socket with CoAP framing concerns: wire-format
// validation on receive, the duplicate-response cache on both directions and
// the closed error taxonomy from errors.go.
type Socket struct {
	backend     DatagramSocket
	txParams    TransmissionParams
	msgCache    *ResponseCache
	recvTimeout time.Duration
	stats       *stats.Collector
}

// NewSocket wraps backend. msgCacheSize <= 0 disables the response cache;
// collector may be nil.
func NewSocket(backend DatagramSocket, msgCacheSize int, collector *stats.Collector) *Socket {
	return &Socket{
		backend:     backend,
		txParams:    DefaultTxParams,
		msgCache:    NewResponseCache(msgCacheSize),
		recvTimeout: DefaultTxParams.AckTimeout,
		stats:       collector,
	}
}

func (s *Socket) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// InnerMTU returns the datagram MTU reported by the backend
func (s *Socket) InnerMTU() int {
	return s.backend.InnerMTU()
}

// RemoteEndpoint returns the connected peer
func (s *Socket) RemoteEndpoint() Endpoint {
	return s.backend.RemoteEndpoint()
}

func (s *Socket) RecvTimeout() time.Duration {
	return s.recvTimeout
}

func (s *Socket) SetRecvTimeout(timeout time.Duration) {
	s.recvTimeout = timeout
}

func (s *Socket) TxParams() TransmissionParams {
	return s.txParams
}

func (s *Socket) SetTxParams(params TransmissionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	s.txParams = params
	return nil
}

func (s *Socket) tryCacheResponse(msg Message) {
	if s.msgCache == nil || !msg.IsResponse() {
		return
	}
	err := s.msgCache.Add(s.backend.RemoteEndpoint(), msg, s.txParams)
	if err == ErrCacheDuplicate {
		log.Debugf("[SOCKET] response %d already cached, ignoring", msg.MessageID())
	}
}

// Send validates and transmits msg. Responses are recorded in the cache for
// duplicate-triggered retransmission.
func (s *Socket) Send(msg Message) error {
	if !msg.IsValid() {
		log.Errorf("[SOCKET] cannot send an invalid CoAP message")
		return ErrMsgMalformed
	}
	log.Tracef("[SOCKET] send: %s", msg.Summary())
	if err := s.backend.Send(msg.Raw()); err != nil {
		log.Errorf("[SOCKET] send failed: %v", err)
		return ErrNetwork
	}
	s.stats.IncMessagesSent()
	s.tryCacheResponse(msg)
	return nil
}

func (s *Socket) trySendCachedResponse(req Message) bool {
	if s.msgCache == nil || !req.IsRequest() {
		return false
	}
	res, ok := s.msgCache.Get(s.backend.RemoteEndpoint(), req.MessageID())
	if !ok {
		return false
	}
	s.stats.IncCacheHits()
	return s.Send(res) == nil
}

func (s *Socket) sendEmptyReset(msgID uint16) {
	info := &MsgInfo{Type: TypeReset, Code: CodeEmpty}
	info.Identity.MsgID = msgID
	msg, err := BuildWithoutPayload(info)
	if err == nil {
		_ = s.Send(msg)
	}
}

// Recv receives one message into buf, using the current receive timeout.
// Malformed input surfaces ErrMsgMalformed with the raw bytes still in buf;
// a CoAP ping is answered with Reset and surfaces ErrMsgWasPing; a duplicate
// of a cached request is answered from the cache and surfaces ErrDuplicate.
func (s *Socket) Recv(buf []byte) (Message, int, error) {
	n, err := s.backend.Recv(buf, s.recvTimeout)
	if err != nil {
		switch err {
		case ErrTimeout, ErrMsgTooLong:
			return Message{}, n, err
		default:
			log.Errorf("[SOCKET] receive failed: %v", err)
			return Message{}, n, ErrNetwork
		}
	}

	msg, err := ParseMessage(buf[:n])
	if err != nil {
		log.Debug("[SOCKET] recv: malformed message")
		s.stats.IncMalformedMessages()
		return Message{}, n, ErrMsgMalformed
	}
	s.stats.IncMessagesReceived()

	log.Tracef("[SOCKET] recv: %s", msg.Summary())

	if msg.Code() == CodeEmpty && msg.Type() == TypeConfirmable {
		// CoAP ping: answer with Reset, nothing to deliver upstream
		s.sendEmptyReset(msg.MessageID())
		return msg, n, ErrMsgWasPing
	}

	if s.trySendCachedResponse(msg) {
		return msg, n, ErrDuplicate
	}

	return msg, n, nil
}
