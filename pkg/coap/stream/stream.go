package stream

import (
	"math/rand"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/openlw/golwm2m/pkg/coap"
	"github.com/openlw/golwm2m/pkg/stats"
)

type streamState uint8

const (
	stateIdle streamState = iota
	stateClient
	stateServer
)

// Default sizes of the pre-allocated per-stream buffers
const (
	DefaultInBufferSize  = 1152
	DefaultOutBufferSize = 1152
	DefaultTokenSize     = 8
)

// Stream presents both sides of CoAP messaging behind one streaming object:
// SetupRequest on an idle stream starts a client exchange, reads on an idle stream
// accept an incoming request and enter server mode. Block-wise transfers are
// initiated implicitly when a payload outgrows the single-datagram budget.
//
// All methods must be called from a single goroutine; the stream suspends
// only inside socket receives.
type Stream struct {
	state    streamState
	in       inputBuffer
	out      outputBuffer
	sock     *coap.Socket
	idSource coap.IdentitySource
	rng      *rand.Rand
	stats    *stats.Collector

	client clientStream
	server serverStream

	// correlates every log line of one exchange
	exchangeID xid.ID
}

// NewStream creates a stream over sock with pre-allocated input and output
// buffers. Buffers are never resized afterwards.
func NewStream(sock *coap.Socket, inBufferSize, outBufferSize int) *Stream {
	seed := time.Now().UnixNano()
	s := &Stream{
		in:       newInputBuffer(inBufferSize),
		out:      newOutputBuffer(outBufferSize),
		sock:     sock,
		idSource: coap.NewIdentityGenerator(seed, DefaultTokenSize),
		rng:      rand.New(rand.NewSource(seed)),
	}
	s.reset()
	return s
}

// AttachStats wires the engine counters; a nil collector detaches them
func (s *Stream) AttachStats(collector *stats.Collector) {
	s.stats = collector
}

// SetIdentitySource replaces the identity source; intended for tests that
// need deterministic message ids and tokens
func (s *Stream) SetIdentitySource(source coap.IdentitySource) {
	s.idSource = source
}

func (s *Stream) reset() {
	s.in.reset()
	s.out.reset()

	switch s.state {
	case stateClient:
		s.client.reset()
	case stateServer:
		s.server.reset()
	}

	s.state = stateIdle
	log.Tracef("[STREAM][%s] IDLE mode (reset)", s.exchangeID)
}

func (s *Stream) isReset() bool {
	return s.state == stateIdle
}

func (s *Stream) becomeServer() {
	s.reset()
	s.state = stateServer
	s.exchangeID = xid.New()
	log.Tracef("[STREAM][%s] SERVER mode", s.exchangeID)
	s.server.reset()
}

func (s *Stream) becomeClient() {
	s.reset()
	s.state = stateClient
	s.exchangeID = xid.New()
	log.Tracef("[STREAM][%s] CLIENT mode", s.exchangeID)
	s.client.reset()
}

func (s *Stream) getOrReceiveMsg() error {
	var err error
	switch s.state {
	case stateClient:
		err = s.client.getOrReceiveMsg(&s.in, s.sock)
	case stateIdle:
		log.Tracef("[STREAM][%s] read on idle stream, receiving", s.exchangeID)
		s.becomeServer()
		fallthrough
	case stateServer:
		err = s.server.getOrReceiveMsg(&s.in, s.sock)
	}

	if err != nil {
		s.reset()
	}
	return err
}

// Write appends payload bytes to the pending message, transparently starting
// a block-wise transfer when they no longer fit into a single datagram. Only
// legal after SetupRequest or SetupResponse.
func (s *Stream) Write(data []byte) (int, error) {
	var err error
	switch s.state {
	case stateClient:
		err = s.client.write(&s.in, &s.out, s.sock, s.idSource, s.rng, s.stats, data)
	case stateServer:
		err = s.server.write(&s.in, &s.out, s.sock, s.rng, s.stats, data)
	default:
		log.Error("[STREAM] write called on an IDLE stream")
		return 0, ErrInvalidState
	}
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// FinishMessage transmits the pending message: for a client request it runs
// the confirmable retry loop and receives the response, for a server
// response it sends the buffered message or the stored error code
func (s *Stream) FinishMessage() error {
	switch s.state {
	case stateClient:
		return s.client.finishRequest(&s.in, &s.out, s.sock, s.rng, s.stats)
	case stateServer:
		return s.server.finishResponse(&s.out, s.sock)
	default:
		log.Error("[STREAM] finishMessage called on an IDLE stream")
		return ErrInvalidState
	}
}

// Read copies payload bytes of the current incoming message into buf. On an
// idle stream it enters server mode and receives a request first. finished
// reports that the whole (possibly multi-block) payload was consumed.
func (s *Stream) Read(buf []byte) (n int, finished bool, err error) {
	if err := s.getOrReceiveMsg(); err != nil {
		return 0, false, err
	}

	switch s.state {
	case stateServer:
		n, finished, err = s.server.read(&s.in, s.sock, buf)
	case stateClient:
		n, finished, err = s.client.read(&s.in, s.sock, buf)
	default:
		return 0, false, ErrInvalidState
	}

	if err == nil && finished {
		s.in.reset()
	}
	return n, finished, err
}

// Reset aborts the current exchange and returns the stream to Idle. Buffers,
// socket and identity source are kept.
func (s *Stream) Reset() {
	s.reset()
}

// Close resets the stream and closes the underlying socket
func (s *Stream) Close() error {
	s.reset()
	return s.sock.Close()
}

// SetupRequest starts a client exchange: it builds the pending request
// header from details and draws a fresh identity, optionally overriding the
// token. Only legal when Idle or when overwriting a previous client setup.
func (s *Stream) SetupRequest(details *coap.MsgDetails, token *coap.Token) error {
	switch s.state {
	case stateServer:
		log.Error("[STREAM] setupRequest called while in SERVER state")
		return ErrInvalidState
	case stateClient:
		log.Debug("[STREAM] overwriting previous request")
		s.reset()
	}

	s.becomeClient()

	identity := s.idSource.Next()
	if token != nil {
		identity.Token = *token
	}

	if err := s.client.setupRequest(&s.out, s.sock, details, identity); err != nil {
		s.reset()
		return err
	}
	return nil
}

// SetupResponse configures the response to the current request, reusing the
// request's identity. Only legal in server mode.
func (s *Stream) SetupResponse(details *coap.MsgDetails) error {
	if s.state != stateServer {
		log.Error("[STREAM] no request to respond to")
		return ErrInvalidState
	}
	if err := s.server.setupResponse(&s.out, s.sock, details); err != nil {
		s.reset()
		return err
	}
	return nil
}

// SetError replaces any previously written response with a 4-byte empty ACK
// carrying code, sent on the next FinishMessage. Only legal in server mode.
func (s *Stream) SetError(code coap.Code) error {
	if s.state != stateServer {
		log.Error("[STREAM] setError only makes sense on a server mode stream")
		return ErrInvalidState
	}
	s.server.setError(code)
	return nil
}

// RequestIdentity returns the identity of the current request: the one being
// answered in server mode, the last one sent in client mode
func (s *Stream) RequestIdentity() (coap.Identity, error) {
	var id coap.Identity
	var ok bool
	switch s.state {
	case stateClient:
		id, ok = s.client.requestIdentity()
	case stateServer:
		id, ok = s.server.identity()
	default:
		log.Error("[STREAM] requestIdentity called on an IDLE stream")
		return coap.Identity{}, ErrInvalidState
	}
	if !ok {
		return coap.Identity{}, ErrInvalidState
	}
	return id, nil
}

// InstallBlockRequestValidator sets the callback that guards server-side
// Block2 continuation requests
func (s *Stream) InstallBlockRequestValidator(validator BlockRequestValidator) {
	s.server.installBlockRequestValidator(validator)
}

// TxParams returns the stream's transmission parameters
func (s *Stream) TxParams() coap.TransmissionParams {
	return s.sock.TxParams()
}

// SetTxParams validates and installs new transmission parameters
func (s *Stream) SetTxParams(params coap.TransmissionParams) error {
	return s.sock.SetTxParams(params)
}
