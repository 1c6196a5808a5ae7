package stream

import (
	"github.com/openlw/golwm2m/pkg/coap"
)

// inputBuffer holds the most recently received message and a read cursor
// over its payload
type inputBuffer struct {
	buf        []byte
	msg        coap.Message
	hasMsg     bool
	rawLen     int
	payload    []byte
	payloadOff int
}

func newInputBuffer(size int) inputBuffer {
	return inputBuffer{buf: make([]byte, size)}
}

func (in *inputBuffer) reset() {
	in.msg = coap.Message{}
	in.hasMsg = false
	in.rawLen = 0
	in.payload = nil
	in.payloadOff = 0
}

func (in *inputBuffer) isReset() bool {
	return !in.hasMsg
}

// getNextMessage receives one message through the socket wrapper. On error
// the raw datagram prefix is still addressable through rawBytes.
func (in *inputBuffer) getNextMessage(sock *coap.Socket) error {
	msg, n, err := sock.Recv(in.buf)
	in.rawLen = n
	if err != nil {
		return err
	}
	in.msg = msg
	in.hasMsg = true
	in.payload = msg.Payload()
	in.payloadOff = 0
	return nil
}

func (in *inputBuffer) message() coap.Message {
	return in.msg
}

// rawBytes returns the raw prefix of the last datagram, even a truncated or
// malformed one
func (in *inputBuffer) rawBytes() []byte {
	return in.buf[:in.rawLen]
}

func (in *inputBuffer) bytesAvailable() int {
	return len(in.payload) - in.payloadOff
}

// read copies payload bytes into dst and reports whether the message payload
// is exhausted
func (in *inputBuffer) read(dst []byte) (int, bool) {
	n := copy(dst, in.payload[in.payloadOff:])
	in.payloadOff += n
	return n, in.payloadOff >= len(in.payload)
}
