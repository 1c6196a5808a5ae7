package stream

import (
	log "github.com/sirupsen/logrus"

	"github.com/openlw/golwm2m/pkg/coap"
)

// outputBuffer holds the message being composed: its info record, the
// builder serializing into the pre-allocated buffer, and the datagram MTU
// the message must fit into
type outputBuffer struct {
	buf     []byte
	mtu     int
	info    coap.MsgInfo
	builder *coap.MsgBuilder
}

func newOutputBuffer(size int) outputBuffer {
	return outputBuffer{buf: make([]byte, size), mtu: size}
}

func (out *outputBuffer) reset() {
	out.mtu = len(out.buf)
	out.info.Reset()
	out.builder = nil
}

func (out *outputBuffer) isReset() bool {
	return out.builder == nil
}

func (out *outputBuffer) setupMtu(sock *coap.Socket) {
	mtu := sock.InnerMTU()
	if mtu > 0 {
		log.Debugf("[STREAM] buffer size: %d, socket MTU: %d", len(out.buf), mtu)
		out.mtu = mtu
	} else {
		log.Debugf("[STREAM] buffer size: %d, socket MTU unknown", len(out.buf))
	}
}

func (out *outputBuffer) effectiveCapacity() int {
	if out.mtu < len(out.buf) {
		return out.mtu
	}
	return len(out.buf)
}

// setupMsg fills the info record from details and initializes the builder
func (out *outputBuffer) setupMsg(id coap.Identity, details *coap.MsgDetails, block *coap.BlockInfo) error {
	if err := details.FillInfo(id, block, &out.info); err != nil {
		return err
	}
	builder, err := coap.NewMsgBuilder(out.buf[:out.effectiveCapacity()], &out.info)
	if err != nil {
		return err
	}
	out.builder = builder
	return nil
}

// updateMsgHeader swaps the identity and the BLOCK option of the pending
// message. Only legal while no payload was written.
func (out *outputBuffer) updateMsgHeader(id coap.Identity, block coap.BlockInfo) error {
	if out.builder.HasPayload() {
		log.Error("[STREAM] header override not supported on messages with payload")
		return ErrInvalidState
	}
	out.info.Identity = id
	out.info.RemoveOption(block.Type.OptionNumber())
	if err := out.info.AddBlock(block); err != nil {
		return err
	}
	return out.builder.Reset(&out.info)
}

// write appends payload bytes, returning how many fit
func (out *outputBuffer) write(data []byte) int {
	return out.builder.AppendPayload(data)
}

func (out *outputBuffer) buildMsg() coap.Message {
	return out.builder.Message()
}
