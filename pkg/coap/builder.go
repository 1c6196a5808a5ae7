package coap

import (
	"encoding/binary"
)

// MsgBuilder serializes a message into a caller-provided buffer. The header,
// token and options are written on Reset; payload is appended afterwards in
// a streaming fashion. Message is idempotent: without an intervening append
// it returns the same bytes.
type MsgBuilder struct {
	buf              []byte
	length           int
	hasPayloadMarker bool
}

// NewMsgBuilder initializes a builder over buf and serializes the headers
// described by info
func NewMsgBuilder(buf []byte, info *MsgInfo) (*MsgBuilder, error) {
	builder := &MsgBuilder{buf: buf}
	if err := builder.Reset(info); err != nil {
		return nil, err
	}
	return builder, nil
}

func (b *MsgBuilder) bytesRemaining() int {
	return len(b.buf) - b.length
}

func (b *MsgBuilder) appendBytes(data []byte) error {
	if len(data) > b.bytesRemaining() {
		return ErrBufferTooSmall
	}
	copy(b.buf[b.length:], data)
	b.length += len(data)
	return nil
}

func (b *MsgBuilder) appendByte(value byte) error {
	if b.bytesRemaining() < 1 {
		return ErrBufferTooSmall
	}
	b.buf[b.length] = value
	b.length++
	return nil
}

func encodeExtValue(dst []byte, value uint16) int {
	if value >= extU16Base {
		binary.BigEndian.PutUint16(dst, value-extU16Base)
		return 2
	}
	if value >= extU8Base {
		dst[0] = byte(value - extU8Base)
		return 1
	}
	return 0
}

func shortFieldValue(value uint16) uint8 {
	if value >= extU16Base {
		return extU16
	}
	if value >= extU8Base {
		return extU8
	}
	return uint8(value)
}

func (b *MsgBuilder) appendOption(delta uint16, data []byte) error {
	if b.buf[1] == byte(CodeEmpty) {
		// 0.00 Empty message must not contain options
		return ErrMsgMalformed
	}
	headerSize := optHeaderSize(delta, len(data))
	if headerSize+len(data) > b.bytesRemaining() {
		return ErrBufferTooSmall
	}
	b.buf[b.length] = shortFieldValue(delta)<<4 | shortFieldValue(uint16(len(data)))
	off := b.length + 1
	off += encodeExtValue(b.buf[off:], delta)
	off += encodeExtValue(b.buf[off:], uint16(len(data)))
	b.length = off
	return b.appendBytes(data)
}

// Reset re-serializes the headers from info, discarding any previous
// content. This is the mechanism the block transfer engine uses to
// substitute the Block option and identity into each emitted block.
func (b *MsgBuilder) Reset(info *MsgInfo) error {
	if len(b.buf) < HeaderSize || len(b.buf) < info.HeadersSize() {
		return ErrBufferTooSmall
	}
	if len(info.Identity.Token) > MaxTokenLength {
		return ErrTokenTooLong
	}
	if info.Code == CodeEmpty && len(info.Identity.Token) > 0 {
		// 0.00 Empty message must not contain a token
		return ErrMsgMalformed
	}

	b.hasPayloadMarker = false
	b.length = 0

	b.buf[0] = 1<<6 | uint8(info.Type)<<4 | uint8(len(info.Identity.Token))
	b.buf[1] = byte(info.Code)
	binary.BigEndian.PutUint16(b.buf[2:4], info.Identity.MsgID)
	b.length = HeaderSize

	if err := b.appendBytes([]byte(info.Identity.Token)); err != nil {
		return err
	}

	prevNumber := uint16(0)
	for _, opt := range info.options {
		if err := b.appendOption(opt.number-prevNumber, opt.data); err != nil {
			return err
		}
		prevNumber = opt.number
	}
	return nil
}

// PayloadRemaining reports how many payload bytes still fit, accounting for
// the payload marker if it was not written yet
func (b *MsgBuilder) PayloadRemaining() int {
	remaining := b.bytesRemaining()
	if remaining > 0 && !b.hasPayloadMarker {
		return remaining - 1
	}
	return remaining
}

// HasPayload tells whether any payload byte was appended
func (b *MsgBuilder) HasPayload() bool {
	return b.hasPayloadMarker
}

// AppendPayload writes as many payload bytes as fit and returns the count.
// The payload marker is emitted before the first non-empty write.
func (b *MsgBuilder) AppendPayload(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	bytesToWrite := len(payload)
	if remaining := b.PayloadRemaining(); bytesToWrite > remaining {
		bytesToWrite = remaining
	}
	if bytesToWrite > 0 && !b.hasPayloadMarker {
		b.appendByte(PayloadMarker)
		b.hasPayloadMarker = true
	}
	b.appendBytes(payload[:bytesToWrite])
	return bytesToWrite
}

// PayloadBytes returns the payload appended so far
func (b *MsgBuilder) PayloadBytes() []byte {
	if !b.hasPayloadMarker {
		return nil
	}
	msg := Message{raw: b.buf[:b.length]}
	return msg.Payload()
}

// Message returns a view of the serialized message
func (b *MsgBuilder) Message() Message {
	return Message{raw: b.buf[:b.length]}
}

// BuildWithoutPayload serializes info into a fresh buffer and returns the
// resulting message. Used for empty ACK/Reset and single-shot responses.
func BuildWithoutPayload(info *MsgInfo) (Message, error) {
	buf := make([]byte, info.StorageSize())
	builder, err := NewMsgBuilder(buf, info)
	if err != nil {
		return Message{}, err
	}
	return builder.Message(), nil
}
