package coap

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Type is the CoAP message type from the fixed header
type Type uint8

const (
	TypeConfirmable     Type = 0
	TypeNonConfirmable  Type = 1
	TypeAcknowledgement Type = 2
	TypeReset           Type = 3
)

var typeNames = [...]string{
	"CONFIRMABLE",
	"NON_CONFIRMABLE",
	"ACKNOWLEDGEMENT",
	"RESET",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "UNKNOWN"
}

const (
	HeaderSize     = 4
	MaxTokenLength = 8
	PayloadMarker  = 0xFF

	MinBlockSize = 1 << 4
	MaxBlockSize = 1 << 10
)

// Token is a request correlator of 0-8 bytes. It is stored as a string so
// identities compare with ==.
type Token string

// Identity joins a request with its response: the 16-bit message id plus the
// token. Two identities are equal iff both components match byte-for-byte.
type Identity struct {
	MsgID uint16
	Token Token
}

// Message is a read-only view over a serialized CoAP message held in a
// caller-provided buffer. Decoding never allocates; all accessors index into
// the raw slice. ParseMessage only hands out a Message after IsValid
// succeeded.
type Message struct {
	raw []byte
}

// ParseMessage validates raw and returns a message view of it. The returned
// message aliases raw; it stays valid as long as the buffer is untouched.
func ParseMessage(raw []byte) (Message, error) {
	msg := Message{raw: raw}
	if !msg.IsValid() {
		return Message{}, ErrMsgMalformed
	}
	return msg, nil
}

// Raw returns the serialized message bytes
func (m Message) Raw() []byte {
	return m.raw
}

func (m Message) Length() int {
	return len(m.raw)
}

func (m Message) Version() uint8 {
	return m.raw[0] >> 6
}

func (m Message) Type() Type {
	return Type(m.raw[0] >> 4 & 0x03)
}

func (m Message) tokenLength() int {
	return int(m.raw[0] & 0x0F)
}

func (m Message) Code() Code {
	return Code(m.raw[1])
}

func (m Message) MessageID() uint16 {
	return binary.BigEndian.Uint16(m.raw[2:4])
}

func (m Message) Token() Token {
	return Token(m.raw[HeaderSize : HeaderSize+m.tokenLength()])
}

// Identity returns the (message id, token) pair of the message
func (m Message) Identity() Identity {
	return Identity{MsgID: m.MessageID(), Token: m.Token()}
}

// IsRequest tells whether the message code belongs to the request class
func (m Message) IsRequest() bool {
	return m.Code().IsRequest()
}

// IsResponse tells whether the message code belongs to a response class
func (m Message) IsResponse() bool {
	return m.Code().IsResponse()
}

// OptIterator returns an iterator positioned at the first option
func (m Message) OptIterator() OptIterator {
	return OptIterator{msg: m, off: HeaderSize + m.tokenLength()}
}

func (m Message) payloadMarkerOffset() int {
	it := m.OptIterator()
	for !it.Done() {
		it.Next()
	}
	return it.off
}

// Payload returns the message payload (without the payload marker)
func (m Message) Payload() []byte {
	end := m.payloadMarkerOffset()
	if end < len(m.raw) && m.raw[end] == PayloadMarker {
		return m.raw[end+1:]
	}
	return nil
}

// FindUniqueOpt looks up the single option with the given number. It fails
// with ErrOptionMissing or ErrOptionDuplicated, which callers tell apart.
func (m Message) FindUniqueOpt(number uint16) (Opt, error) {
	var found *Opt
	for it := m.OptIterator(); !it.Done(); it.Next() {
		num := it.Number()
		if num == uint32(number) {
			if found != nil {
				return Opt{}, ErrOptionDuplicated
			}
			opt := it.Opt()
			found = &opt
		} else if num > uint32(number) {
			break
		}
	}
	if found == nil {
		return Opt{}, ErrOptionMissing
	}
	return *found, nil
}

// UintOption returns the value of a unique option interpreted as an unsigned
// integer of up to maxBytes bytes
func (m Message) UintOption(number uint16, maxBytes int) (uint64, error) {
	opt, err := m.FindUniqueOpt(number)
	if err != nil {
		return 0, err
	}
	return opt.UintValue(maxBytes)
}

// ContentFormat returns the Content-Format option value, or FormatNone when
// the option is absent
func (m Message) ContentFormat() (uint16, error) {
	value, err := m.UintOption(OptContentFormat, 2)
	if err == ErrOptionMissing {
		return FormatNone, nil
	}
	if err != nil {
		return 0, err
	}
	return uint16(value), nil
}

// StringOptions collects the values of every instance of a repeatable string
// option (Uri-Path, Uri-Query, Location-Path) in serialization order
func (m Message) StringOptions(number uint16) []string {
	var values []string
	for it := m.OptIterator(); !it.Done(); it.Next() {
		if it.Number() == uint32(number) {
			values = append(values, it.Opt().StringValue())
		}
	}
	return values
}

func (m Message) isHeaderValid() bool {
	if m.Version() != 1 {
		return false
	}
	tkl := m.tokenLength()
	if tkl > MaxTokenLength {
		return false
	}
	return HeaderSize+tkl <= len(m.raw)
}

func (m Message) areOptionsValid() bool {
	lengthSoFar := HeaderSize + m.tokenLength()
	if lengthSoFar == len(m.raw) {
		return true
	}

	it := m.OptIterator()
	for ; lengthSoFar != len(m.raw) && !it.Done(); it.Next() {
		if !it.Opt().IsValid(len(m.raw) - lengthSoFar) {
			return false
		}
		lengthSoFar += it.Opt().Size()
		if lengthSoFar > len(m.raw) {
			return false
		}
		if it.Number() > 0xFFFF {
			return false
		}
	}

	// RFC 7252 3.1: a payload marker followed by a zero-length payload is a
	// message format error
	if lengthSoFar+1 == len(m.raw) && m.raw[lengthSoFar] == PayloadMarker {
		return false
	}
	return true
}

// IsValid performs full wire-format validation of the message
func (m Message) IsValid() bool {
	if len(m.raw) < HeaderSize {
		return false
	}
	// RFC 7252 1.2: an Empty message only contains the 4-byte header
	return m.isHeaderValid() &&
		m.areOptionsValid() &&
		(m.Code() != CodeEmpty || len(m.raw) == HeaderSize)
}

func (m Message) blockSummary(blockType BlockType) string {
	opt, err := m.FindUniqueOpt(blockType.OptionNumber())
	if err == ErrOptionMissing {
		return ""
	}
	num := 1
	if blockType == Block2 {
		num = 2
	}
	if err != nil {
		return fmt.Sprintf(", multiple BLOCK%d options", num)
	}
	seqNum, err1 := opt.BlockSeqNumber()
	hasMore, err2 := opt.BlockHasMore()
	if err1 != nil || err2 != nil {
		return fmt.Sprintf(", BLOCK%d (bad content)", num)
	}
	size, err := opt.BlockSize()
	if err != nil {
		return fmt.Sprintf(", BLOCK%d (bad size)", num)
	}
	more := 0
	if hasMore {
		more = 1
	}
	return fmt.Sprintf(", BLOCK%d (seq %d, size %d, more %d)", num, seqNum, size, more)
}

// Summary renders a short human-readable description of the message,
// intended for trace logging
func (m Message) Summary() string {
	var token strings.Builder
	for i := 0; i < len(m.Token()); i++ {
		fmt.Fprintf(&token, "%02x", m.Token()[i])
	}
	return fmt.Sprintf("%v, %v, id %d, token %s (%dB)%s%s",
		m.Code(), m.Type(), m.MessageID(), token.String(), len(m.Token()),
		m.blockSummary(Block1), m.blockSummary(Block2))
}
