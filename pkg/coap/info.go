package coap

import (
	"encoding/binary"
	"fmt"
	"sort"
)

type infoOpt struct {
	number uint16
	data   []byte
}

// MsgInfo gathers everything needed to serialize a message header: type,
// code, identity and the option list. Options are kept sorted by number as
// they are added, so the builder can emit deltas directly.
type MsgInfo struct {
	Type     Type
	Code     Code
	Identity Identity
	options  []infoOpt
}

// Reset drops all options and zeroes the header fields
func (info *MsgInfo) Reset() {
	*info = MsgInfo{}
}

// AddOpaque appends an option with a raw value, keeping the list sorted.
// Insertion is stable: equal numbers keep their insertion order.
func (info *MsgInfo) AddOpaque(number uint16, data []byte) error {
	if len(data) > 0xFFFF {
		return ErrOptionTooBig
	}
	opt := infoOpt{number: number, data: append([]byte(nil), data...)}
	pos := sort.Search(len(info.options), func(i int) bool {
		return info.options[i].number > number
	})
	info.options = append(info.options, infoOpt{})
	copy(info.options[pos+1:], info.options[pos:])
	info.options[pos] = opt
	return nil
}

// AddString appends a string option
func (info *MsgInfo) AddString(number uint16, value string) error {
	return info.AddOpaque(number, []byte(value))
}

// AddEmpty appends a zero-length option
func (info *MsgInfo) AddEmpty(number uint16) error {
	return info.AddOpaque(number, nil)
}

// AddUint appends an integer option using the shortest big-endian encoding
func (info *MsgInfo) AddUint(number uint16, value uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	start := 0
	for start < len(buf) && buf[start] == 0 {
		start++
	}
	return info.AddOpaque(number, buf[start:])
}

// SetContentFormat appends a Content-Format option unless format is the
// FormatNone sentinel
func (info *MsgInfo) SetContentFormat(format uint16) error {
	if format == FormatNone {
		return nil
	}
	return info.AddUint(OptContentFormat, uint64(format))
}

// AddBlock appends the BLOCK option described by block
func (info *MsgInfo) AddBlock(block BlockInfo) error {
	if !block.Valid {
		return ErrInvalidBlock
	}
	exponent, err := blockSizeExponent(block.Size)
	if err != nil {
		return err
	}
	if block.SeqNum >= 1<<20 {
		return fmt.Errorf("%w: block sequence number must be less than 2^20", ErrInvalidBlock)
	}
	value := block.SeqNum<<4 | uint32(exponent)
	if block.HasMore {
		value |= 0x08
	}
	return info.AddUint(block.Type.OptionNumber(), uint64(value))
}

func blockSizeExponent(size uint16) (uint8, error) {
	for exponent := uint8(0); exponent <= 6; exponent++ {
		if size == 1<<(exponent+4) {
			return exponent, nil
		}
	}
	return 0, fmt.Errorf("%w: invalid block size %d, expected power of 2 between 16 and 1024", ErrInvalidBlock, size)
}

// RemoveOption deletes every option with the given number
func (info *MsgInfo) RemoveOption(number uint16) {
	filtered := info.options[:0]
	for _, opt := range info.options {
		if opt.number != number {
			filtered = append(filtered, opt)
		}
	}
	info.options = filtered
}

func optHeaderSize(delta uint16, length int) int {
	size := 1
	if delta >= extU16Base {
		size += 2
	} else if delta >= extU8Base {
		size++
	}
	if length >= extU16Base {
		size += 2
	} else if length >= extU8Base {
		size++
	}
	return size
}

func (info *MsgInfo) optionsSize() int {
	size := 0
	prevNumber := uint16(0)
	for _, opt := range info.options {
		delta := opt.number - prevNumber
		size += optHeaderSize(delta, len(opt.data)) + len(opt.data)
		prevNumber = opt.number
	}
	return size
}

// HeadersSize is the exact serialized size of header, token and options
func (info *MsgInfo) HeadersSize() int {
	return HeaderSize + len(info.Identity.Token) + info.optionsSize()
}

// StorageSize is the buffer size sufficient to serialize the headers with
// any token length
func (info *MsgInfo) StorageSize() int {
	return HeaderSize + MaxTokenLength + info.optionsSize()
}

// PacketStorageSize is the buffer size sufficient for headers plus a payload
// of the given size
func (info *MsgInfo) PacketStorageSize(payloadSize int) int {
	size := info.StorageSize()
	if payloadSize > 0 {
		size += 1 + payloadSize
	}
	return size
}
