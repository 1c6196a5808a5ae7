package coap

// BlockType distinguishes the two block-wise transfer directions of RFC 7959
type BlockType uint8

const (
	Block1 BlockType = iota // request payload, option 27
	Block2                  // response payload, option 23
)

func (t BlockType) OptionNumber() uint16 {
	if t == Block1 {
		return OptBlock1
	}
	return OptBlock2
}

func (t BlockType) String() string {
	if t == Block1 {
		return "BLOCK1"
	}
	return "BLOCK2"
}

// BlockInfo is the decoded value of a Block1 or Block2 option. Valid is false
// when the option was absent from the message.
type BlockInfo struct {
	Type    BlockType
	Valid   bool
	SeqNum  uint32
	HasMore bool
	Size    uint16
}

// Offset returns the byte offset of the block within the full payload
func (b BlockInfo) Offset() uint32 {
	return b.SeqNum * uint32(b.Size)
}

// Equal compares all three components of the block triple
func (b BlockInfo) Equal(other BlockInfo) bool {
	return b.Size == other.Size &&
		b.HasMore == other.HasMore &&
		b.SeqNum == other.SeqNum
}

// IsValidBlockSize reports whether size is a power of two in [16, 1024]
func IsValidBlockSize(size uint16) bool {
	return size >= MinBlockSize && size <= MaxBlockSize && size&(size-1) == 0
}

// GetBlockInfo extracts the BLOCK option of the given type from msg. An
// absent option yields Valid == false and a nil error; a duplicated or
// malformed option yields an error.
func GetBlockInfo(msg Message, blockType BlockType) (BlockInfo, error) {
	info := BlockInfo{Type: blockType}
	opt, err := msg.FindUniqueOpt(blockType.OptionNumber())
	if err == ErrOptionMissing {
		return info, nil
	}
	if err != nil {
		return info, err
	}

	if info.SeqNum, err = opt.BlockSeqNumber(); err != nil {
		return info, err
	}
	if info.HasMore, err = opt.BlockHasMore(); err != nil {
		return info, err
	}
	if info.Size, err = opt.BlockSize(); err != nil {
		return info, err
	}
	info.Valid = true
	return info, nil
}
