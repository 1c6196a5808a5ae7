package coap

import (
	"github.com/openlw/golwm2m/internal/fifo"
)

// BlockBuilder stages payload bytes for a block-wise transfer and emits them
// as successive block-sized messages. The staging buffer is strictly larger
// than one block: the last block can never be flushed until either another
// byte arrives (making the current block not-the-last-one) or the transfer
// is finished explicitly.
type BlockBuilder struct {
	staging *fifo.Fifo
}

// NewBlockBuilder creates a builder with the given staging capacity and
// seeds it with payload bytes already accumulated elsewhere
func NewBlockBuilder(capacity int, initialPayload []byte) *BlockBuilder {
	// one extra byte: the fifo keeps one slot free to distinguish full from
	// empty, and capacity itself must exceed a single block
	builder := &BlockBuilder{staging: fifo.NewFifo(capacity + 1)}
	builder.staging.Write(initialPayload)
	return builder
}

// AppendPayload writes as many bytes as fit into the staging buffer and
// returns the number written
func (b *BlockBuilder) AppendPayload(payload []byte) int {
	return b.staging.Write(payload)
}

// PayloadRemaining reports the number of staged, not yet consumed bytes
func (b *BlockBuilder) PayloadRemaining() int {
	return b.staging.GetOccupied()
}

// Build serializes the next block into buf: the headers described by info
// followed by up to blockSize staged bytes. The read cursor is not advanced;
// calling Build twice yields the same block.
func (b *BlockBuilder) Build(info *MsgInfo, blockSize int, buf []byte) (Message, error) {
	builder, err := NewMsgBuilder(buf, info)
	if err != nil {
		return Message{}, err
	}

	bytesToWrite := b.PayloadRemaining()
	if remaining := builder.PayloadRemaining(); bytesToWrite > remaining {
		bytesToWrite = remaining
	}
	if bytesToWrite > blockSize {
		bytesToWrite = blockSize
	}

	chunk := make([]byte, bytesToWrite)
	b.staging.AltBegin(0)
	read := b.staging.AltRead(chunk)
	if written := builder.AppendPayload(chunk[:read]); written != read {
		return Message{}, ErrBufferTooSmall
	}
	return builder.Message(), nil
}

// Next consumes the block that Build emitted
func (b *BlockBuilder) Next(blockSize int) {
	b.staging.Skip(blockSize)
}
