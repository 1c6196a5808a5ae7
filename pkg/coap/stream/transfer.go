package stream

import (
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/openlw/golwm2m/pkg/coap"
	"github.com/openlw/golwm2m/pkg/stats"
)

const (
	blockResultOK    = 0
	blockResultRetry = 1
	blockResultAbort = -1
)

// blockRecvHandler inspects a message received while a block transfer awaits
// the acknowledgement of its last sent block. sentMsg is that block.
type blockRecvHandler func(msg coap.Message, sentMsg coap.Message, ctx *blockTransfer) (result int, waitForNext bool, errCode coap.Code)

// blockTransfer drives one direction of a block-wise exchange: Block1 for
// client request uploads, Block2 for server response downloads. It owns the
// staged payload and the current BLOCK option value, and pumps blocks
// through the socket with the standard retransmission schedule.
type blockTransfer struct {
	timedOut      bool
	numSentBlocks uint32

	sock    *coap.Socket
	in      *inputBuffer
	info    coap.MsgInfo
	builder *coap.BlockBuilder
	block   coap.BlockInfo

	idSource coap.IdentitySource
	handler  blockRecvHandler

	// Block2 only: guards the relation between continuation requests and
	// the original one
	validator BlockRequestValidator

	rng   *rand.Rand
	stats *stats.Collector
}

func maxPowerOf2NotGreaterThan(value int) int {
	power := 1
	for power*2 <= value {
		power *= 2
	}
	return power
}

func (out *outputBuffer) mtuEnforcedPayloadCapacity() int {
	// assume the headers do not contain the BLOCK option yet
	headersOverhead := out.info.StorageSize() + coap.OptBlockMaxSize + 1
	if headersOverhead < out.mtu {
		return out.mtu - headersOverhead
	}
	return 0
}

func (out *outputBuffer) bufferEnforcedPayloadCapacity() int {
	// The flow assumes the last block is only sent from finishMessage. The
	// last block of a transfer must never be flushed early - we wait for
	// either the finish call or another byte that makes the current block
	// not-the-last-one. Keeping max_block_size strictly below the buffer
	// capacity enforces that.
	if len(out.buf) < 1 {
		return 0
	}
	return len(out.buf) - 1
}

func calculateProposedBlockSize(originalBlockSize uint16, out *outputBuffer) uint16 {
	payloadCapacity := out.mtuEnforcedPayloadCapacity()
	if bufferCapacity := out.bufferEnforcedPayloadCapacity(); bufferCapacity < payloadCapacity {
		payloadCapacity = bufferCapacity
	}

	maxBlockSize := 0
	if payloadCapacity > 0 {
		maxBlockSize = maxPowerOf2NotGreaterThan(payloadCapacity)
	}
	if maxBlockSize < coap.MinBlockSize {
		log.Error("[BLOCK] MTU is too low to send block response")
		return 0
	}
	if maxBlockSize < int(originalBlockSize) {
		log.Infof("[BLOCK] lowering proposed block size to %d due to buffer size or MTU constraints", maxBlockSize)
		return uint16(maxBlockSize)
	}
	return originalBlockSize
}

// newBlockTransfer absorbs the pending output message (header info and any
// payload written so far) into a transfer context. The output buffer is left
// reset for the caller.
func newBlockTransfer(maxBlockSize uint16, in *inputBuffer, out *outputBuffer,
	sock *coap.Socket, blockType coap.BlockType, idSource coap.IdentitySource,
	handler blockRecvHandler, rng *rand.Rand, collector *stats.Collector) (*blockTransfer, error) {

	blockSize := calculateProposedBlockSize(maxBlockSize, out)
	if blockSize == 0 {
		return nil, coap.ErrMsgTooLong
	}

	ctx := &blockTransfer{
		sock:    sock,
		in:      in,
		info:    out.info,
		builder: coap.NewBlockBuilder(len(out.buf), out.builder.PayloadBytes()),
		block: coap.BlockInfo{
			Type:  blockType,
			Valid: true,
			Size:  blockSize,
		},
		idSource: idSource,
		handler:  handler,
		rng:      rng,
		stats:    collector,
	}
	out.info = coap.MsgInfo{}
	out.builder = nil
	return ctx, nil
}

func (ctx *blockTransfer) overwriteBlockOption(block coap.BlockInfo) error {
	ctx.info.RemoveOption(block.Type.OptionNumber())
	return ctx.info.AddBlock(block)
}

// All intermediate blocks must be acknowledged regardless of direction; the
// last block of a request (Block1) still needs the actual response.
func (ctx *blockTransfer) shouldWaitForResponse() bool {
	return ctx.block.HasMore || ctx.block.Type == coap.Block1
}

func (ctx *blockTransfer) acceptResponseWithTimeout(sentMsg coap.Message, recvTimeout *coap.RetryState) (int, error) {
	timeout := recvTimeout.RecvTimeout
	log.Tracef("[BLOCK] waiting %v for response", timeout)

	ctx.in.reset()
	return recvMsgWithTimeout(ctx.sock, ctx.in, &timeout, func(msg coap.Message) (int, bool, coap.Code) {
		return ctx.handler(msg, sentMsg, ctx)
	})
}

func (ctx *blockTransfer) sendBlockMsg(msg coap.Message) (int, error) {
	log.Tracef("[BLOCK] sending block %d (size %d, payload size %d), has_more=%v",
		ctx.block.SeqNum, ctx.block.Size, len(msg.Payload()), ctx.block.HasMore)

	params := ctx.sock.TxParams()
	retry := coap.RetryState{}
	for {
		retry.Update(params, ctx.rng)
		if retry.RetryCount > 0 {
			ctx.stats.IncRetransmissions()
		}

		if err := ctx.sock.Send(msg); err != nil {
			log.Error("[BLOCK] cannot send block message")
			return 0, err
		}
		ctx.stats.IncBlocksSent()

		if !ctx.shouldWaitForResponse() {
			ctx.numSentBlocks++
			return blockResultOK, nil
		}

		result, err := ctx.acceptResponseWithTimeout(msg, &retry)
		if err == coap.ErrTimeout {
			if retry.RetryCount >= params.MaxRetransmit {
				ctx.timedOut = true
				return 0, coap.ErrTimeout
			}
			log.Debugf("[BLOCK] timeout reached, next: %v", retry.RecvTimeout*2)
			continue
		}
		if err != nil {
			return 0, err
		}
		if result == blockResultAbort {
			return 0, ErrTransferAborted
		}
		if result == blockResultOK {
			ctx.numSentBlocks++
		}
		return result, nil
	}
}

func (ctx *blockTransfer) prepareBlock(buf []byte) (coap.Message, error) {
	ctx.info.Identity = ctx.idSource.Next()
	if err := ctx.overwriteBlockOption(ctx.block); err != nil {
		return coap.Message{}, err
	}
	return ctx.builder.Build(&ctx.info, int(ctx.block.Size), buf)
}

func (ctx *blockTransfer) sendNextBlock(buf []byte) error {
	for {
		msg, err := ctx.prepareBlock(buf)
		if err != nil {
			return err
		}
		result, err := ctx.sendBlockMsg(msg)
		if err != nil {
			return err
		}
		if result == blockResultRetry {
			// retransmission trigger: rebuild and re-send the block from the
			// current block state (new size and seq after a renegotiation)
			continue
		}
		ctx.builder.Next(len(msg.Payload()))
		return nil
	}
}

// strong inequality: makes sure it is NOT the last block of the transfer
func (ctx *blockTransfer) hasFullIntermediateBlock() bool {
	return ctx.builder.PayloadRemaining() > int(ctx.block.Size)
}

func (ctx *blockTransfer) flushBlocks(sendFinal bool) error {
	// worst-case storage: the BLOCK option with the highest possible
	// sequence number
	storageSize := ctx.info.PacketStorageSize(int(ctx.block.Size)) + coap.OptBlockMaxSize
	buf := make([]byte, storageSize)

	for ctx.hasFullIntermediateBlock() {
		ctx.block.HasMore = true
		if err := ctx.sendNextBlock(buf); err != nil {
			return err
		}
	}

	if sendFinal {
		ctx.block.HasMore = false
		return ctx.sendNextBlock(buf)
	}
	return nil
}

// write stages payload and flushes every complete intermediate block,
// keeping the (possibly short) final block staged until finish
func (ctx *blockTransfer) write(data []byte) error {
	bytesWritten := 0
	for !ctx.timedOut {
		bytesWritten += ctx.builder.AppendPayload(data[bytesWritten:])
		if bytesWritten >= len(data) {
			return nil
		}
		log.Trace("[BLOCK] short write: flushing intermediate blocks")
		if err := ctx.flushBlocks(false); err != nil {
			return err
		}
	}
	return coap.ErrTimeout
}

// finish sends the final block with has_more cleared
func (ctx *blockTransfer) finish() error {
	if ctx.timedOut {
		return nil
	}
	return ctx.flushBlocks(true)
}

// lastRequestIdentity returns the identity the next outgoing block would
// carry; for the server side this is the identity of the latest request seen
func (ctx *blockTransfer) lastRequestIdentity() coap.Identity {
	return ctx.idSource.Next()
}
