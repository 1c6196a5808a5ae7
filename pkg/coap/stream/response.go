package stream

import (
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/openlw/golwm2m/pkg/coap"
	"github.com/openlw/golwm2m/pkg/stats"
)

// Block2 side of the transfer engine: the server downloading a response
// payload to the client, driven by the client's continuation requests.

// BlockRequestValidator lets the upper layer verify that a continuation
// request still targets the same resource and query as the request that
// started the transfer. A non-nil error rejects the message with 5.03.
type BlockRequestValidator func(msg coap.Message) error

// handleBlockSizeRenegotiation applies the client's requested block size to
// an ongoing Block2 transfer. Shrinking is only honored while the transfer
// has not advanced past its first block; the staged payload between the old
// read position and the requested offset is consumed so the next emitted
// block starts exactly where the client asked.
func handleBlockSizeRenegotiation(ctx *blockTransfer, block2 coap.BlockInfo) int {
	if block2.Size == ctx.block.Size {
		return blockResultOK
	}
	if block2.Size > ctx.block.Size {
		log.Warnf("[BLOCK] client attempted to increase block size from %d to %d B",
			ctx.block.Size, block2.Size)
		return blockResultAbort
	}
	if ctx.numSentBlocks > 0 {
		log.Error("[BLOCK] client changed block size in the middle of block transfer")
		return blockResultAbort
	}

	currOffset := ctx.block.Offset()
	reqOffset := block2.Offset()
	if reqOffset < currOffset || reqOffset > currOffset+uint32(ctx.block.Size) {
		log.Error("[BLOCK] client requested unseen offset while changing block size")
		return blockResultAbort
	}

	log.Tracef("[BLOCK] lowering block size to %d B on client request", block2.Size)
	ctx.builder.Next(int(reqOffset - currOffset))
	ctx.block.Size = block2.Size
	ctx.block.SeqNum = block2.SeqNum
	return blockResultRetry
}

func blockResponseRecvHandler(msg coap.Message, sentMsg coap.Message, ctx *blockTransfer) (int, bool, coap.Code) {
	// identity matching the last response means a duplicate of the previous
	// request: trigger retransmission of the last block
	if msg.Identity() == sentMsg.Identity() {
		return blockResultRetry, false, 0
	}

	if static, ok := ctx.idSource.(*coap.StaticIdentitySource); ok {
		static.Reset(msg.Identity())
	}

	block1, err := coap.GetBlockInfo(msg, coap.Block1)
	if err != nil {
		return blockResultAbort, false, coap.CodeBadRequest
	}
	if block1.Valid {
		// BLOCK1 in what should be a BLOCK2 continuation: part of an
		// unrelated block-wise request
		return blockResultAbort, true, coap.CodeServiceUnavailable
	}

	block2, err := coap.GetBlockInfo(msg, coap.Block2)
	if err != nil {
		return blockResultAbort, false, coap.CodeBadRequest
	}
	if !block2.Valid {
		// no BLOCK2 option - must be an unrelated request
		return blockResultAbort, true, coap.CodeServiceUnavailable
	}
	if ctx.validator != nil {
		if err := ctx.validator(msg); err != nil {
			log.Debugf("[BLOCK] continuation request rejected by validator: %v", err)
			return blockResultAbort, true, coap.CodeServiceUnavailable
		}
	}

	switch result := handleBlockSizeRenegotiation(ctx, block2); result {
	case blockResultOK:
	case blockResultRetry:
		return blockResultRetry, false, 0
	default:
		return blockResultAbort, false, coap.CodeBadRequest
	}

	if block2.SeqNum < ctx.block.SeqNum || block2.SeqNum > ctx.block.SeqNum+1 {
		log.Warn("[BLOCK] expected BLOCK2 seq numbers to be consecutive")
		return blockResultAbort, true, 0
	}
	if block2.SeqNum == ctx.block.SeqNum {
		return blockResultRetry, false, 0
	}

	ctx.block.SeqNum = block2.SeqNum
	return blockResultOK, false, 0
}

// newBlockResponse creates the Block2 transfer context used by the server
// sub-stream for response payload downloads. idSource must be the static
// source echoing the original request's identity.
func newBlockResponse(maxBlockSize uint16, in *inputBuffer, out *outputBuffer,
	sock *coap.Socket, idSource coap.IdentitySource,
	validator BlockRequestValidator, rng *rand.Rand,
	collector *stats.Collector) (*blockTransfer, error) {

	ctx, err := newBlockTransfer(maxBlockSize, in, out, sock, coap.Block2,
		idSource, blockResponseRecvHandler, rng, collector)
	if err != nil {
		return nil, err
	}
	ctx.validator = validator
	return ctx, nil
}
