package stream

import (
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/openlw/golwm2m/pkg/coap"
	"github.com/openlw/golwm2m/pkg/stats"
)

// Block1 side of the transfer engine: the client uploading a request payload
// block by block, and the handler that inspects the per-block responses.

func isSeparateAck(msg coap.Message, request coap.Message) bool {
	return msg.Type() == coap.TypeAcknowledgement &&
		msg.Code() == coap.CodeEmpty &&
		msg.MessageID() == request.MessageID()
}

func isMatchingResponse(msg coap.Message, request coap.Message) bool {
	if msg.Type() == coap.TypeReset {
		return msg.MessageID() == request.MessageID()
	}
	// message id must match only in case of a Piggybacked Response
	if msg.Type() == coap.TypeAcknowledgement {
		if msg.MessageID() != request.MessageID() {
			log.Debugf("[BLOCK] unexpected msg id %d in ACK message", msg.MessageID())
			return false
		}
	}
	if msg.Token() != request.Token() {
		log.Debug("[BLOCK] token mismatch")
		return false
	}
	return true
}

func blockRequestUpdateBlockOption(ctx *blockTransfer, block coap.BlockInfo) int {
	if block.Size == ctx.block.Size {
		ctx.block.SeqNum++
		return blockResultOK
	}

	log.Debugf("[BLOCK] server requested block size change: %d", block.Size)

	if block.SeqNum != 0 {
		log.Warn("[BLOCK] server requested block size change in the middle of a transfer")
		return blockResultAbort
	}
	if block.Size > ctx.block.Size {
		log.Warnf("[BLOCK] server requested block size bigger than original (%d, was %d)",
			block.Size, ctx.block.Size)
		return blockResultAbort
	}

	sizeRatio := uint32(ctx.block.Size / block.Size)
	ctx.block.SeqNum = (ctx.block.SeqNum + 1) * sizeRatio
	ctx.block.Size = block.Size
	return blockResultOK
}

func handleBlockOptions(msg coap.Message, ctx *blockTransfer) int {
	block1, err := coap.GetBlockInfo(msg, coap.Block1)
	if err != nil || !block1.Valid {
		log.Debug("[BLOCK] BLOCK1 missing or invalid in response to block-wise request")
		return blockResultAbort
	}
	block2, err := coap.GetBlockInfo(msg, coap.Block2)
	if err != nil || block2.Valid {
		log.Debug("[BLOCK] block-wise responses to block-wise requests are not supported")
		return blockResultAbort
	}

	if block1.SeqNum != ctx.block.SeqNum {
		log.Debugf("[BLOCK] mismatched block number: got %d, expected %d",
			block1.SeqNum, ctx.block.SeqNum)
		return blockResultAbort
	}

	return blockRequestUpdateBlockOption(ctx, block1)
}

func handleMatchingBlockResponse(msg coap.Message, ctx *blockTransfer) int {
	if msg.Code().IsClientError() || msg.Code().IsServerError() {
		log.Debug("[BLOCK] block-wise transfer: error response")
		return blockResultAbort
	}
	return handleBlockOptions(msg, ctx)
}

func handleMatchingResponse(msg coap.Message, ctx *blockTransfer) int {
	if msg.Type() == coap.TypeReset {
		log.Debug("[BLOCK] block-wise transfer: Reset response")
		return blockResultAbort
	}

	result := handleMatchingBlockResponse(msg, ctx)

	if msg.Type() == coap.TypeConfirmable {
		// Confirmable Separate Response: we need to send an ACK
		sendEmpty(ctx.sock, coap.TypeAcknowledgement, msg.MessageID())
	}

	return result
}

func continueBlockRequest(msg coap.Message, sentMsg coap.Message, ctx *blockTransfer) (int, bool, coap.Code) {
	if isSeparateAck(msg, sentMsg) {
		// empty ACK to a request: wait for the Separate Response
		return 0, true, 0
	}
	if isMatchingResponse(msg, sentMsg) {
		// matching response (Piggybacked, Separate or Reset): handle, or
		// abort on error
		return handleMatchingResponse(msg, ctx), false, 0
	}

	// message unrelated to the block-wise transfer; reject and wait for next
	if msg.Type() == coap.TypeConfirmable && msg.IsRequest() {
		return blockResultAbort, true, coap.CodeServiceUnavailable
	}
	return blockResultAbort, true, 0
}

// newBlockRequest creates the Block1 transfer context used by the client
// sub-stream for request payload uploads
func newBlockRequest(maxBlockSize uint16, in *inputBuffer, out *outputBuffer,
	sock *coap.Socket, idSource coap.IdentitySource, rng *rand.Rand,
	collector *stats.Collector) (*blockTransfer, error) {

	return newBlockTransfer(maxBlockSize, in, out, sock, coap.Block1,
		idSource, continueBlockRequest, rng, collector)
}
